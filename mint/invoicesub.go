package mint

import (
	"context"
	"time"

	"github.com/cashu-mint/mint/cashu/nuts/nut04"
	"github.com/cashu-mint/mint/cashu/nuts/nut05"
)

// startQuoteExpirer periodically moves mint and melt quotes that are still
// unpaid past their expiry into the expired state, so wallets stop polling
// them and operators can tell a stale quote from one still worth honoring.
func (m *Mint) startQuoteExpirer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().Unix()
			m.expireMintQuotes(now)
			m.expireMeltQuotes(now)
		}
	}
}

func (m *Mint) expireMintQuotes(olderThan int64) {
	quotes, err := m.db.GetExpirableMintQuotes(olderThan)
	if err != nil {
		m.logErrorf("error reading expirable mint quotes: %v", err)
		return
	}

	for _, quote := range quotes {
		if err := m.db.UpdateMintQuoteState(quote.Id, quote.State, nut04.Expired); err != nil {
			m.logErrorf("error expiring mint quote '%v': %v", quote.Id, err)
			continue
		}
		m.logInfof("mint quote '%v' expired", quote.Id)
	}
}

func (m *Mint) expireMeltQuotes(olderThan int64) {
	quotes, err := m.db.GetExpirableMeltQuotes(olderThan)
	if err != nil {
		m.logErrorf("error reading expirable melt quotes: %v", err)
		return
	}

	for _, quote := range quotes {
		if err := m.db.UpdateMeltQuoteState(quote.Id, quote.State, nut05.Expired); err != nil {
			m.logErrorf("error expiring melt quote '%v': %v", quote.Id, err)
			continue
		}
		m.logInfof("melt quote '%v' expired", quote.Id)
	}
}

// startMeltReconciler periodically re-checks melt quotes left pending by a
// lightning backend that was slow or unreachable when MeltTokens last asked,
// so a payment that settles (or fails) after the wallet gave up still lands
// the quote and its proofs in a final state.
func (m *Mint) startMeltReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcilePendingMelts(ctx)
		}
	}
}

func (m *Mint) reconcilePendingMelts(ctx context.Context) {
	quotes, err := m.db.GetPendingMeltQuotes()
	if err != nil {
		m.logErrorf("error reading pending melt quotes: %v", err)
		return
	}

	for _, quote := range quotes {
		if _, err := m.GetMeltQuoteState(ctx, BOLT11_METHOD, quote.Id); err != nil {
			m.logErrorf("error reconciling melt quote '%v': %v", quote.Id, err)
		}
	}
}
