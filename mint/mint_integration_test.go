package mint_test

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/cashu-mint/mint/cashu"
	"github.com/cashu-mint/mint/cashu/nuts/nut04"
	"github.com/cashu-mint/mint/cashu/nuts/nut05"
	"github.com/cashu-mint/mint/cashu/nuts/nut07"
	"github.com/cashu-mint/mint/crypto"
	"github.com/cashu-mint/mint/mint"
	"github.com/cashu-mint/mint/mint/lightning"
	"github.com/cashu-mint/mint/testutils"
)

func proofY(proof cashu.Proof) string {
	Y := crypto.HashToCurve([]byte(proof.Secret))
	return hex.EncodeToString(Y.SerializeCompressed())
}

func testMintPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cashu-mint-test-*")
	if err != nil {
		t.Fatalf("error creating temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "mint")
}

func newTestMint(t *testing.T, backend lightning.Client) *mint.Mint {
	t.Helper()
	if backend == nil {
		backend = &lightning.FakeBackend{}
	}
	m, err := testutils.CreateTestMint(backend, testMintPath(t), 0, mint.MintLimits{})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })
	return m
}

func TestMintTokens(t *testing.T) {
	m := newTestMint(t, nil)

	var amount uint64 = 2100
	mintQuote, err := m.RequestMintQuote(mint.BOLT11_METHOD, amount, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting mint quote: %v", err)
	}

	quoteState, err := m.GetMintQuoteState(mint.BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("unexpected error getting mint quote state: %v", err)
	}
	if quoteState.State != nut04.Paid {
		t.Fatalf("expected quote to be paid by the fake backend, got state '%v'", quoteState.State)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, secrets, rs, err := testutils.CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	blindedSignatures, err := m.MintTokens(mint.BOLT11_METHOD, mintQuote.Id, blindedMessages)
	if err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
	if len(blindedSignatures) != len(blindedMessages) {
		t.Fatalf("expected %v signatures, got %v", len(blindedMessages), len(blindedSignatures))
	}

	keysetInfo, err := m.GetKeysetById(keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	if _, err := testutils.ConstructProofs(blindedSignatures, secrets, rs, keysetInfo); err != nil {
		t.Fatalf("error constructing proofs from signatures: %v", err)
	}

	// quote is now issued, minting against it again must fail
	if _, err := m.MintTokens(mint.BOLT11_METHOD, mintQuote.Id, blindedMessages); err == nil {
		t.Fatal("expected error minting tokens for an already issued quote")
	}
}

func TestMintTokensOverQuoteAmount(t *testing.T) {
	m := newTestMint(t, nil)

	mintQuote, err := m.RequestMintQuote(mint.BOLT11_METHOD, 100, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting mint quote: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(200, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	if _, err := m.MintTokens(mint.BOLT11_METHOD, mintQuote.Id, blindedMessages); err == nil {
		t.Fatal("expected error minting more than the quote's amount")
	}
}

func TestMintingDisabledOverMaxBalance(t *testing.T) {
	backend := &lightning.FakeBackend{}
	limits := mint.MintLimits{MaxBalance: 1000}
	m, err := testutils.CreateTestMint(backend, testMintPath(t), 0, limits)
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })

	if _, err := m.RequestMintQuote(mint.BOLT11_METHOD, 2000, cashu.Sat.String()); err == nil {
		t.Fatal("expected error requesting a mint quote over the configured max balance")
	}
}

func TestSwap(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(3000, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()
	outputs, secrets, rs, err := testutils.CreateBlindedMessages(3000, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	sigs, err := m.Swap(proofs, outputs)
	if err != nil {
		t.Fatalf("unexpected error in swap: %v", err)
	}

	keysetInfo, err := m.GetKeysetById(keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	if _, err := testutils.ConstructProofs(sigs, secrets, rs, keysetInfo); err != nil {
		t.Fatalf("error constructing proofs from swap signatures: %v", err)
	}

	// the same proofs cannot be swapped twice
	if _, err := m.Swap(proofs, outputs); err == nil {
		t.Fatal("expected error swapping already spent proofs")
	}
}

func TestSwapInsufficientAmount(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(1000, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()
	outputs, _, _, err := testutils.CreateBlindedMessages(2000, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	if _, err := m.Swap(proofs, outputs); err == nil {
		t.Fatal("expected error swapping for more than the proofs are worth")
	}
}

// the mint must never mint the wallet more value than it spent: outputs
// that sum to less than the inputs (minus fees) are rejected too, not just
// outputs that sum to more.
func TestSwapOverpayment(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(8, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()
	outputs, _, _, err := testutils.CreateBlindedMessages(7, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	if _, err := m.Swap(proofs, outputs); err == nil {
		t.Fatal("expected error swapping 8 worth of proofs for 7 worth of outputs")
	}

	// the rejected swap must not have invalidated the input proofs
	var Ys []string
	for _, proof := range proofs {
		Ys = append(Ys, proofY(proof))
	}
	proofsState, err := m.ProofsStateCheck(Ys)
	if err != nil {
		t.Fatalf("error checking proofs state: %v", err)
	}
	for _, state := range proofsState {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof to remain unspent after rejected swap, got %v", state.State)
		}
	}
}

func TestProofsStateCheck(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(500, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	var Ys []string
	for _, proof := range proofs {
		Ys = append(Ys, proofY(proof))
	}

	states, err := m.ProofsStateCheck(Ys)
	if err != nil {
		t.Fatalf("unexpected error checking proof state: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Unspent {
			t.Fatalf("expected proof to be unspent before swap, got '%v'", state.State)
		}
	}

	keyset := m.GetActiveKeyset()
	outputs, _, _, err := testutils.CreateBlindedMessages(500, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.Swap(proofs, outputs); err != nil {
		t.Fatalf("unexpected error in swap: %v", err)
	}

	states, err = m.ProofsStateCheck(Ys)
	if err != nil {
		t.Fatalf("unexpected error checking proof state: %v", err)
	}
	for _, state := range states {
		if state.State != nut07.Spent {
			t.Fatalf("expected proof to be spent after swap, got '%v'", state.State)
		}
	}
}

func TestMeltTokens(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(5000, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	invoice, _, _, err := lightning.CreateFakeInvoice(4000, false)
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(mint.BOLT11_METHOD, invoice, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}

	paidQuote, change, err := m.MeltTokens(context.Background(), mint.BOLT11_METHOD, meltQuote.Id, proofs, nil)
	if err != nil {
		t.Fatalf("unexpected error melting tokens: %v", err)
	}
	if len(change) != 0 {
		t.Fatalf("expected no change without a fee reserve, got %v signatures", len(change))
	}
	if paidQuote.Preimage != lightning.FakePreimage {
		t.Fatalf("expected preimage '%v', got '%v'", lightning.FakePreimage, paidQuote.Preimage)
	}

	// melting against the same quote again must fail, it is already paid
	if _, _, err := m.MeltTokens(context.Background(), mint.BOLT11_METHOD, meltQuote.Id, proofs, nil); err == nil {
		t.Fatal("expected error melting an already paid quote")
	}
}

func TestMeltTokensSettledInternally(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	var amount uint64 = 1000
	mintQuote, err := m.RequestMintQuote(mint.BOLT11_METHOD, amount, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting mint quote: %v", err)
	}

	proofs, err := testutils.GetValidProofsForAmount(amount, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	// melt against the same invoice the mint quote was created from:
	// it should settle internally instead of calling out to the backend.
	meltQuote, err := m.RequestMeltQuote(mint.BOLT11_METHOD, mintQuote.PaymentRequest, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}
	if meltQuote.FeeReserve != 0 {
		t.Fatalf("expected fee reserve of 0 for an internally settled quote, got %v", meltQuote.FeeReserve)
	}

	paidQuote, _, err := m.MeltTokens(context.Background(), mint.BOLT11_METHOD, meltQuote.Id, proofs, nil)
	if err != nil {
		t.Fatalf("unexpected error melting tokens: %v", err)
	}
	if paidQuote.State != nut05.Paid {
		t.Fatalf("expected quote to be paid, got state '%v'", paidQuote.State)
	}
}

// feeReserveBackend wraps a FakeBackend to charge a fixed fee reserve, so
// melt quotes leave room for MeltTokens to hand back change per NUT-08.
type feeReserveBackend struct {
	*lightning.FakeBackend
	reserve uint64
}

func (b *feeReserveBackend) FeeReserve(amount uint64) uint64 {
	return b.reserve
}

func TestMeltTokensWithChange(t *testing.T) {
	backend := &feeReserveBackend{FakeBackend: &lightning.FakeBackend{}, reserve: 10}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(1910, m, backend.FakeBackend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	invoice, _, _, err := lightning.CreateFakeInvoice(1900, false)
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(mint.BOLT11_METHOD, invoice, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}
	if meltQuote.FeeReserve != 10 {
		t.Fatalf("expected fee reserve of 10, got %v", meltQuote.FeeReserve)
	}

	keyset := m.GetActiveKeyset()
	// the fake backend never spends any of the reserve, so the mint should
	// hand all 10 sats back as change across these blank outputs.
	blankOutputs, secrets, rs, err := testutils.CreateBlindedMessages(10, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blank outputs: %v", err)
	}

	_, change, err := m.MeltTokens(context.Background(), mint.BOLT11_METHOD, meltQuote.Id, proofs, blankOutputs)
	if err != nil {
		t.Fatalf("unexpected error melting tokens: %v", err)
	}
	var changeAmount uint64
	for _, sig := range change {
		changeAmount += sig.Amount
	}
	if changeAmount != 10 {
		t.Fatalf("expected 10 sats of change, got %v", changeAmount)
	}

	keysetInfo, err := m.GetKeysetById(keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	if _, err := testutils.ConstructProofs(change, secrets[:len(change)], rs[:len(change)], keysetInfo); err != nil {
		t.Fatalf("error constructing proofs from change signatures: %v", err)
	}
}

// change must account for the fee the backend actually paid, not just the
// quoted fee reserve: fee_reserve=10, actual_fee=3 should leave change=7.
func TestMeltTokensWithChangeAndActualFee(t *testing.T) {
	fake := &lightning.FakeBackend{SimulatedFeeSat: 3}
	backend := &feeReserveBackend{FakeBackend: fake, reserve: 10}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(1910, m, backend.FakeBackend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	invoice, _, _, err := lightning.CreateFakeInvoice(1900, false)
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(mint.BOLT11_METHOD, invoice, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}

	keyset := m.GetActiveKeyset()
	// enough blank outputs to cover any binary decomposition of a change
	// amount up to the fee reserve (7 = 4+2+1 needs 3 slots).
	blankOutputs, _, _, err := testutils.CreateBlindedMessages(15, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blank outputs: %v", err)
	}

	_, change, err := m.MeltTokens(context.Background(), mint.BOLT11_METHOD, meltQuote.Id, proofs, blankOutputs)
	if err != nil {
		t.Fatalf("unexpected error melting tokens: %v", err)
	}
	var changeAmount uint64
	for _, sig := range change {
		changeAmount += sig.Amount
	}
	if changeAmount != 7 {
		t.Fatalf("expected 7 sats of change (fee reserve 10 minus actual fee 3), got %v", changeAmount)
	}
}

func TestMeltTokensInsufficientProofs(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(100, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	invoice, _, _, err := lightning.CreateFakeInvoice(4000, false)
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(mint.BOLT11_METHOD, invoice, cashu.Sat.String())
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}

	if _, _, err := m.MeltTokens(context.Background(), mint.BOLT11_METHOD, meltQuote.Id, proofs, nil); err == nil {
		t.Fatal("expected error melting with insufficient proofs")
	}
}

func TestRotateKeyset(t *testing.T) {
	m := newTestMint(t, nil)

	oldActive := m.GetActiveKeyset()

	newKeyset, err := m.RotateKeyset(100)
	if err != nil {
		t.Fatalf("unexpected error rotating keyset: %v", err)
	}
	if newKeyset.Id == oldActive.Id {
		t.Fatal("expected rotation to produce a new keyset id")
	}
	if !newKeyset.Active {
		t.Fatal("expected newly rotated keyset to be active")
	}

	keysets := m.ListKeysets()
	var oldStillThere, newActive bool
	for _, ks := range keysets.Keysets {
		if ks.Id == oldActive.Id && !ks.Active {
			oldStillThere = true
		}
		if ks.Id == newKeyset.Id && ks.Active {
			newActive = true
		}
	}
	if !oldStillThere {
		t.Fatal("expected old keyset to remain listed but inactive")
	}
	if !newActive {
		t.Fatal("expected new keyset to be listed as active")
	}
}

func TestIssuedAndRedeemedEcash(t *testing.T) {
	backend := &lightning.FakeBackend{}
	m := newTestMint(t, backend)

	proofs, err := testutils.GetValidProofsForAmount(1000, m, backend)
	if err != nil {
		t.Fatalf("error getting valid proofs: %v", err)
	}

	keyset := m.GetActiveKeyset()
	issued, err := m.IssuedEcash()
	if err != nil {
		t.Fatalf("unexpected error reading issued ecash: %v", err)
	}
	if issued[keyset.Id] != 1000 {
		t.Fatalf("expected 1000 issued for keyset '%v', got %v", keyset.Id, issued[keyset.Id])
	}

	outputs, _, _, err := testutils.CreateBlindedMessages(1000, keyset.Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.Swap(proofs, outputs); err != nil {
		t.Fatalf("unexpected error in swap: %v", err)
	}

	redeemed, err := m.RedeemedEcash()
	if err != nil {
		t.Fatalf("unexpected error reading redeemed ecash: %v", err)
	}
	if redeemed[keyset.Id] != 1000 {
		t.Fatalf("expected 1000 redeemed for keyset '%v', got %v", keyset.Id, redeemed[keyset.Id])
	}
}
