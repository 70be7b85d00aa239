package storage

import (
	"github.com/cashu-mint/mint/cashu"
	"github.com/cashu-mint/mint/cashu/nuts/nut04"
	"github.com/cashu-mint/mint/cashu/nuts/nut05"
)

// MintDB is the persistence contract for the proof ledger, the quote
// store, and keyset bookkeeping. Every implementation must give
// mark-spent and quote-state transitions transactional, at-most-once
// semantics; the mint holds no in-memory lock of its own.
type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	SaveProofs(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)
	AddPendingProofs(proofs cashu.Proofs, quoteId string) error
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)
	RemovePendingProofs(Ys []string) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	// UpdateMintQuoteState performs the CAS transition from currentState
	// to newState; implementations reject (without side effects) any call
	// whose currentState does not match the row's stored state.
	UpdateMintQuoteState(quoteId string, currentState, newState nut04.State) error
	GetExpirableMintQuotes(olderThan int64) ([]MintQuote, error)

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	// GetMeltQuoteByPaymentRequest checks if a melt quote already exists
	// for the passed invoice, returning nil when there is none.
	GetMeltQuoteByPaymentRequest(string) (*MeltQuote, error)
	UpdateMeltQuoteState(quoteId string, currentState, newState nut05.State) error
	SetMeltQuotePreimage(quoteId string, preimage string) error
	GetPendingMeltQuotes() ([]MeltQuote, error)
	GetExpirableMeltQuotes(olderThan int64) ([]MeltQuote, error)

	SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// GetIssuedEcash and GetRedeemedEcash return a map of keyset id to amount.
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount uint64
	Id     string
	Secret string
	Y      string
	C      string
	// MeltQuoteId is set only for rows in the pending_proofs table.
	MeltQuoteId string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
}
