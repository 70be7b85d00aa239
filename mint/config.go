package mint

import (
	"time"

	"github.com/cashu-mint/mint/cashu/nuts/nut06"
	"github.com/cashu-mint/mint/mint/lightning"
)

// LogLevel controls the verbosity of the mint's logger.
type LogLevel int

const (
	Info LogLevel = iota
	Debug
	// Disable silences the logger entirely (used by tests).
	Disable
)

// DefaultReconcileInterval is how often the melt reconciler and quote
// expirer background tasks run when Config.ReconcileInterval is unset.
const DefaultReconcileInterval = 15 * time.Second

// MintMethodSettings caps the amount a wallet may request in a single
// mint quote.
type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

// MeltMethodSettings caps the amount a wallet may request in a single
// melt quote.
type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

// MintLimits are the operator-configured ceilings on minting and melting.
// A zero value in any field means "no limit".
type MintLimits struct {
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
	// MaxBalance caps the sats the mint will ever hold in outstanding
	// ecash. Once reached, minting is disabled until some is redeemed.
	MaxBalance uint64
}

// MintInfo is operator-supplied metadata returned from the NUT-06
// /v1/info endpoint.
type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Motd            string
	IconURL         string
	URLs            []string
	Contact         []nut06.ContactInfo
}

// Config is everything LoadMint needs to bring a mint up: where to
// persist state, which Lightning backend to pay through, and the
// operator limits and metadata to enforce and advertise.
type Config struct {
	// MintPath is the directory holding the sqlite database and log
	// file. Defaults to $HOME/.cashu-mint/mint if empty.
	MintPath string
	LogLevel LogLevel

	// DerivationPathIdx selects which BIP32 child the active keyset's
	// signing keys are derived from. Bumping it rotates in a fresh
	// keyset on the next LoadMint, demoting the previous one to inactive.
	DerivationPathIdx uint32
	InputFeePpk       uint

	Limits          MintLimits
	LightningClient lightning.Client
	MintInfo        MintInfo

	// ReconcileInterval is the tick period for the melt reconciler and
	// quote expirer background tasks. Defaults to DefaultReconcileInterval.
	ReconcileInterval time.Duration
}
