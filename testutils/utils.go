package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cashu-mint/mint/cashu"
	"github.com/cashu-mint/mint/cashu/nuts/nut01"
	"github.com/cashu-mint/mint/crypto"
	"github.com/cashu-mint/mint/mint"
	"github.com/cashu-mint/mint/mint/lightning"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MintConfig builds a mint.Config pointed at a fresh on-disk path and a
// disabled logger, the shape every test mint needs regardless of which
// Lightning backend it's wired to.
func MintConfig(backend lightning.Client, derivationPathIdx uint32, dbpath string, inputFeePpk uint, limits mint.MintLimits) (*mint.Config, error) {
	if err := os.MkdirAll(dbpath, 0750); err != nil {
		return nil, err
	}

	mintConfig := &mint.Config{
		DerivationPathIdx: derivationPathIdx,
		MintPath:          dbpath,
		InputFeePpk:       inputFeePpk,
		Limits:            limits,
		LightningClient:   backend,
		LogLevel:          mint.Disable,
		ReconcileInterval: time.Hour,
	}

	return mintConfig, nil
}

// CreateTestMint loads a mint backed by the given Lightning client
// (typically a *lightning.FakeBackend) at a throwaway db path.
func CreateTestMint(backend lightning.Client, dbpath string, inputFeePpk uint, limits mint.MintLimits) (*mint.Mint, error) {
	config, err := MintConfig(backend, 0, dbpath, inputFeePpk, limits)
	if err != nil {
		return nil, err
	}

	m, err := mint.LoadMint(*config)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CreateTestMintServer loads a mint and wraps it in an HTTP server
// listening on an available local port.
func CreateTestMintServer(backend lightning.Client, dbpath string, inputFeePpk uint) (*mint.Server, int, error) {
	config, err := MintConfig(backend, 0, dbpath, inputFeePpk, mint.MintLimits{})
	if err != nil {
		return nil, 0, err
	}

	m, err := mint.LoadMint(*config)
	if err != nil {
		return nil, 0, err
	}

	port, err := GetAvailablePort()
	if err != nil {
		return nil, 0, err
	}

	server := mint.SetupMintServer(m, mint.ServerConfig{Port: port})
	return server, port, nil
}

func newBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) cashu.BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return cashu.BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

// CreateBlindedMessages builds a full set of blinded messages covering
// amount, along with the secrets and blinding factors a wallet would
// keep aside to unblind the mint's signatures.
func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		secretBytes := make([]byte, 32)
		if _, err = rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)
		B_, r := crypto.BlindMessage([]byte(secret), r.Serialize())

		blindedMessages[i] = newBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// ConstructProofs unblinds a set of blinded signatures into spendable
// proofs, the way a wallet does after a successful mint or swap.
func ConstructProofs(blindedSignatures cashu.BlindedSignatures, secrets []string, rs []*secp256k1.PrivateKey, keyset nut01.Keyset) (cashu.Proofs, error) {
	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		publicKey, ok := keyset.Keys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("key not found")
		}

		C := crypto.UnblindSignature(C_, rs[i], publicKey)
		Cstr := hex.EncodeToString(C.SerializeCompressed())

		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      Cstr,
			Id:     blindedSignature.Id,
		}
	}

	return proofs, nil
}

// PayFakeInvoice settles an invoice created against a *lightning.FakeBackend
// so the quote it backs can be minted.
func PayFakeInvoice(backend *lightning.FakeBackend, paymentHash string) {
	backend.SetInvoiceStatus(paymentHash, lightning.Succeeded)
}

// GetBlindedSignatures drives a full mint-quote request through payment
// and token issuance against a fake backend, returning everything needed
// to build proofs from the result.
func GetBlindedSignatures(amount uint64, m *mint.Mint, backend *lightning.FakeBackend) (
	cashu.BlindedMessages,
	[]string,
	[]*secp256k1.PrivateKey,
	cashu.BlindedSignatures,
	error,
) {
	mintQuote, err := m.RequestMintQuote(mint.BOLT11_METHOD, amount, cashu.Sat.String())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error requesting mint quote: %v", err)
	}

	keyset := m.GetActiveKeyset()
	blindedMessages, secrets, rs, err := CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error creating blinded messages: %v", err)
	}

	PayFakeInvoice(backend, mintQuote.PaymentHash)

	blindedSignatures, err := m.MintTokens(mint.BOLT11_METHOD, mintQuote.Id, blindedMessages)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("got unexpected error minting tokens: %v", err)
	}

	return blindedMessages, secrets, rs, blindedSignatures, nil
}

// GetValidProofsForAmount mints and unblinds a spendable set of proofs
// worth amount, for tests exercising swap/melt.
func GetValidProofsForAmount(amount uint64, m *mint.Mint, backend *lightning.FakeBackend) (cashu.Proofs, error) {
	_, secrets, rs, blindedSignatures, err := GetBlindedSignatures(amount, m, backend)
	if err != nil {
		return nil, fmt.Errorf("error generating blinded signatures: %v", err)
	}

	keysetResponse, err := m.GetKeysetById(m.GetActiveKeyset().Id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset: %v", err)
	}

	proofs, err := ConstructProofs(blindedSignatures, secrets, rs, keysetResponse)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}

	return proofs, nil
}

func GetAvailablePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, err
	}
	return randomBytes, nil
}
