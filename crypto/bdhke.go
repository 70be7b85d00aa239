package crypto

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// domainSeparator is prepended to every message before the first hash round
// of HashToCurve, per NUT-00. It keeps the mint's hash-to-curve point space
// disjoint from unrelated uses of SHA-256 over the same bytes.
const domainSeparator = "Secp256k1_HashToCurve_Cashu_"

// HashToCurve deterministically maps an arbitrary secret to a point Y on
// secp256k1 with no known discrete log relative to G. It must produce byte-
// identical output to any wallet implementing NUT-00, so the domain
// separator and counter encoding below are not incidental: h0 =
// SHA-256(domainSeparator || msg), then SHA-256(h0 || le32(counter)) is
// tried as a compressed point 0x02||h until one parses.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	h0 := sha256.Sum256(append([]byte(domainSeparator), message...))

	var counter uint32
	for {
		var counterBytes [4]byte
		binary.LittleEndian.PutUint32(counterBytes[:], counter)

		hasher := sha256.New()
		hasher.Write(h0[:])
		hasher.Write(counterBytes[:])
		hash := hasher.Sum(nil)

		pkBytes := append([]byte{0x02}, hash...)
		if point, err := secp256k1.ParsePubKey(pkBytes); err == nil && point.IsOnCurve() {
			return point
		}
		counter++
	}
}

// BlindMessage computes B_ = Y + rG for a wallet-supplied secret and
// blinding factor. The mint never calls this itself (the wallet blinds);
// it is kept here for symmetry with UnblindSignature and exercised by
// tests that exercise the full round trip.
func BlindMessage(secret []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y := HashToCurve(secret)
	Y.AsJacobian(&ypoint)

	r, rpub := btcec.PrivKeyFromBytes(blindingFactor)
	rpub.AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r
}

// SignBlindedMessage computes C_ = k*B_ for the keyset's signing scalar k.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature computes C = C_ - rK. Wallet-side only; kept for the
// round-trip tests that exercise the full BDHKE flow against this mint.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) *secp256k1.PublicKey {
	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// Verify is the sole cryptographic gate a proof must pass: it checks
// k*HashToCurve(secret) == C without ever learning the blinding factor r.
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := HashToCurve(secret)
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}
