package webauthn

import (
	"crypto/rsa"
	"crypto/x509"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// COSE algorithm identifiers (RFC 9053).
const (
	AlgES256 int32 = -7
	AlgRS256 int32 = -257
)

// COSE key types and curves.
const (
	coseKeyTypeEC2 = 2
	coseKeyTypeRSA = 3
	coseCurveP256  = 1
)

// coseKey is a COSE_Key map with integer labels. EC2 keys use Curve, X
// and Y; RSA keys reuse the -1 and -2 labels for N and E, so both sets
// share fields and the key type disambiguates.
type coseKey struct {
	KeyType   int             `cbor:"1,keyasint"`
	Algorithm int32           `cbor:"3,keyasint"`
	NegOne    cbor.RawMessage `cbor:"-1,keyasint,omitempty"`
	NegTwo    cbor.RawMessage `cbor:"-2,keyasint,omitempty"`
	NegThree  cbor.RawMessage `cbor:"-3,keyasint,omitempty"`
}

// PublicKey is a decoded and re-encoded credential public key: SEC1
// uncompressed point for ES256, PKCS#1 for RS256.
type PublicKey struct {
	Algorithm int32
	Encoded   []byte
}

// decodeCOSEKey validates a COSE credential key and re-encodes it in
// the storage format for its algorithm. Only ES256 on P-256 and RS256
// are accepted.
func decodeCOSEKey(raw cbor.RawMessage) (*PublicKey, error) {
	var key coseKey
	if err := cbor.Unmarshal(raw, &key); err != nil {
		return nil, failf("malformed COSE key: %v", err)
	}

	switch key.Algorithm {
	case AlgES256:
		if key.KeyType != coseKeyTypeEC2 {
			return nil, failf("ES256 key with key type %d", key.KeyType)
		}
		var curve int
		if err := cbor.Unmarshal(key.NegOne, &curve); err != nil {
			return nil, failf("malformed EC2 curve: %v", err)
		}
		if curve != coseCurveP256 {
			return nil, failf("unsupported EC2 curve %d", curve)
		}
		var x, y []byte
		if err := cbor.Unmarshal(key.NegTwo, &x); err != nil {
			return nil, failf("malformed EC2 x coordinate: %v", err)
		}
		if err := cbor.Unmarshal(key.NegThree, &y); err != nil {
			return nil, failf("malformed EC2 y coordinate: %v", err)
		}
		if len(x) != 32 || len(y) != 32 {
			return nil, failf("EC2 coordinate lengths %d/%d", len(x), len(y))
		}
		return &PublicKey{Algorithm: AlgES256, Encoded: encodeSEC1Uncompressed(x, y)}, nil

	case AlgRS256:
		if key.KeyType != coseKeyTypeRSA {
			return nil, failf("RS256 key with key type %d", key.KeyType)
		}
		var n, e []byte
		if err := cbor.Unmarshal(key.NegOne, &n); err != nil {
			return nil, failf("malformed RSA modulus: %v", err)
		}
		if err := cbor.Unmarshal(key.NegTwo, &e); err != nil {
			return nil, failf("malformed RSA exponent: %v", err)
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
		if pub.E <= 1 || pub.N.Sign() <= 0 {
			return nil, failf("degenerate RSA key")
		}
		return &PublicKey{Algorithm: AlgRS256, Encoded: x509.MarshalPKCS1PublicKey(pub)}, nil
	}
	return nil, failf("unsupported COSE algorithm %d", key.Algorithm)
}

// encodeSEC1Uncompressed produces 0x04 || X || Y for 32-byte coordinates.
func encodeSEC1Uncompressed(x, y []byte) []byte {
	out := make([]byte, 0, 65)
	out = append(out, 0x04)
	out = append(out, x...)
	out = append(out, y...)
	return out
}
