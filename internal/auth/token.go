package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Identity tokens are compact JWS strings signed with ES384, the scheme the
// game uses for its login chain. The signer's public key travels in the
// header as base64 DER (the "x5u" field).

type tokenHeader struct {
	Alg string `json:"alg"`
	X5U string `json:"x5u"`
}

const p384Size = 48

// NewKey generates a P-384 key for signing identity tokens.
func NewKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrIdentity, err)
	}
	return key, nil
}

// EncodePublicKey returns the base64 DER form of pub used in tokens.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: marshal public key: %v", ErrIdentity, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses the base64 DER form of an ECDSA public key.
func DecodePublicKey(s string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: public key encoding: %v", ErrIdentity, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrIdentity, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not ECDSA", ErrIdentity)
	}
	return pub, nil
}

// SignToken serializes claims and signs them with key.
func SignToken(key *ecdsa.PrivateKey, claims interface{}) (string, error) {
	x5u, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	header, err := json.Marshal(tokenHeader{Alg: "ES384", X5U: x5u})
	if err != nil {
		return "", fmt.Errorf("%w: header: %v", ErrIdentity, err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("%w: claims: %v", ErrIdentity, err)
	}

	enc := base64.RawURLEncoding
	signed := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	digest := sha512.Sum384([]byte(signed))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrIdentity, err)
	}

	sig := make([]byte, 2*p384Size)
	r.FillBytes(sig[:p384Size])
	s.FillBytes(sig[p384Size:])
	return signed + "." + enc.EncodeToString(sig), nil
}

// VerifyToken checks the signature of token against the key in its own
// header, decodes the claims into out and returns that key.
func VerifyToken(token string, out interface{}) (*ecdsa.PublicKey, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: token has %d parts", ErrIdentity, len(parts))
	}
	enc := base64.RawURLEncoding

	rawHeader, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header encoding: %v", ErrIdentity, err)
	}
	var header tokenHeader
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrIdentity, err)
	}
	if header.Alg != "ES384" {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrIdentity, header.Alg)
	}
	pub, err := DecodePublicKey(header.X5U)
	if err != nil {
		return nil, err
	}

	sig, err := enc.DecodeString(parts[2])
	if err != nil || len(sig) != 2*p384Size {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrIdentity)
	}
	digest := sha512.Sum384([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(sig[:p384Size])
	s := new(big.Int).SetBytes(sig[p384Size:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrIdentity)
	}

	payload, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrIdentity, err)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("%w: claims: %v", ErrIdentity, err)
		}
	}
	return pub, nil
}
