// Package signer produces secp256k1 signatures for claim transactions.
package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSigner     = errors.New("signer: invalid signer")
	ErrInvalidPrivateKey = errors.New("signer: invalid private key")
	ErrInvalidSignature  = errors.New("signer: invalid signature")
)

// Signer signs transaction payloads for a single address.
//
// Sign hashes payload with SHA-256 and returns a DER encoded low-S ECDSA signature.
type Signer interface {
	PublicKey() []byte
	Address() string
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	pub  []byte
	addr string
}

func NewLocalSigner(key *ecdsa.PrivateKey) (*LocalSigner, error) {
	if key == nil {
		return nil, ErrInvalidSigner
	}
	return &LocalSigner{
		key:  key,
		pub:  crypto.CompressPubkey(&key.PublicKey),
		addr: AddressOf(&key.PublicKey),
	}, nil
}

func (s *LocalSigner) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *LocalSigner) Address() string { return s.addr }

func (s *LocalSigner) Sign(_ context.Context, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigner, err)
	}
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:64])
	return encodeDER(r, sv)
}

// AddressOf derives the account address of a public key.
func AddressOf(pub *ecdsa.PublicKey) string {
	return crypto.PubkeyToAddress(*pub).Hex()
}

// ParsePrivateKeyHex parses a 32 byte secp256k1 private key with an optional 0x prefix.
// Errors never include key material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, ErrInvalidPrivateKey
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}

type ecdsaSig struct {
	R, S *big.Int
}

var secp256k1N = crypto.S256().Params().N

func encodeDER(r, s *big.Int) ([]byte, error) {
	half := new(big.Int).Rsh(secp256k1N, 1)
	if s.Cmp(half) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
	}
	out, err := asn1.Marshal(ecdsaSig{R: r, S: s})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return out, nil
}

// NormalizeDER rewrites a DER signature so that S is in the lower half of the curve order.
func NormalizeDER(sig []byte) ([]byte, error) {
	var parsed ecdsaSig
	rest, err := asn1.Unmarshal(sig, &parsed)
	if err != nil || len(rest) != 0 || parsed.R == nil || parsed.S == nil {
		return nil, ErrInvalidSignature
	}
	if parsed.R.Sign() <= 0 || parsed.S.Sign() <= 0 || parsed.R.Cmp(secp256k1N) >= 0 || parsed.S.Cmp(secp256k1N) >= 0 {
		return nil, ErrInvalidSignature
	}
	return encodeDER(parsed.R, parsed.S)
}

// Verify reports whether sig is a valid signature of payload by the compressed public key.
func Verify(pub, payload, sig []byte) bool {
	key, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return false
	}
	var parsed ecdsaSig
	if rest, err := asn1.Unmarshal(sig, &parsed); err != nil || len(rest) != 0 || parsed.R == nil || parsed.S == nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return ecdsa.Verify(key, digest[:], parsed.R, parsed.S)
}
