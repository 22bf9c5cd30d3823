package signer

import (
	"context"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestParsePrivateKeyHex(t *testing.T) {
	t.Parallel()

	k1, err := ParsePrivateKeyHex("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	k2, err := ParsePrivateKeyHex(" " + testKeyHex + " ")
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	if k1.D.Cmp(k2.D) != 0 {
		t.Fatalf("keys differ")
	}

	for _, bad := range []string{"", "0x", "zz", testKeyHex[:10]} {
		_, err := ParsePrivateKeyHex(bad)
		if !errors.Is(err, ErrInvalidPrivateKey) {
			t.Fatalf("ParsePrivateKeyHex(%q): %v", bad, err)
		}
		if bad != "" && strings.Contains(err.Error(), bad) {
			t.Fatalf("error leaks key material: %v", err)
		}
	}
}

func TestLocalSigner_SignVerify(t *testing.T) {
	t.Parallel()

	key, _ := ParsePrivateKeyHex(testKeyHex)
	s, err := NewLocalSigner(key)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	if len(s.PublicKey()) != 33 {
		t.Fatalf("public key length: %d", len(s.PublicKey()))
	}
	if s.Address() != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("address: %s", s.Address())
	}

	payload := []byte(`{"nonce":1}`)
	sig, err := s.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(s.PublicKey(), payload, sig) {
		t.Fatalf("signature does not verify")
	}
	if Verify(s.PublicKey(), []byte("other"), sig) {
		t.Fatalf("signature verifies for other payload")
	}
	assertLowS(t, sig)

	if _, err := NewLocalSigner(nil); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner, got %v", err)
	}
}

func assertLowS(t *testing.T, sig []byte) {
	t.Helper()
	var parsed ecdsaSig
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.S.Cmp(new(big.Int).Rsh(secp256k1N, 1)) > 0 {
		t.Fatalf("high S signature")
	}
}

type stubKMS struct {
	spki   []byte
	signFn func(digest []byte) []byte
	in     *kms.SignInput
}

func (s *stubKMS) GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	return &kms.GetPublicKeyOutput{PublicKey: s.spki}, nil
}

func (s *stubKMS) Sign(_ context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	s.in = in
	return &kms.SignOutput{Signature: s.signFn(in.Message)}, nil
}

func TestKMSSigner_NormalizesHighS(t *testing.T) {
	t.Parallel()

	key, _ := ParsePrivateKeyHex(testKeyHex)
	point := crypto.FromECDSAPub(&key.PublicKey)
	spki, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1},
			Parameters: asn1.RawValue{FullBytes: mustMarshal(t, asn1.ObjectIdentifier{1, 3, 132, 0, 10})},
		},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
	if err != nil {
		t.Fatalf("marshal spki: %v", err)
	}

	stub := &stubKMS{spki: spki, signFn: func(digest []byte) []byte {
		raw, err := crypto.Sign(digest, key)
		if err != nil {
			t.Fatalf("crypto.Sign: %v", err)
		}
		r := new(big.Int).SetBytes(raw[:32])
		high := new(big.Int).Sub(secp256k1N, new(big.Int).SetBytes(raw[32:64]))
		der, _ := asn1.Marshal(ecdsaSig{R: r, S: high})
		return der
	}}

	s, err := NewKMSSigner(context.Background(), stub, "alias/claims")
	if err != nil {
		t.Fatalf("NewKMSSigner: %v", err)
	}
	if s.Address() != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("address: %s", s.Address())
	}

	payload := []byte("unsigned-tx")
	sig, err := s.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	digest := sha256.Sum256(payload)
	if string(stub.in.Message) != string(digest[:]) {
		t.Fatalf("kms received wrong digest")
	}
	assertLowS(t, sig)
	if !Verify(s.PublicKey(), payload, sig) {
		t.Fatalf("normalized signature does not verify")
	}
}

func TestNewKMSSigner_RejectsMalformedKey(t *testing.T) {
	t.Parallel()

	if _, err := NewKMSSigner(context.Background(), &stubKMS{spki: []byte{0x01}}, "k"); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner, got %v", err)
	}
	if _, err := NewKMSSigner(context.Background(), nil, "k"); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("expected ErrInvalidSigner for nil client, got %v", err)
	}
}

func TestNormalizeDER_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := NormalizeDER([]byte{0x30, 0x00}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	zero, _ := asn1.Marshal(ecdsaSig{R: big.NewInt(0), S: big.NewInt(1)})
	if _, err := NormalizeDER(zero); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for zero r, got %v", err)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("asn1.Marshal: %v", err)
	}
	return b
}
