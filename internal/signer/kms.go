package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KMSAPI is the subset of the AWS KMS client used by KMSSigner.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner signs with an ECC_SECG_P256K1 key held by AWS KMS.
type KMSSigner struct {
	client KMSAPI
	keyID  string
	pub    []byte
	addr   string
}

// NewKMSSigner loads the key's public half once; the address is derived from it.
func NewKMSSigner(ctx context.Context, client KMSAPI, keyID string) (*KMSSigner, error) {
	if client == nil || keyID == "" {
		return nil, ErrInvalidSigner
	}
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("signer: kms get public key: %w", err)
	}
	pub, err := parseSPKI(out.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KMSSigner{
		client: client,
		keyID:  keyID,
		pub:    crypto.CompressPubkey(pub),
		addr:   AddressOf(pub),
	}, nil
}

func (s *KMSSigner) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *KMSSigner) Address() string { return s.addr }

func (s *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("signer: kms sign: %w", err)
	}
	return NormalizeDER(out.Signature)
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// parseSPKI decodes a DER SubjectPublicKeyInfo holding an uncompressed secp256k1 point.
// crypto/x509 does not know the curve, so the structure is unpacked directly.
func parseSPKI(der []byte) (*ecdsa.PublicKey, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &spki)
	if err != nil || len(rest) != 0 {
		return nil, fmt.Errorf("%w: malformed public key", ErrInvalidSigner)
	}
	pub, err := crypto.UnmarshalPubkey(spki.PublicKey.RightAlign())
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not secp256k1", ErrInvalidSigner)
	}
	return pub, nil
}
