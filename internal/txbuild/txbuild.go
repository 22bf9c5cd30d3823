// Package txbuild encodes claim payout transactions.
//
// Transactions are canonical JSON: struct field order is fixed and no maps are
// serialized, so the same claim always produces the same bytes to sign.
package txbuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"

	"github.com/seasonpass/tracker/internal/pass"
)

const ClaimItemsTypeID = "claim_items"

var (
	ErrInvalidConfig = errors.New("txbuild: invalid config")
	ErrInvalidClaim  = errors.New("txbuild: invalid claim")
	ErrInvalidTx     = errors.New("txbuild: invalid tx")
)

type Asset struct {
	Ticker        string `json:"ticker"`
	DecimalPlaces uint8  `json:"decimal_places"`
	Quantity      string `json:"quantity"`
}

type Config struct {
	GenesisHash string
	GasLimit    int64
	MaxGasPrice Asset
}

func DefaultConfig(genesisHash string) Config {
	return Config{
		GenesisHash: genesisHash,
		GasLimit:    4,
		MaxGasPrice: Asset{Ticker: "Mead", DecimalPlaces: 18, Quantity: "10000000000000"},
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.GenesisHash) == "" {
		return fmt.Errorf("%w: missing genesis hash", ErrInvalidConfig)
	}
	if c.GasLimit <= 0 {
		return fmt.Errorf("%w: gas limit must be > 0", ErrInvalidConfig)
	}
	if c.MaxGasPrice.Ticker == "" {
		return fmt.Errorf("%w: missing gas price ticker", ErrInvalidConfig)
	}
	return nil
}

type Tx struct {
	Nonce       uint64   `json:"nonce"`
	Signer      string   `json:"signer"`
	PublicKey   string   `json:"public_key"`
	GenesisHash string   `json:"genesis_hash"`
	GasLimit    int64    `json:"gas_limit"`
	MaxGasPrice Asset    `json:"max_gas_price"`
	Timestamp   string   `json:"timestamp"`
	Actions     []Action `json:"actions"`
	Signature   string   `json:"signature,omitempty"`
}

type Action struct {
	TypeID string     `json:"type_id"`
	Values ClaimItems `json:"values"`
}

type ClaimItems struct {
	ID        string       `json:"id"`
	ClaimData []ClaimEntry `json:"cd"`
	Memo      string       `json:"m"`
}

type ClaimEntry struct {
	Avatar string  `json:"avatar"`
	Assets []Asset `json:"assets"`
}

// Memo is embedded as a JSON string in the claim action so that indexers can attribute the payout.
type Memo struct {
	Normal   []int         `json:"normal"`
	Premium  []int         `json:"premium"`
	Type     string        `json:"type"`
	PassType pass.PassType `json:"pass_type"`
}

// Build returns the canonical unsigned transaction bytes for c.
func Build(cfg Config, nonce uint64, signerAddr string, publicKey []byte, c pass.Claim) ([]byte, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if signerAddr == "" || len(publicKey) == 0 {
		return nil, fmt.Errorf("%w: missing signer", ErrInvalidConfig)
	}
	if c.AvatarAddr == "" {
		return nil, fmt.Errorf("%w: missing avatar", ErrInvalidClaim)
	}
	if len(c.Rewards) == 0 {
		return nil, fmt.Errorf("%w: no rewards", ErrInvalidClaim)
	}

	assets := make([]Asset, 0, len(c.Rewards))
	for _, r := range c.Rewards {
		if r.Ticker == "" || r.Amount == "" {
			return nil, fmt.Errorf("%w: malformed reward", ErrInvalidClaim)
		}
		assets = append(assets, Asset{Ticker: r.Ticker, DecimalPlaces: r.Decimals, Quantity: r.Amount})
	}

	memo, err := json.Marshal(Memo{
		Normal:   nonNil(c.NormalLevels),
		Premium:  nonNil(c.PremiumLevels),
		Type:     "claim",
		PassType: c.PassType,
	})
	if err != nil {
		return nil, fmt.Errorf("txbuild: marshal memo: %w", err)
	}

	tx := Tx{
		Nonce:       nonce,
		Signer:      signerAddr,
		PublicKey:   hexutil.Encode(publicKey),
		GenesisHash: cfg.GenesisHash,
		GasLimit:    cfg.GasLimit,
		MaxGasPrice: cfg.MaxGasPrice,
		Timestamp:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		Actions: []Action{{
			TypeID: ClaimItemsTypeID,
			Values: ClaimItems{
				ID:        c.UUID,
				ClaimData: []ClaimEntry{{Avatar: c.AvatarAddr, Assets: assets}},
				Memo:      string(memo),
			},
		}},
	}
	out, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("txbuild: marshal tx: %w", err)
	}
	return out, nil
}

// Attach returns the signed transaction: the unsigned bytes re-encoded with sig.
func Attach(unsigned, sig []byte) ([]byte, error) {
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrInvalidTx)
	}
	tx, err := Decode(unsigned)
	if err != nil {
		return nil, err
	}
	if tx.Signature != "" {
		return nil, fmt.Errorf("%w: already signed", ErrInvalidTx)
	}
	tx.Signature = hexutil.Encode(sig)
	out, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("txbuild: marshal tx: %w", err)
	}
	return out, nil
}

func Decode(raw []byte) (Tx, error) {
	var tx Tx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return Tx{}, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	if len(tx.Actions) == 0 {
		return Tx{}, fmt.Errorf("%w: no actions", ErrInvalidTx)
	}
	return tx, nil
}

// ID returns the hex Keccak-256 digest of the signed transaction bytes.
func ID(signed []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(signed)
	return hexutil.Encode(h.Sum(nil))[2:]
}

func nonNil(levels []int) []int {
	if levels == nil {
		return []int{}
	}
	return levels
}
