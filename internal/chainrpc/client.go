// Package chainrpc is a thin GraphQL-over-HTTP client for the game chain's RPC nodes.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seasonpass/tracker/internal/pass"
)

var (
	ErrInvalidConfig    = errors.New("chainrpc: invalid config")
	ErrGraphQL          = errors.New("chainrpc: graphql error")
	ErrResponseTooLarge = errors.New("chainrpc: response too large")
	ErrUnknownPlanet    = errors.New("chainrpc: unknown planet")
)

type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	if e == nil {
		return "chainrpc: nil graphql error"
	}
	return "chainrpc: graphql error: " + strings.Join(e.Messages, "; ")
}

func (e *GraphQLError) Unwrap() error { return ErrGraphQL }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithJWTSecret signs every request with a short-lived HS256 bearer token.
func WithJWTSecret(secret []byte, issuer string) Option {
	return func(c *Client) error {
		if len(secret) == 0 {
			return fmt.Errorf("%w: empty jwt secret", ErrInvalidConfig)
		}
		c.jwtSecret = append([]byte(nil), secret...)
		c.jwtIssuer = issuer
		return nil
	}
}

func withNow(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

type Client struct {
	endpoints    map[string]string
	hc           *http.Client
	maxRespBytes int64
	jwtSecret    []byte
	jwtIssuer    string
	now          func() time.Time
}

// New returns a client routing each planet id to its GraphQL endpoint.
func New(endpoints map[string]string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints", ErrInvalidConfig)
	}
	eps := make(map[string]string, len(endpoints))
	for planet, url := range endpoints {
		planet = strings.ToLower(strings.TrimSpace(planet))
		if planet == "" || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("%w: empty planet or url", ErrInvalidConfig)
		}
		eps[planet] = strings.TrimSpace(url)
	}
	c := &Client{
		endpoints:    eps,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

const (
	queryNextNonce = `query($address: Address!) { transaction { nextTxNonce(address: $address) } }`
	mutationStage  = `mutation($payload: String!) { stageTransaction(payload: $payload) }`
	queryTxResult  = `query($txId: TxId!) { transaction { transactionResult(txId: $txId) { txStatus } } }`
	queryLastStage = `query($avatarAddress: Address!) { stateQuery { avatar(avatarAddress: $avatarAddress) { worldInformation { lastClearedStage { worldId stageId } } } } }`
	queryStake     = `query($address: Address!) { stateQuery { stakeState(address: $address) { deposit } } }`
	queryExplorer  = `query($seasonId: Long!, $avatarAddress: Address!) { stateQuery { explorer(seasonId: $seasonId, avatarAddress: $avatarAddress) { floor } } }`
)

func (c *Client) NextNonce(ctx context.Context, planetID, addr string) (uint64, error) {
	var out struct {
		Transaction struct {
			NextTxNonce uint64 `json:"nextTxNonce"`
		} `json:"transaction"`
	}
	if err := c.query(ctx, planetID, queryNextNonce, map[string]any{"address": addr}, &out); err != nil {
		return 0, err
	}
	return out.Transaction.NextTxNonce, nil
}

// Stage submits a signed transaction and returns the id the node assigned to it.
func (c *Client) Stage(ctx context.Context, planetID string, signedTx []byte) (string, error) {
	if len(signedTx) == 0 {
		return "", fmt.Errorf("%w: empty tx", ErrInvalidConfig)
	}
	var out struct {
		StageTransaction string `json:"stageTransaction"`
	}
	if err := c.query(ctx, planetID, mutationStage, map[string]any{"payload": hex.EncodeToString(signedTx)}, &out); err != nil {
		return "", err
	}
	txID := strings.TrimPrefix(strings.TrimSpace(out.StageTransaction), "0x")
	if txID == "" {
		return "", errors.New("chainrpc: empty stageTransaction result")
	}
	return txID, nil
}

// TxStatus maps the node's transaction result onto a claim status.
func (c *Client) TxStatus(ctx context.Context, planetID, txID string) (pass.TxStatus, error) {
	var out struct {
		Transaction struct {
			TransactionResult *struct {
				TxStatus string `json:"txStatus"`
			} `json:"transactionResult"`
		} `json:"transaction"`
	}
	if err := c.query(ctx, planetID, queryTxResult, map[string]any{"txId": txID}, &out); err != nil {
		return pass.TxNone, err
	}
	res := out.Transaction.TransactionResult
	if res == nil {
		return pass.TxNotFound, nil
	}
	switch strings.ToUpper(res.TxStatus) {
	case "SUCCESS":
		return pass.TxSuccess, nil
	case "FAILURE":
		return pass.TxFailure, nil
	case "STAGING", "INCLUDED":
		return pass.TxStaged, nil
	case "INVALID":
		return pass.TxInvalid, nil
	case "", "NOT_FOUND":
		return pass.TxNotFound, nil
	default:
		return pass.TxInvalid, nil
	}
}

func (c *Client) LastClearedStage(ctx context.Context, planetID, avatarAddr string) (int, int64, error) {
	var out struct {
		StateQuery struct {
			Avatar *struct {
				WorldInformation struct {
					LastClearedStage *struct {
						WorldID int   `json:"worldId"`
						StageID int64 `json:"stageId"`
					} `json:"lastClearedStage"`
				} `json:"worldInformation"`
			} `json:"avatar"`
		} `json:"stateQuery"`
	}
	if err := c.query(ctx, planetID, queryLastStage, map[string]any{"avatarAddress": avatarAddr}, &out); err != nil {
		return 0, 0, err
	}
	av := out.StateQuery.Avatar
	if av == nil || av.WorldInformation.LastClearedStage == nil {
		return 0, 0, nil
	}
	return av.WorldInformation.LastClearedStage.WorldID, av.WorldInformation.LastClearedStage.StageID, nil
}

// StakeDeposit returns the staked amount as a decimal string, "0" when the agent has no stake.
func (c *Client) StakeDeposit(ctx context.Context, planetID, agentAddr string) (string, error) {
	var out struct {
		StateQuery struct {
			StakeState *struct {
				Deposit string `json:"deposit"`
			} `json:"stakeState"`
		} `json:"stateQuery"`
	}
	if err := c.query(ctx, planetID, queryStake, map[string]any{"address": agentAddr}, &out); err != nil {
		return "", err
	}
	if out.StateQuery.StakeState == nil || strings.TrimSpace(out.StateQuery.StakeState.Deposit) == "" {
		return "0", nil
	}
	dep := strings.TrimSpace(out.StateQuery.StakeState.Deposit)
	if _, ok := new(big.Rat).SetString(dep); !ok {
		return "", fmt.Errorf("chainrpc: malformed stake deposit %q", dep)
	}
	return dep, nil
}

func (c *Client) AdventureBossFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, error) {
	var out struct {
		StateQuery struct {
			Explorer *struct {
				Floor int64 `json:"floor"`
			} `json:"explorer"`
		} `json:"stateQuery"`
	}
	vars := map[string]any{"seasonId": seasonIndex, "avatarAddress": avatarAddr}
	if err := c.query(ctx, planetID, queryExplorer, vars, &out); err != nil {
		return 0, err
	}
	if out.StateQuery.Explorer == nil {
		return 0, nil
	}
	return out.StateQuery.Explorer.Floor, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) query(ctx context.Context, planetID, query string, vars map[string]any, out any) error {
	url, ok := c.endpoints[strings.ToLower(planetID)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlanet, planetID)
	}
	reqBody, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("chainrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("chainrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if len(c.jwtSecret) > 0 {
		tok, err := c.bearer()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("chainrpc: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("chainrpc: http status %d: %s", resp.StatusCode, msg)
	}

	var gr gqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return fmt.Errorf("chainrpc: unmarshal response: %w: %w", pass.ErrMalformed, err)
	}
	if len(gr.Errors) > 0 {
		ge := &GraphQLError{}
		for _, e := range gr.Errors {
			ge.Messages = append(ge.Messages, e.Message)
		}
		return ge
	}
	if out == nil {
		return nil
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("chainrpc: empty data: %w", pass.ErrMalformed)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("chainrpc: unmarshal data: %w: %w", pass.ErrMalformed, err)
	}
	return nil
}

func (c *Client) bearer() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.jwtIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("chainrpc: sign token: %w", err)
	}
	return tok, nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
