package chainrpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seasonpass/tracker/internal/pass"
)

type gqlHandler func(t *testing.T, req gqlRequest) any

func newServer(t *testing.T, h gqlHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
			t.Errorf("Content-Type mismatch: got %q", got)
		}
		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(h(t, req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(srv.Client()), WithTimeout(2 * time.Second)}, opts...)
	c, err := New(map[string]string{"0x000000000000": srv.URL}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClient_NextNonce(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(t *testing.T, req gqlRequest) any {
		if !strings.Contains(req.Query, "nextTxNonce") {
			t.Errorf("unexpected query %q", req.Query)
		}
		if req.Variables["address"] != "0xsigner" {
			t.Errorf("address: %v", req.Variables["address"])
		}
		return map[string]any{"data": map[string]any{"transaction": map[string]any{"nextTxNonce": 42}}}
	})
	c := newClient(t, srv)

	n, err := c.NextNonce(context.Background(), "0x000000000000", "0xsigner")
	if err != nil {
		t.Fatalf("NextNonce: %v", err)
	}
	if n != 42 {
		t.Fatalf("nonce: got %d want 42", n)
	}
}

func TestClient_Stage_HexEncodesPayload(t *testing.T) {
	t.Parallel()

	signed := []byte(`{"nonce":1}`)
	srv := newServer(t, func(t *testing.T, req gqlRequest) any {
		if req.Variables["payload"] != hex.EncodeToString(signed) {
			t.Errorf("payload: %v", req.Variables["payload"])
		}
		return map[string]any{"data": map[string]any{"stageTransaction": "0xabc123"}}
	})
	c := newClient(t, srv)

	txID, err := c.Stage(context.Background(), "0x000000000000", signed)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if txID != "abc123" {
		t.Fatalf("txID: %q", txID)
	}
}

func TestClient_TxStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		result any
		want   pass.TxStatus
	}{
		{map[string]any{"txStatus": "SUCCESS"}, pass.TxSuccess},
		{map[string]any{"txStatus": "FAILURE"}, pass.TxFailure},
		{map[string]any{"txStatus": "STAGING"}, pass.TxStaged},
		{map[string]any{"txStatus": "INCLUDED"}, pass.TxStaged},
		{map[string]any{"txStatus": "INVALID"}, pass.TxInvalid},
		{map[string]any{"txStatus": "SOMETHING_NEW"}, pass.TxInvalid},
		{nil, pass.TxNotFound},
	}
	for _, tc := range cases {
		srv := newServer(t, func(*testing.T, gqlRequest) any {
			return map[string]any{"data": map[string]any{"transaction": map[string]any{"transactionResult": tc.result}}}
		})
		c := newClient(t, srv)
		got, err := c.TxStatus(context.Background(), "0x000000000000", "abc")
		if err != nil {
			t.Fatalf("TxStatus(%v): %v", tc.result, err)
		}
		if got != tc.want {
			t.Fatalf("TxStatus(%v): got %s want %s", tc.result, got, tc.want)
		}
	}
}

func TestClient_TxStatus_MalformedBody(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"html":       "<html>garbage</html>",
		"empty data": `{"data":null}`,
		"bad data":   `{"data":{"transaction":"nope"}}`,
	}
	for name, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		c := newClient(t, srv)

		_, err := c.TxStatus(context.Background(), "0x000000000000", "abc")
		if !errors.Is(err, pass.ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestClient_TxStatus_HTTPErrorIsNotMalformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv)

	_, err := c.TxStatus(context.Background(), "0x000000000000", "abc")
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, pass.ErrMalformed) {
		t.Fatalf("http status error must not be ErrMalformed: %v", err)
	}
}

func TestClient_StateQueries(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(t *testing.T, req gqlRequest) any {
		switch {
		case strings.Contains(req.Query, "lastClearedStage"):
			return map[string]any{"data": map[string]any{"stateQuery": map[string]any{"avatar": map[string]any{
				"worldInformation": map[string]any{"lastClearedStage": map[string]any{"worldId": 3, "stageId": 120}},
			}}}}
		case strings.Contains(req.Query, "stakeState"):
			return map[string]any{"data": map[string]any{"stateQuery": map[string]any{"stakeState": map[string]any{"deposit": "5000.00"}}}}
		case strings.Contains(req.Query, "explorer"):
			if req.Variables["seasonId"] != float64(4) {
				t.Errorf("seasonId: %v", req.Variables["seasonId"])
			}
			return map[string]any{"data": map[string]any{"stateQuery": map[string]any{"explorer": map[string]any{"floor": 17}}}}
		}
		t.Errorf("unexpected query %q", req.Query)
		return map[string]any{}
	})
	c := newClient(t, srv)
	ctx := context.Background()

	world, stage, err := c.LastClearedStage(ctx, "0x000000000000", "0xavatar")
	if err != nil || world != 3 || stage != 120 {
		t.Fatalf("LastClearedStage: %d %d %v", world, stage, err)
	}
	dep, err := c.StakeDeposit(ctx, "0x000000000000", "0xagent")
	if err != nil || dep != "5000.00" {
		t.Fatalf("StakeDeposit: %q %v", dep, err)
	}
	floor, err := c.AdventureBossFloor(ctx, "0x000000000000", 4, "0xavatar")
	if err != nil || floor != 17 {
		t.Fatalf("AdventureBossFloor: %d %v", floor, err)
	}
}

func TestClient_StakeDeposit_NoStake(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(*testing.T, gqlRequest) any {
		return map[string]any{"data": map[string]any{"stateQuery": map[string]any{"stakeState": nil}}}
	})
	c := newClient(t, srv)
	dep, err := c.StakeDeposit(context.Background(), "0x000000000000", "0xagent")
	if err != nil || dep != "0" {
		t.Fatalf("StakeDeposit: %q %v", dep, err)
	}
}

func TestClient_GraphQLErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(*testing.T, gqlRequest) any {
		return map[string]any{"errors": []any{map[string]any{"message": "nonce too low"}}}
	})
	c := newClient(t, srv)

	_, err := c.NextNonce(context.Background(), "0x000000000000", "0xsigner")
	if !errors.Is(err, ErrGraphQL) {
		t.Fatalf("expected ErrGraphQL, got %v", err)
	}
	if !strings.Contains(err.Error(), "nonce too low") {
		t.Fatalf("message lost: %v", err)
	}
}

func TestClient_UnknownPlanet(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(*testing.T, gqlRequest) any { return map[string]any{} })
	c := newClient(t, srv)
	if _, err := c.NextNonce(context.Background(), "0x100000000000", "0xsigner"); !errors.Is(err, ErrUnknownPlanet) {
		t.Fatalf("expected ErrUnknownPlanet, got %v", err)
	}
}

func TestClient_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(*testing.T, gqlRequest) any {
		return map[string]any{"data": strings.Repeat("x", 256)}
	})
	c := newClient(t, srv, WithMaxResponseBytes(64))
	if _, err := c.NextNonce(context.Background(), "0x000000000000", "0xsigner"); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestClient_JWTBearer(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	now := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) { return secret, nil },
			jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("tracker"))
		if err != nil || !tok.Valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"transaction": map[string]any{"nextTxNonce": 1}}})
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv, WithJWTSecret(secret, "tracker"), withNow(func() time.Time { return now }))
	if _, err := c.NextNonce(context.Background(), "0x000000000000", "0xsigner"); err != nil {
		t.Fatalf("NextNonce with jwt: %v", err)
	}

	bad := newClient(t, srv, WithJWTSecret([]byte("wrong"), "tracker"))
	if _, err := bad.NextNonce(context.Background(), "0x000000000000", "0xsigner"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(map[string]string{"p": ""}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty url, got %v", err)
	}
	if _, err := New(map[string]string{"p": "http://x"}, WithJWTSecret(nil, "")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty secret, got %v", err)
	}
}
