// Package api serves claim, upgrade and status requests over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("api: invalid config")

// ClaimService is implemented by *claim.Manager.
type ClaimService interface {
	Claim(ctx context.Context, req claim.Request) (claim.Result, error)
	ClaimPrev(ctx context.Context, req claim.Request) (claim.Result, error)
	Upgrade(ctx context.Context, req claim.UpgradeRequest) (pass.Progress, error)
	Status(ctx context.Context, planetID string, pt pass.PassType, seasonIndex int, avatarAddr string) (claim.Status, error)
}

var _ ClaimService = (*claim.Manager)(nil)

type Config struct {
	// Token guards the write routes. Empty leaves them open.
	Token string

	MaxBodyBytes int64
	// RetryAfter is advertised when claims are rejected for overload.
	RetryAfter time.Duration
}

func NewHandler(cfg Config, svc ClaimService, log *slog.Logger) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil claim service", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handler{cfg: cfg, svc: svc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/user/status", h.handleStatus)
	mux.HandleFunc("POST /v1/claim", h.auth(h.handleClaim))
	mux.HandleFunc("POST /v1/claim-prev", h.auth(h.handleClaimPrev))
	mux.HandleFunc("POST /v1/upgrade", h.auth(h.handleUpgrade))
	return mux, nil
}

type handler struct {
	cfg Config
	svc ClaimService
	log *slog.Logger
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	if h.cfg.Token == "" {
		return next
	}
	want := []byte("Bearer " + h.cfg.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
			return
		}
		next(w, r)
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type claimRequestBody struct {
	PlanetID    string `json:"planetId"`
	PassType    string `json:"passType"`
	AgentAddr   string `json:"agentAddr"`
	AvatarAddr  string `json:"avatarAddr"`
	SeasonIndex int    `json:"seasonIndex"`
	Force       bool   `json:"force"`
}

func (b claimRequestBody) request() claim.Request {
	return claim.Request{
		PlanetID:    b.PlanetID,
		PassType:    pass.PassType(strings.TrimSpace(b.PassType)),
		AgentAddr:   b.AgentAddr,
		AvatarAddr:  b.AvatarAddr,
		SeasonIndex: b.SeasonIndex,
		Force:       b.Force,
	}
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[claimRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	res, err := h.svc.Claim(r.Context(), body.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse(res))
}

func (h *handler) handleClaimPrev(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[claimRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	res, err := h.svc.ClaimPrev(r.Context(), body.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse(res))
}

type upgradeRequestBody struct {
	PlanetID    string `json:"planetId"`
	PassType    string `json:"passType"`
	SeasonIndex int    `json:"seasonIndex"`
	AgentAddr   string `json:"agentAddr"`
	AvatarAddr  string `json:"avatarAddr"`
	PremiumPlus bool   `json:"premiumPlus"`
	TxID        string `json:"txId"`
}

func (h *handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[upgradeRequestBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	p, err := h.svc.Upgrade(r.Context(), claim.UpgradeRequest{
		PlanetID:    body.PlanetID,
		PassType:    pass.PassType(strings.TrimSpace(body.PassType)),
		SeasonIndex: body.SeasonIndex,
		AgentAddr:   body.AgentAddr,
		AvatarAddr:  body.AvatarAddr,
		PremiumPlus: body.PremiumPlus,
		TxID:        body.TxID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"progress": progressJSON(p),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seasonIndex := 0
	if raw := strings.TrimSpace(q.Get("seasonIndex")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_season_index"))
			return
		}
		seasonIndex = v
	}

	st, err := h.svc.Status(r.Context(), q.Get("planetId"), pass.PassType(strings.TrimSpace(q.Get("passType"))), seasonIndex, q.Get("avatarAddr"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"seasonIndex": st.Season.Index,
		"progress":    progressJSON(st.Progress),
		"available": map[string]any{
			"normal":   nonNil(st.Available.Normal),
			"premium":  nonNil(st.Available.Premium),
			"overflow": st.Available.Overflow,
		},
	})
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pass.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", err))
	case errors.Is(err, pass.ErrInvalidState):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", err))
	case errors.Is(err, pass.ErrOverload):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, errorBody("overloaded"))
	case errors.Is(err, pass.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("conflict"))
	case errors.Is(err, pass.ErrUpstream):
		h.log.Warn("upstream failure", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody("upstream_unavailable"))
	default:
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal"))
	}
}

func errorBody(code string, detail ...error) map[string]any {
	out := map[string]any{"version": "v1", "error": code}
	if len(detail) > 0 && detail[0] != nil {
		out["detail"] = detail[0].Error()
	}
	return out
}

func claimResponse(res claim.Result) map[string]any {
	out := map[string]any{
		"version":    "v1",
		"claim":      nil,
		"rewardList": []pass.ClaimedReward{},
		"progress":   progressJSON(res.Progress),
	}
	if c := res.Claim; c != nil {
		if c.Rewards != nil {
			out["rewardList"] = c.Rewards
		}
		out["claim"] = map[string]any{
			"uuid":          c.UUID,
			"planetId":      c.PlanetID,
			"passType":      c.PassType,
			"avatarAddr":    c.AvatarAddr,
			"status":        c.Status.String(),
			"rewards":       c.Rewards,
			"normalLevels":  nonNil(c.NormalLevels),
			"premiumLevels": nonNil(c.PremiumLevels),
		}
	}
	return out
}

func progressJSON(p pass.Progress) map[string]any {
	return map[string]any{
		"planetId":         p.PlanetID,
		"avatarAddr":       p.AvatarAddr,
		"exp":              p.Exp,
		"level":            p.Level,
		"isPremium":        p.IsPremium,
		"isPremiumPlus":    p.IsPremiumPlus,
		"lastNormalClaim":  p.LastNormalClaim,
		"lastPremiumClaim": p.LastPremiumClaim,
	}
}

func nonNil(levels []int) []int {
	if levels == nil {
		return []int{}
	}
	return levels
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json"))
		return out, false
	}
	return out, true
}
