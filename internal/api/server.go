// Package api provides the HTTP server for pmkt.
// It exposes the market operations as a JSON API under /v1 and streams
// market events as server-sent events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proofmarket/pmkt/internal/app/market"
	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/health"
	"github.com/proofmarket/pmkt/internal/infra/events"
	"github.com/proofmarket/pmkt/internal/security"
)

// CallerHeader carries the acting address on every request.
const CallerHeader = "X-Pmkt-Caller"

// Wallets is the faucet view of the external holdings.
type Wallets interface {
	Fund(ctx context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error
	Wallet(ctx context.Context, user domain.Address, asset domain.AssetID) (domain.Amount, error)
}

// EventHistory replays persisted events.
type EventHistory interface {
	Events(ctx context.Context, afterSeq int64, limit int) ([]domain.Event, error)
}

// Server is the pmkt HTTP API server.
type Server struct {
	market         *market.Engine
	hub            *events.Hub    // nil disables /v1/events
	history        EventHistory   // nil disables replay
	wallets        Wallets        // nil disables /v1/wallets
	faucet         bool
	health         *health.Checker
	metricsEnabled bool
	timeout        time.Duration
	signed         bool // Mutating requests must be signed by their caller
	skew           time.Duration
}

// maxBody caps request bodies read for signature checks.
const maxBody = 4 << 20

// NewServer creates a new API server.
func NewServer(m *market.Engine) *Server {
	return &Server{market: m, timeout: 30 * time.Second}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetEventHub enables the live event stream.
func (s *Server) SetEventHub(h *events.Hub) { s.hub = h }

// SetEventHistory lets the event stream replay from a sequence number.
func (s *Server) SetEventHistory(h EventHistory) { s.history = h }

// SetWallets exposes external balances; faucet also allows minting.
func (s *Server) SetWallets(w Wallets, faucet bool) {
	s.wallets = w
	s.faucet = faucet
}

// SetHealth reports checker results on /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// SetTimeout overrides the per-request timeout.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// RequireSignatures makes every mutating request prove its caller: the
// caller header must be a hex ed25519 key that signed the request.
func (s *Server) RequireSignatures(skew time.Duration) {
	if skew <= 0 {
		skew = security.DefaultSkew
	}
	s.signed, s.skew = true, skew
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// Long-lived stream stays outside the request timeout.
		if s.hub != nil {
			r.Get("/events", s.handleEvents)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))
			if s.signed {
				r.Use(s.signatureMiddleware)
			}

			r.Get("/protocols", s.handleListProtocols)
			r.Post("/protocols", s.handleAddProtocol)
			r.Get("/protocols/{protocol}", s.handleGetProtocol)
			r.Delete("/protocols/{protocol}", s.handleRemoveProtocol)
			r.Put("/protocols/{protocol}/min-stake/{asset}", s.handleSetMinStake)
			r.Get("/asks", s.handleListAsks)
			r.Put("/asks/{asset}", s.handleSetAsk)

			r.Post("/stakes", s.handleStake)
			r.Post("/unstakes", s.handleUnstake)
			r.Get("/balances/{user}/{asset}", s.handleBalance)
			r.Get("/ledger", s.handleLedger)
			r.Get("/audit", s.handleAudit)

			r.Get("/tasks", s.handleListTasks)
			r.Post("/tasks", s.handleSubmitTask)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Get("/tasks/{id}/proof", s.handleGetProof)
			r.Post("/tasks/{id}/take", s.handleTakeTask)
			r.Post("/tasks/{id}/proof", s.handleVerifyProof)
			r.Post("/tasks/{id}/claim", s.handleClaim)
			r.Post("/sweep", s.handleSweep)

			if s.wallets != nil {
				r.Get("/wallets/{user}/{asset}", s.handleWallet)
				if s.faucet {
					r.Post("/wallets/{user}/fund", s.handleFund)
				}
			}
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeTypedError(w, status, "error", msg)
}

func writeTypedError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    typ,
		},
	})
}

// writeMarketError maps an engine error to its HTTP status. The error type
// is the rejection reason reported in metrics.
func writeMarketError(w http.ResponseWriter, err error) {
	writeTypedError(w, statusFor(err), market.Reason(err), err.Error())
}

var statusTable = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidCaller, http.StatusUnauthorized},
	{domain.ErrNotAdmin, http.StatusForbidden},
	{domain.ErrNotClient, http.StatusForbidden},
	{domain.ErrNotAssignedMiner, http.StatusForbidden},
	{domain.ErrInvalidTaskID, http.StatusNotFound},
	{domain.ErrTaskNotOpen, http.StatusConflict},
	{domain.ErrTaskNotAssigned, http.StatusConflict},
	{domain.ErrTaskExpired, http.StatusConflict},
	{domain.ErrInsufficientAvailable, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientLocked, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientExternalBalance, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientCollateral, http.StatusUnprocessableEntity},
	{domain.ErrStakeTooLow, http.StatusUnprocessableEntity},
	{domain.ErrInvariant, http.StatusInternalServerError},
}

func statusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	if market.Reason(err) != "internal" {
		return http.StatusBadRequest // remaining sentinels are input validation
	}
	return http.StatusInternalServerError
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+CallerHeader+", "+
			security.HeaderSignature+", "+security.HeaderTimestamp)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// signatureMiddleware rejects unsigned or forged mutating requests. Reads
// stay open to anyone.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := security.VerifyRequest(r, caller(r), body, s.market.Now(), s.skew); err != nil {
			writeTypedError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) domain.Address {
	return domain.Address(r.Header.Get(CallerHeader))
}
