// Package api serves the control surface over HTTP.
// GET endpoints are public (read-only observation).
// POST endpoints require the admin bearer token; the event stream requires
// the relay token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/engine"
	"github.com/talgya/npc-market/internal/evaluator"
	"github.com/talgya/npc-market/internal/events"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/lifecycle"
	"github.com/talgya/npc-market/internal/metrics"
	"github.com/talgya/npc-market/internal/persistence"
)

const (
	maxSSEConns   = 4
	sseCatchUp    = 50
	sseHeartbeat  = 15 * time.Second
	maxEventLimit = 500
)

// Server serves the simulation over HTTP.
type Server struct {
	Clock     *engine.Clock
	Orch      *engine.Orchestrator
	Evaluator *evaluator.Evaluator
	Lifecycle *lifecycle.Manager
	Store     persistence.Store
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Port      int
	AdminKey  string // Bearer token for POST endpoints. Empty = POST disabled.
	RelayKey  string // Bearer token for the SSE stream. Empty = streaming disabled.
	// TrustProxy rate-limits by X-Forwarded-For instead of the peer address.
	TrustProxy bool

	sseConns atomic.Int32
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	admin := NewRateLimiter(120, 20)
	admin.TrustProxy = s.TrustProxy
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/intervals", s.handleGetIntervals)
	mux.HandleFunc("GET /api/v1/contracts", s.handleListContracts)
	mux.HandleFunc("GET /api/v1/contracts/{id}", s.handleGetContract)
	mux.HandleFunc("GET /api/v1/npcs/{id}", s.handleGetNPC)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	mux.HandleFunc("POST /api/v1/clock/start", admin.Middleware(s.adminOnly(s.handleClockStart)))
	mux.HandleFunc("POST /api/v1/clock/stop", admin.Middleware(s.adminOnly(s.handleClockStop)))
	mux.HandleFunc("POST /api/v1/clock/step", admin.Middleware(s.adminOnly(s.handleClockStep)))
	mux.HandleFunc("POST /api/v1/intervals", admin.Middleware(s.adminOnly(s.handleUpdateIntervals)))
	mux.HandleFunc("POST /api/v1/offers", admin.Middleware(s.adminOnly(s.handleOffer)))
	mux.HandleFunc("POST /api/v1/contracts", admin.Middleware(s.adminOnly(s.handleDraft)))
	mux.HandleFunc("POST /api/v1/contracts/{id}/{action}", admin.Middleware(s.adminOnly(s.handleContractAction)))

	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	return mux
}

// Start serves on Port in a goroutine and returns the server for shutdown.
func (s *Server) Start() *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "", "relay_auth", s.RelayKey != "")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

func bearer(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == key
}

// adminOnly requires the admin bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no admin key set)", http.StatusForbidden)
			return
		}
		if !bearer(r, s.AdminKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	Tick       uint64        `json:"tick"`
	Running    bool          `json:"running"`
	IntervalMs int64         `json:"interval_ms"`
	StreamConn int32         `json:"stream_clients"`
	Engine     engine.Status `json:"engine"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Tick:       s.Clock.TickNumber(),
		Running:    s.Clock.Running(),
		IntervalMs: s.Clock.Interval().Milliseconds(),
		StreamConn: s.sseConns.Load(),
		Engine:     s.Orch.Status(),
	})
}

type clockStartRequest struct {
	IntervalMs int64 `json:"interval_ms"`
}

func (s *Server) handleClockStart(w http.ResponseWriter, r *http.Request) {
	req := clockStartRequest{IntervalMs: s.Clock.Interval().Milliseconds()}
	if !decodeOptional(w, r, &req) {
		return
	}
	if err := s.Clock.Start(time.Duration(req.IntervalMs) * time.Millisecond); err != nil {
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleClockStop(w http.ResponseWriter, r *http.Request) {
	s.Clock.Stop()
	s.handleStatus(w, r)
}

func (s *Server) handleClockStep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Clock.Step())
}

func (s *Server) handleGetIntervals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orch.Intervals())
}

func (s *Server) handleUpdateIntervals(w http.ResponseWriter, r *http.Request) {
	var u engine.IntervalUpdate
	if !decode(w, r, &u) {
		return
	}
	iv, err := s.Orch.UpdateIntervals(u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req evaluator.OfferRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.Evaluator.EvaluateServiceOffer(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	name, outcome := events.ContractRejected, "rejected"
	switch {
	case d.Accepted:
		name, outcome = events.ContractAccepted, "accepted"
	case d.CounterOffer != nil:
		name, outcome = events.ContractCounterOffer, "counter_offer"
	}
	if s.Metrics != nil {
		s.Metrics.Decisions.WithLabelValues(outcome).Inc()
	}
	s.publish(r.Context(), name, s.Clock.TickNumber(), d)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	var statuses []contract.Status
	if q := r.URL.Query().Get("status"); q != "" {
		for _, part := range strings.Split(q, ",") {
			st := contract.Status(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				writeError(w, fault.Validation("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	list, err := s.Store.ListContractsByStatus(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if npcID := r.URL.Query().Get("npc"); npcID != "" {
		kept := list[:0]
		for _, c := range list {
			if c.NPCID == npcID {
				kept = append(kept, c)
			}
		}
		list = kept
	}
	writeJSON(w, http.StatusOK, list)
}

// lookupContract accepts a numeric id or a UUID.
func (s *Server) lookupContract(ctx context.Context, ref string) (*contract.Contract, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.Store.GetContract(ctx, id)
	}
	return s.Store.GetContractByUUID(ctx, ref)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.lookupContract(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetNPC(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.GetNPC(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type draftRequest struct {
	ClientID       string           `json:"client_id"`
	ServiceID      string           `json:"service_id"`
	MonthlyPrice   *decimal.Decimal `json:"monthly_price,omitempty"`
	DurationMonths int              `json:"duration_months,omitempty"`
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if !decode(w, r, &req) {
		return
	}
	c := &contract.Contract{ClientID: req.ClientID, ServiceID: req.ServiceID, DurationMonths: req.DurationMonths}
	if req.MonthlyPrice != nil {
		c.MonthlyPrice = *req.MonthlyPrice
	}
	created, err := s.Lifecycle.Draft(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type actionRequest struct {
	Reason string `json:"reason"`
}

// handleContractAction applies one lifecycle operation. cancel and renew
// take the NPC's side (history, blacklist, renewal score); the rest are the
// human-client lifecycle.
func (s *Server) handleContractAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := s.lookupContract(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req actionRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	tick := s.Clock.TickNumber()

	var out any
	switch action := r.PathValue("action"); action {
	case "cancel":
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		var cancelled *contract.Contract
		if c.IsNPC() {
			cancelled, err = s.Evaluator.CancelContract(ctx, c.ID, reason)
		} else {
			cancelled, err = s.Lifecycle.Cancel(ctx, c.ID, reason)
		}
		if cancelled != nil {
			s.publish(ctx, events.ContractCancelled, tick, cancelled)
		}
		out = cancelled
	case "renew":
		var ro *evaluator.RenewalOutcome
		ro, err = s.Evaluator.EvaluateContractRenewal(ctx, c.ID)
		if err == nil {
			name := events.ContractNotRenewed
			if ro.Renewed {
				name = events.ContractRenewed
			}
			s.publish(ctx, name, tick, ro)
		}
		out = ro
	case "submit":
		out, err = s.Lifecycle.Submit(ctx, c.ID)
	case "activate":
		out, err = s.Lifecycle.Activate(ctx, c.ID)
	case "suspend":
		out, err = s.Lifecycle.Suspend(ctx, c.ID, req.Reason)
	case "reactivate":
		out, err = s.Lifecycle.Reactivate(ctx, c.ID)
	case "terminate":
		out, err = s.Lifecycle.Terminate(ctx, c.ID, req.Reason)
	case "breach":
		out, err = s.Lifecycle.Breach(ctx, c.ID, req.Reason)
	case "expire":
		out, err = s.Lifecycle.Expire(ctx, c.ID)
	default:
		writeError(w, fault.Validation("unknown contract action %q", action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) publish(ctx context.Context, name string, tick uint64, payload any) {
	if s.Bus != nil {
		s.Bus.Publish(ctx, events.New(name, tick, payload))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxEventLimit {
			limit = n
		}
	}
	recent := s.Bus.Recent(limit)
	if name := r.URL.Query().Get("name"); name != "" {
		kept := recent[:0]
		for _, e := range recent {
			if e.Name == name {
				kept = append(kept, e)
			}
		}
		recent = kept
	}
	writeJSON(w, http.StatusOK, recent)
}

// handleStream serves simulation events as server-sent events.
// Requires the relay token and limits concurrent connections.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.RelayKey == "" {
		http.Error(w, "streaming disabled (no relay key)", http.StatusForbidden)
		return
	}
	if !bearer(r, s.RelayKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if current := s.sseConns.Add(1); current > maxSSEConns {
		s.sseConns.Add(-1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sseConns.Add(-1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(subID)

	for _, e := range s.Bus.Recent(sseCatchUp) {
		writeSSEEvent(w, e)
	}
	flusher.Flush()
	slog.Info("SSE client connected", "sub_id", subID)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Name, data)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch fault.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "validation":
		return http.StatusBadRequest
	case "rule":
		return http.StatusConflict
	case "collaborator":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		slog.Error("request failed", "kind", fault.Kind(err), "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: fault.Kind(err)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fault.Validation("invalid json: %v", err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fault.Validation("invalid json: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("write response", "error", err)
	}
}
