package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/pkg/telephony/twilio"
)

// maxContextBody caps the outbound context request body.
const maxContextBody = 64 << 10

// SessionInfo describes one live call for the /sessions listing.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id,omitempty"`
	CallerID  string    `json:"caller_id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Turns     int       `json:"turns"`
	Outbound  bool      `json:"outbound"`
}

// Sessions returns a snapshot of the live calls.
func (a *App) Sessions() []SessionInfo {
	live := a.engine.Store().Sessions()
	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		out = append(out, SessionInfo{
			SessionID: s.ID,
			CallID:    s.CallID(),
			CallerID:  s.CallerID,
			State:     s.State().String(),
			StartedAt: s.StartedAt,
			Turns:     len(s.Transcript()),
			Outbound:  s.Outbound != nil,
		})
	}
	return out
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /twilio/media", a.handleMedia)
	mux.HandleFunc("POST /outbound/contexts", a.handleOutboundContext)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	a.health = health.New(a.checkers...)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// handleMedia upgrades to a Twilio media stream and runs the call until it
// ends. The call outlives a graceful HTTP shutdown; it is only cut off when
// the drain deadline passes.
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !a.trackCall() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer a.calls.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("media stream upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(a.callsCtx, cancel)
	defer stop()

	if err := a.engine.Handle(ctx, twilio.New(conn)); err != nil && !errors.Is(err, context.Canceled) {
		observe.Logger(r.Context()).Warn("call ended with error", "err", err)
	}
}

type contextResponse struct {
	ContextID string `json:"context_id"`
}

// handleOutboundContext stores the handoff context of an outbound call about
// to be placed.
func (a *App) handleOutboundContext(w http.ResponseWriter, r *http.Request) {
	var oc outbound.Context
	dec := json.NewDecoder(io.LimitReader(r.Body, maxContextBody))
	if err := dec.Decode(&oc); err != nil {
		http.Error(w, "invalid outbound context: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := a.outbound.Put(oc)
	slog.Info("outbound context stored", "context_id", id, "topic", oc.Topic)
	writeJSON(w, http.StatusCreated, contextResponse{ContextID: id})
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Sessions())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
