// Package webhook is the HTTP and WebSocket surface of Voicebridge.
//
// It answers telephony webhooks with stream-connect markup, upgrades the
// media-stream and browser-client WebSocket endpoints and hands them to
// their session runners, records status callbacks, and serves the call
// log, health probes, and metrics scrape endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicebridge/internal/callstore"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/telephony"
)

// SessionRunner serves one upgraded WebSocket connection until the
// session ends. The bridge package provides the real implementations.
type SessionRunner func(ctx context.Context, conn *websocket.Conn) error

// CallLog is the slice of the call store the HTTP surface needs.
type CallLog interface {
	UpdateStatus(ctx context.Context, callSID, status, from, to string) error
	Recent(ctx context.Context, limit int) ([]callstore.CallRecord, error)
}

// NumberManager is the slice of the provider REST API exposed through
// the admin endpoints.
type NumberManager interface {
	ListNumbers(ctx context.Context, limit int) ([]telephony.Number, error)
	ConfigureWebhooks(ctx context.Context, numberSID, voiceURL, statusCallback string) (*telephony.Number, error)
}

// Options configures a Server. Phone and Client are required; everything
// else is optional.
type Options struct {
	// PublicHost is the externally reachable hostname placed in the
	// stream-connect markup (e.g. "voice.example.com").
	PublicHost string

	// Phone runs a telephony media-stream session.
	Phone SessionRunner

	// Client runs an interactive client session.
	Client SessionRunner

	// Calls records status callbacks and serves the call log. Nil
	// disables both endpoints' persistence.
	Calls CallLog

	// Numbers serves the number-management endpoints. Nil disables them.
	Numbers NumberManager

	// Health serves /healthz and /readyz. Nil registers no probes.
	Health *health.Handler

	// ServeMetrics exposes the Prometheus scrape endpoint at /metrics.
	ServeMetrics bool

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server routes the Voicebridge HTTP surface. Create one with New and
// mount it as the root handler.
type Server struct {
	opts Options
	log  *slog.Logger
	mux  *http.ServeMux
	h    http.Handler
}

// New builds the route table and wraps it in the metrics middleware.
func New(opts Options) (*Server, error) {
	if opts.Phone == nil || opts.Client == nil {
		return nil, fmt.Errorf("webhook: both session runners are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		opts: opts,
		log:  opts.Logger,
		mux:  http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /twilio/incoming", s.handleIncomingCall)
	s.mux.HandleFunc("POST /twilio/status", s.handleStatusCallback)
	s.mux.HandleFunc("GET /twilio/media-stream", s.handleMediaStream)
	s.mux.HandleFunc("GET /ws", s.handleClient)
	s.mux.HandleFunc("GET /api/calls", s.handleListCalls)
	s.mux.HandleFunc("GET /api/numbers", s.handleListNumbers)
	s.mux.HandleFunc("POST /api/numbers/{sid}/webhooks", s.handleConfigureNumber)

	if opts.Health != nil {
		opts.Health.Register(s.mux)
	}
	if opts.ServeMetrics {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.h = observe.Middleware(opts.Metrics)(s.mux)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.h.ServeHTTP(w, r)
}

// handleIncomingCall answers the provider's incoming-call webhook with
// markup connecting the call to the media-stream endpoint.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form data", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	s.log.Info("incoming call",
		"call_sid", callSID,
		"from", r.PostFormValue("From"),
		"to", r.PostFormValue("To"),
	)

	host := s.opts.PublicHost
	if host == "" {
		host = r.Host
	}

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Say>Connecting you to the assistant.</Say>
    <Connect>
        <Stream url="wss://%s/twilio/media-stream"></Stream>
    </Connect>
</Response>`, host)

	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(twiml)); err != nil {
		s.log.Warn("write twiml failed", "call_sid", callSID, "err", err)
	}
}

// handleStatusCallback records provider call-status updates.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form data", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	s.log.Info("call status update", "call_sid", callSID, "status", status)

	if s.opts.Calls != nil {
		err := s.opts.Calls.UpdateStatus(r.Context(), callSID, status,
			r.PostFormValue("From"), r.PostFormValue("To"))
		if err != nil {
			s.log.Warn("record status update failed", "call_sid", callSID, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMediaStream upgrades the telephony media-stream connection.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, s.opts.Phone, "phone")
}

// handleClient upgrades an interactive browser client connection.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, s.opts.Client, "client")
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, run SessionRunner, transport string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The provider dials from its own infrastructure and browsers may
		// serve the page from another origin; auth happens upstream.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "transport", transport, "err", err)
		return
	}

	if err := run(r.Context(), conn); err != nil {
		s.log.Error("session ended with error", "transport", transport, "err", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleListCalls serves the most recent call records as JSON.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.opts.Calls == nil {
		http.Error(w, "call log not configured", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be a positive integer up to 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.opts.Calls.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("list calls failed", "err", err)
		http.Error(w, "call log unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []callstore.CallRecord{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]any{"calls": records}); err != nil {
		s.log.Warn("encode call list failed", "err", err)
	}
}

// handleListNumbers passes through the account's owned numbers.
func (s *Server) handleListNumbers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Numbers == nil {
		http.Error(w, "number management not configured", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be a positive integer up to 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	numbers, err := s.opts.Numbers.ListNumbers(r.Context(), limit)
	if err != nil {
		s.log.Error("list numbers failed", "err", err)
		http.Error(w, "number management unavailable", http.StatusBadGateway)
		return
	}
	if numbers == nil {
		numbers = []telephony.Number{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]any{"numbers": numbers}); err != nil {
		s.log.Warn("encode number list failed", "err", err)
	}
}

// handleConfigureNumber points one number's webhooks at new URLs.
func (s *Server) handleConfigureNumber(w http.ResponseWriter, r *http.Request) {
	if s.opts.Numbers == nil {
		http.Error(w, "number management not configured", http.StatusNotFound)
		return
	}

	var body struct {
		VoiceURL       string `json:"voice_url"`
		StatusCallback string `json:"status_callback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.VoiceURL == "" && body.StatusCallback == "" {
		http.Error(w, "voice_url or status_callback is required", http.StatusBadRequest)
		return
	}

	sid := r.PathValue("sid")
	number, err := s.opts.Numbers.ConfigureWebhooks(r.Context(), sid, body.VoiceURL, body.StatusCallback)
	if err != nil {
		s.log.Error("configure number failed", "number_sid", sid, "err", err)
		http.Error(w, "number update failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(number); err != nil {
		s.log.Warn("encode number failed", "err", err)
	}
}
