// Package api exposes the admin HTTP surface of the lead bot: a health
// probe, read access to stored leads, and a manual trigger for the CRM
// retry sweep.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/carquery/leadbot/internal/bot"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Retrier re-delivers failed leads. Implemented by pipeline.Processor.
type Retrier interface {
	RetryFailed(ctx context.Context) int
}

// EventSink consumes normalized chat events. Implemented by bot.Router.
type EventSink interface {
	HandleEvent(ctx context.Context, ev bot.Event)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Events EventSink
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// WithEventSink enables the /events webhook and routes posted events to sink.
func WithEventSink(sink EventSink) Option {
	return func(o *Opts) { o.Events = sink }
}

// Server serves the admin API.
type Server struct {
	addr    string
	store   store.Store
	retrier Retrier
	events  EventSink
	httpSrv *http.Server
}

// NewServer creates an API server over the given store and retrier.
func NewServer(st store.Store, retrier Retrier, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{addr: cfg.Addr, store: st, retrier: retrier, events: cfg.Events}
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/leads", s.leadsHandler)
	mux.HandleFunc("/leads/retry", s.retryHandler)
	if s.events != nil {
		mux.HandleFunc("/events", s.eventsHandler)
	}
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("Server.Run: admin API listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.leadsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := models.LeadStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.LeadStatusError
	}
	switch status {
	case models.LeadStatusDraft, models.LeadStatusPending, models.LeadStatusSent, models.LeadStatusError:
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown lead status"))
		return
	}
	leads, err := s.store.ListLeadsByStatus(status)
	if err != nil {
		slog.Error("Server.leadsHandler: failed to list leads", "error", err, "status", status)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list leads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.retryHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	retried := s.retrier.RetryFailed(r.Context())
	slog.Info("Server.retryHandler: retry sweep finished", "retried", retried)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"retried": retried}))
}

// eventsHandler accepts one normalized chat event from the platform gateway.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var ev bot.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if ev.Type == "" || ev.User.PlatformID == "" || ev.User.ChatID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Event requires type, user.platform_id and user.chat_id"))
		return
	}
	s.events.HandleEvent(r.Context(), ev)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event processed", nil))
}
