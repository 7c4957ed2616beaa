// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"nostr-mirror/pkg/mirror"
	"nostr-mirror/poll"
	"nostr-mirror/scheduler"
	"time"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"ago": ago,
}).ParseFS(templateFS, "tmpl/*.tmpl"))

// recentLimit is how many replications the status page lists.
const recentLimit = 20

// Trigger runs one guarded replication cycle.
type Trigger interface {
	Run(ctx context.Context) (*poll.CycleResult, error)
}

// Store interface for status reporting.
type Store interface {
	Cursor(ctx context.Context) (time.Time, bool, error)
	RecentReplicated(ctx context.Context, limit int) ([]mirror.Replication, error)
}

// Server handles HTTP requests.
type Server struct {
	trigger   Trigger
	store     Store
	metrics   http.Handler
	logger    *slog.Logger
	handle    string
	publicKey string
	npub      string
	relays    []string
	dryRun    bool
}

// Config holds server configuration.
type Config struct {
	Trigger   Trigger
	Store     Store
	Metrics   http.Handler
	Logger    *slog.Logger
	Handle    string
	PublicKey string
	NPub      string
	Relays    []string
	DryRun    bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		trigger:   cfg.Trigger,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		handle:    cfg.Handle,
		publicKey: cfg.PublicKey,
		npub:      cfg.NPub,
		relays:    cfg.Relays,
		dryRun:    cfg.DryRun,
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on port until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      5 * time.Minute,   // A triggered cycle may wait on rate limits and relays
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

type statusPage struct {
	Cursor    time.Time
	Now       time.Time
	Handle    string
	PublicKey string
	NPub      string
	Relays    []string
	Recent    []mirror.Replication
	HasCursor bool
	DryRun    bool
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cursor, hasCursor, err := s.store.Cursor(r.Context())
	if err != nil {
		s.logger.Error("Failed to load cursor", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.RecentReplicated(r.Context(), recentLimit)
	if err != nil {
		s.logger.Error("Failed to load recent replications", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	data := statusPage{
		Cursor:    cursor,
		Now:       time.Now(),
		Handle:    s.handle,
		PublicKey: s.publicKey,
		NPub:      s.npub,
		Relays:    s.relays,
		Recent:    recent,
		HasCursor: hasCursor,
		DryRun:    s.dryRun,
	}
	if err := templates.ExecuteTemplate(w, "status.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "status.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

type pollResponse struct {
	Status    string `json:"status"`
	CycleID   string `json:"cycle_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Fetched   int    `json:"fetched"`
	Skipped   int    `json:"skipped"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	res, err := s.trigger.Run(r.Context())
	if errors.Is(err, scheduler.ErrCycleInProgress) {
		s.writeJSON(w, http.StatusConflict, pollResponse{Status: "busy"})
		return
	}
	if err != nil {
		s.logger.Error("Triggered cycle failed", "error", err)
		http.Error(w, "Cycle failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, pollResponse{
		Status:    "completed",
		CycleID:   res.ID,
		Outcome:   res.Outcome,
		Cursor:    res.Cursor.UTC().Format(time.RFC3339Nano),
		Fetched:   res.Fetched,
		Skipped:   res.Skipped,
		Published: res.Published,
		Failed:    res.Failed,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// ago renders a coarse relative time for the status page.
func ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
