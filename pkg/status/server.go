package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatbus/pkg/broker"
	"chatbus/pkg/config"
	"chatbus/pkg/store"
)

// Source is the broker view the status server reports on.
type Source interface {
	Snapshot() broker.Snapshot
	Sessions(ctx context.Context) ([]store.SessionFile, error)
	SessionTTL() time.Duration
	Metrics() *prometheus.Registry
}

type Server struct {
	cfg    config.StatusConfig
	source Source
	log    *slog.Logger
	now    func() time.Time
}

type statusResponse struct {
	Status        string                      `json:"status"`
	SessionID     string                      `json:"session_id"`
	Dir           string                      `json:"dir"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Listeners     int                         `json:"listeners"`
	ActiveUsers   []string                    `json:"active_users"`
	Tasks         map[string]broker.TaskState `json:"tasks"`
}

type sessionResponse struct {
	SessionID  string `json:"session_id,omitempty"`
	Path       string `json:"path"`
	Heartbeat  string `json:"heartbeat,omitempty"`
	AgeSeconds int64  `json:"age_seconds,omitempty"`
	Expired    bool   `json:"expired"`
	Self       bool   `json:"self"`
	PID        int    `json:"pid,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewServer(cfg config.StatusConfig, source Source, log *slog.Logger) (*Server, error) {
	if source == nil {
		return nil, errors.New("status source is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		source: source,
		log:    log.With("component", "status.server"),
		now:    time.Now,
	}, nil
}

// Addr returns the listen address derived from the config.
func (s *Server) Addr() string {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = config.DefaultStatusHost
	}

	port := s.cfg.Port
	if port <= 0 {
		port = config.DefaultStatusPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.Handle("/metrics", promhttp.HandlerFor(s.source.Metrics(), promhttp.HandlerOpts{}))

	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !isReady(s.source.Snapshot()) {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	files, err := s.source.Sessions(r.Context())
	if err != nil {
		s.log.Warn("List sessions failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	self := s.source.Snapshot().SessionID
	now := s.now()
	ttl := s.source.SessionTTL()

	sessions := make([]sessionResponse, 0, len(files))
	for _, file := range files {
		sessions = append(sessions, describeSession(file, self, now, ttl))
	}

	s.writeJSON(w, http.StatusOK, sessions)
}

func describeSession(file store.SessionFile, self string, now time.Time, ttl time.Duration) sessionResponse {
	resp := sessionResponse{Path: file.Path}
	if file.Err != nil {
		resp.Error = file.Err.Error()
		return resp
	}

	desc := file.Descriptor
	resp.SessionID = desc.SessionID
	resp.Heartbeat = desc.Heartbeat().UTC().Format(time.RFC3339)
	resp.AgeSeconds = int64(now.Sub(desc.Heartbeat()).Seconds())
	resp.Expired = desc.Expired(now, ttl)
	resp.Self = desc.SessionID == self
	resp.PID = desc.PID
	resp.Hostname = desc.Hostname

	return resp
}

func (s *Server) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	snapshot := s.source.Snapshot()

	uptime := int64(0)
	if !snapshot.StartedAt.IsZero() {
		uptime = int64(s.now().Sub(snapshot.StartedAt).Seconds())
	}

	s.writeJSON(w, statusCode, statusResponse{
		Status:        status,
		SessionID:     snapshot.SessionID,
		Dir:           snapshot.Dir,
		UptimeSeconds: uptime,
		Listeners:     snapshot.Listeners,
		ActiveUsers:   snapshot.ActiveUsers,
		Tasks:         snapshot.Tasks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

// isReady requires a running, open broker whose message task is not failing.
func isReady(snapshot broker.Snapshot) bool {
	if !snapshot.Running || snapshot.Closed {
		return false
	}

	if state, ok := snapshot.Tasks[broker.TaskMessages]; ok && state.LastError != "" {
		return false
	}

	return true
}
