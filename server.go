package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/concierge/shared"
	"github.com/bt-bridge/concierge/state"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sessionIDParam = "session_id"

// Server accepts client connections on one websocket path and runs a Session
// for each of them.
type Server struct {
	cfg        shared.ServerConfig
	logger     shared.LoggerAdapter
	dial       PeerDialer
	dispatcher Dispatcher
	store      state.Store
	bindings   Bindings
	metrics    *Metrics
	tracker    *Tracker
	upgrader   websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool
}

type ServerOption func(*Server)

func WithServerBindings(b Bindings) ServerOption {
	return func(s *Server) {
		s.bindings = b
	}
}

func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(cfg shared.ServerConfig, logger shared.LoggerAdapter, dial PeerDialer, dispatcher Dispatcher, store state.Store, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dial == nil {
		return nil, shared.ErrClientNotInitialized
	}
	if dispatcher == nil {
		return nil, shared.ErrNoDispatcher
	}
	if store == nil {
		return nil, shared.ErrNoStore
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "server")),
		dial:       dial,
		dispatcher: dispatcher,
		store:      store,
		bindings:   Bindings{},
		tracker:    NewTracker(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Tracker() *Tracker {
	return s.tracker
}

// checkOrigin keeps gorilla's same-origin default when no origins are
// configured. "*" admits any origin.
func (s *Server) checkOrigin() func(*http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return nil
	}
	if slices.Contains(s.cfg.AllowedOrigins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.draining.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get(sessionIDParam))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	unregister, err := s.tracker.Register(sessionID, cancel)
	if err != nil {
		logger.Warn("rejecting connection", zap.Error(err))
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}
	defer unregister()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewAdapter(conn, SourceClient,
		WithIdleTimeout(s.cfg.IdleTimeout),
		WithWriteTimeout(s.cfg.WriteTimeout),
		WithReadLimit(s.cfg.ReadLimit),
		WithAdapterLogger(logger),
	)

	model, err := s.dial(ctx, sessionID)
	if err != nil {
		logger.Error("connecting to model peer failed", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "model unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		_ = client.Close()
		return
	}

	sess, err := NewSession(sessionID, client, model, s.dispatcher, s.store,
		WithBindings(s.bindings),
		WithMetrics(s.metrics),
		WithSessionLogger(s.logger),
		WithClientIP(clientIP(r)),
	)
	if err != nil {
		logger.Error("creating session failed", err)
		_ = client.Close()
		_ = model.Close()
		return
	}
	logger.Info("session started", zap.String("remote", r.RemoteAddr))
	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session failed", zap.Error(err))
		return
	}
	logger.Info("session closed")
}

// Healthz reports liveness and the number of live sessions.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.draining.Load() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	body, err := sonic.Marshal(map[string]any{
		"status":   status,
		"sessions": s.tracker.Count(),
		"version":  shared.Version,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// Handler mounts the websocket path and /healthz.
func (s *Server) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	path := s.cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux.Handle(path, s)
	mux.HandleFunc("/healthz", s.Healthz)
	return mux
}

// Shutdown stops accepting sessions, cancels the live ones and waits for them
// to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	canceled := s.tracker.CancelAll()
	s.logger.Info("shutting down sessions", zap.Int("count", canceled))
	s.cancel()
	if !s.tracker.Wait(ctx) {
		return fmt.Errorf("waiting for %d sessions: %w", s.tracker.Count(), ctx.Err())
	}
	return nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
