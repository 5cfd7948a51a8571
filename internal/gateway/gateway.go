// Package gateway exposes the kernel over a framed websocket protocol:
// bearer-token authentication on upgrade, request/response pairing by
// client-chosen id, and authorization-filtered event fan-out.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/aether/internal/apps"
	"github.com/haasonsaas/aether/internal/auth"
	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/memory"
	"github.com/haasonsaas/aether/internal/metrics"
	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/internal/sched"
	"github.com/haasonsaas/aether/pkg/models"
)

// Websocket tuning.
const (
	maxFrameBytes = 1 << 20
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 25 * time.Second
	sendBuffer    = 128
)

// Server routes websocket sessions onto the kernel services.
type Server struct {
	auth     *auth.Service
	sched    *sched.Scheduler
	mgr      *proc.Manager
	memory   *memory.Store
	apps     *apps.Registry
	bus      *bus.Bus
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader
}

// Deps bundles the services the gateway fronts. Metrics may be nil.
type Deps struct {
	Auth      *auth.Service
	Scheduler *sched.Scheduler
	Manager   *proc.Manager
	Memory    *memory.Store
	Apps      *apps.Registry
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewServer wires the gateway.
func NewServer(deps Deps) *Server {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:    deps.Auth,
		sched:   deps.Scheduler,
		mgr:     deps.Manager,
		memory:  deps.Memory,
		apps:    deps.Apps,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		clock:   clk,
		logger:  logger.With("component", "gateway"),
		started: clk.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP mux: websocket sessions on /ws, credential
// login on /login, and the metrics scrape on /metrics when wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/login", s.serveLogin)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// serveLogin exchanges credentials for a session token.
func (s *Server) serveLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, user, err := s.auth.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.logger.Info("login rejected", "username", body.Username)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token": token,
		"user": map[string]any{
			"uid":      user.UID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// serveWS authenticates the upgrade request and hands the connection to
// a session.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := newSession(s, conn, sess)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	s.bus.Publish(models.TopicConnection, models.ConnectionEvent{
		SessionID: session.id,
		UID:       sess.UID,
		Connected: true,
	})
	s.logger.Info("session opened", "session_id", session.id, "uid", sess.UID)

	session.run()

	s.bus.Publish(models.TopicConnection, models.ConnectionEvent{
		SessionID: session.id,
		UID:       sess.UID,
		Connected: false,
	})
	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	s.logger.Info("session closed", "session_id", session.id, "uid", sess.UID)
}

// authenticate verifies the bearer token on the upgrade request.
func (s *Server) authenticate(r *http.Request) (*auth.Session, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		// Browser websocket clients cannot set headers; accept the
		// token as a query parameter too.
		if token := r.URL.Query().Get("token"); token != "" {
			return s.auth.Verify(token)
		}
		return nil, errors.New("gateway: missing bearer token")
	}
	return s.auth.Verify(strings.TrimPrefix(header, prefix))
}

// codeForError maps service errors onto wire error codes.
func codeForError(err error) string {
	switch {
	case errors.Is(err, proc.ErrNotFound),
		errors.Is(err, memory.ErrNotFound),
		errors.Is(err, apps.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return models.CodeNotFound
	case errors.Is(err, proc.ErrQuota):
		return models.CodeQuotaExceeded
	case errors.Is(err, sandbox.ErrUnavailable):
		return models.CodeUnavailable
	case errors.Is(err, proc.ErrInvalidState),
		errors.Is(err, proc.ErrNoApproval),
		errors.Is(err, proc.ErrNotStopped):
		return models.CodeInvalidArgument
	default:
		return models.CodeInternal
	}
}
