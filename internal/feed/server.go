package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"barlink/internal/domain"
)

const DefaultQueueSize = 32

// ErrorCodeCommand marks a rejected client command.
const ErrorCodeCommand domain.ErrorCode = "bad_command"

// Command is one client request.
type Command struct {
	Type   string `json:"type"`
	Field  string `json:"field,omitempty"`
	Key    string `json:"key,omitempty"`
	Text   string `json:"text,omitempty"`
	Scoped bool   `json:"scoped,omitempty"`
	// Timestamp is the key event time in Unix milliseconds. Zero means the
	// arrival time.
	Timestamp int64 `json:"ts,omitempty"`
}

const (
	CommandRegister   = "register"
	CommandUnregister = "unregister"
	CommandFocus      = "focus"
	CommandKey        = "key"
	CommandManual     = "manual"
	CommandOpen       = "open"
	CommandRetry      = "retry"
	CommandClose      = "close"
	CommandStatus     = "status"
)

// Controller is the dispatcher surface exposed to feed clients.
type Controller interface {
	OpenCamera(ctx context.Context) (domain.CameraStatus, error)
	RetryCamera(ctx context.Context) (domain.CameraStatus, error)
	CloseCamera() error
	KeyPress(ev domain.KeyEvent) bool
	RegisterField(field string, scoped bool)
	UnregisterField(field string)
	FocusField(field string)
	ManualEntry(field, text string)
	Status() domain.CameraStatus
}

// Config controls the feed listener.
type Config struct {
	Addr           string
	AllowedOrigins []string
	QueueSize      int
}

// Server exposes the hub over websocket plus health and status routes.
type Server struct {
	cfg      Config
	hub      *Hub
	ctrl     Controller
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	ctx      context.Context
	httpSrv  *http.Server
	listener net.Listener
}

func NewServer(cfg Config, hub *Hub, ctrl Controller) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	s := &Server{
		cfg:  cfg,
		hub:  hub,
		ctrl: ctrl,
		ctx:  context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	return r
}

// Handler returns the feed routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Close or ctx
// cancellation.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.ctx = ctx
	s.httpSrv = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("feed: server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	slog.Info("feed: listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	s.hub.closeAll()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ctrl.Status()); err != nil {
		slog.Debug("feed: failed to write status", "error", err)
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("feed: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, s.cfg.QueueSize)
	s.hub.add(c)
	status := s.ctrl.Status()
	c.reply(Message{Type: MessageStatus, Status: &status})

	go c.writeLoop()
	go func() {
		defer func() {
			s.hub.remove(c)
			c.close()
		}()
		c.readLoop(s.handleCommand)
	}()
}

func (s *Server) handleCommand(c *client, cmd Command) {
	switch cmd.Type {
	case CommandRegister:
		s.ctrl.RegisterField(cmd.Field, cmd.Scoped)
	case CommandUnregister:
		s.ctrl.UnregisterField(cmd.Field)
	case CommandFocus:
		s.ctrl.FocusField(cmd.Field)
	case CommandKey:
		at := time.Now()
		if cmd.Timestamp > 0 {
			at = time.UnixMilli(cmd.Timestamp)
		}
		s.ctrl.KeyPress(domain.KeyEvent{Field: cmd.Field, Key: cmd.Key, Timestamp: at})
	case CommandManual:
		s.ctrl.ManualEntry(cmd.Field, cmd.Text)
	case CommandOpen:
		status, err := s.ctrl.OpenCamera(s.baseContext())
		s.replyStatus(c, status, err)
	case CommandRetry:
		status, err := s.ctrl.RetryCamera(s.baseContext())
		s.replyStatus(c, status, err)
	case CommandClose:
		// Closing with nothing open is not an error for clients.
		_ = s.ctrl.CloseCamera()
		s.replyStatus(c, s.ctrl.Status(), nil)
	case CommandStatus:
		s.replyStatus(c, s.ctrl.Status(), nil)
	default:
		c.reply(Message{Type: MessageError, Code: ErrorCodeCommand, Detail: fmt.Sprintf("unknown command %q", cmd.Type)})
	}
}

func (s *Server) replyStatus(c *client, status domain.CameraStatus, err error) {
	if err != nil {
		slog.Debug("feed: command reported an error", "client", c.id, "error", err)
	}
	c.reply(Message{Type: MessageStatus, Status: &status})
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// checkOrigin admits clients without an Origin header and browser pages on
// the allow-list. With no allow-list only same-host and loopback pages may
// connect.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return sameHostOrLoopback(origin, r.Host)
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

func sameHostOrLoopback(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	name := u.Hostname()
	if strings.EqualFold(name, "localhost") {
		return true
	}
	ip := net.ParseIP(name)
	return ip != nil && ip.IsLoopback()
}
