// Package web serves document views to browsers over websockets.
//
// A browser attaches to one document with GET /ws?path=...; the socket then
// carries the same JSON messages as the local socket transport, one message
// per text frame, without the handshake. When a token secret is configured
// every request must carry a token scoped to the requested path.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"scribed/internal/logging"
	"scribed/internal/protocol"
	"scribed/internal/registry"
)

// Host is the document host the web server fronts.
type Host interface {
	Attach(ctx context.Context, path string, view registry.View) error
	HandleView(ctx context.Context, view registry.View, msg *protocol.Message) error
	Detach(view registry.View)
	Outline(path string) (any, error)
	Status() any
}

// Config configures the web server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendQueue    int
	MaxMessage   int64
	// Tokens, when set, enforces path-scoped tokens on /ws and /outline.
	Tokens *Tokens
	// Health and Metrics, when set, serve /healthz and /metrics.
	Health  http.Handler
	Metrics http.Handler
	Logger  *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
		SendQueue:    256,
		MaxMessage:   16 << 20,
	}
}

// Server is the HTTP and websocket front end.
type Server struct {
	cfg      Config
	host     Host
	log      *logging.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer builds the router. Start begins serving.
func NewServer(cfg Config, host Host) *Server {
	def := DefaultConfig(cfg.Addr)
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = def.MaxMessage
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:  cfg,
		host: host,
		log:  log.WithComponent("web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/outline", s.handleOutline).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if cfg.Health != nil {
		r.Handle("/healthz", cfg.Health).Methods(http.MethodGet)
	} else {
		r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web server stopped", "error", err)
		}
	}()
	s.log.Info("listening", "addr", l.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops accepting requests and closes every websocket view.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) authorize(r *http.Request, path string) error {
	if s.cfg.Tokens == nil {
		return nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	return s.cfg.Tokens.Verify(token, path)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	if err := s.authorize(r, path); err != nil {
		s.log.Info("view refused", "path", path, "error", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "error", err)
		return
	}
	v := newView(uuid.NewString(), path, ws, s.cfg.SendQueue)
	log := s.log.ForConn(v.id, "ws").With("path", path)

	if err := s.host.Attach(s.ctx, path, v); err != nil {
		log.Info("attach refused", "error", err)
		v.closeWith(websocket.ClosePolicyViolation, err.Error(), s.cfg.WriteTimeout)
		return
	}
	log.Debug("view attached", "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic("component", "web", "conn", v.id, "document", path, "loop", "write")
		v.writePump(s.cfg.WriteTimeout, s.cfg.PingInterval)
	}()
	stop := context.AfterFunc(s.ctx, func() {
		v.closeWith(websocket.CloseGoingAway, "server shutting down", s.cfg.WriteTimeout)
	})
	defer stop()

	s.readPump(v, log)
	s.host.Detach(v)
	v.Close()
	log.Debug("view detached")
}

// readPump returns normally after a panic so the view is still detached.
func (s *Server) readPump(v *wsView, log *logging.Logger) {
	defer logging.RecoverPanic("component", "web", "conn", v.id, "document", v.path, "loop", "read")
	v.ws.SetReadLimit(s.cfg.MaxMessage)
	v.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	v.ws.SetPongHandler(func(string) error {
		return v.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		kind, data, err := v.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		v.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("invalid message dropped", "error", err)
			continue
		}
		switch msg.Command {
		case protocol.CmdPing:
			continue
		case protocol.CmdHandshake:
			log.Debug("handshake ignored on websocket")
			continue
		}
		if err := s.host.HandleView(s.ctx, v, msg); err != nil {
			log.Debug("view message failed", "command", msg.Command, "error", err)
		}
	}
}

func (s *Server) handleOutline(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path required"))
		return
	}
	if err := s.authorize(r, path); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	out, err := s.host.Outline(path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens != nil {
		writeError(w, http.StatusForbidden, errors.New("status is only served without tokens"))
		return
	}
	writeJSON(w, http.StatusOK, s.host.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
