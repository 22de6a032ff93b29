package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scribed/internal/logging"
	"scribed/internal/protocol"
)

var (
	// ErrSendQueueFull is returned when a peer does not drain its messages.
	// The connection is closed.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrHandshakeRequired is sent to a peer whose first message is not a
	// handshake.
	ErrHandshakeRequired = errors.New("first message must be a handshake")
)

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath       string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxConnections   int
	SendQueue        int
	VerifyPeer       bool
	Authorize        Authorizer
	Logger           *logging.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:       socketPath,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxConnections:   100,
		SendQueue:        256,
		VerifyPeer:       true,
	}
}

// Server accepts view and control connections on a Unix socket.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *logging.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*Conn

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a server. Start begins listening.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if handler == nil {
		return nil, errors.New("ipc: handler required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log.WithComponent("ipc"),
		conns:   make(map[string]*Conn),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	listener, err := listenUnix(s.cfg.SocketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to drain")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Clients describes the open connections, oldest first.
func (s *Server) Clients() []ConnInfo {
	s.mu.RLock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.cfg.VerifyPeer {
			if err := verifyPeer(conn); err != nil {
				s.log.Warn("connection rejected", "error", err)
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		c := newConn(uuid.NewString(), conn, s.cfg.SendQueue, s.cfg.WriteTimeout)
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			defer logging.RecoverPanic("component", "ipc", "conn", c.id, "loop", "write")
			c.writeLoop()
		}()
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *Conn) {
	defer s.wg.Done()
	log := s.log.ForConn(c.id, "unix")
	var doc string
	defer func() {
		if v := recover(); v != nil {
			logging.DefaultCrashHandler().Handle(v, "component", "ipc", "conn", c.id, "document", doc)
		}
	}()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.Close()
		log.Debug("connection closed")
	}()

	hello, path, err := s.handshake(c)
	if err != nil {
		log.Debug("handshake failed", "error", err)
		c.writeNow(&protocol.Message{Command: protocol.CmdHandshake, Error: err.Error()})
		return
	}
	log = log.With("role", hello.Role, "client", hello.Client)
	doc = path

	if hello.Role == protocol.RoleView {
		if err := s.handler.Attach(s.ctx, path, c); err != nil {
			log.Info("attach refused", "path", path, "error", err)
			c.writeNow(&protocol.Message{Command: protocol.CmdHandshake, Error: err.Error()})
			return
		}
		defer s.handler.Detach(c)
		log = log.With("path", path)
	}
	c.Send(protocol.NewHandshake(path, protocol.Hello{Role: hello.Role, Client: c.id}))
	log.Debug("connection established")

	for {
		msg, err := s.read(c, s.cfg.ReadTimeout)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.Send(&protocol.Message{Command: protocol.CmdPing})
				continue
			}
			if errors.Is(err, protocol.ErrInvalidMessage) {
				log.Warn("invalid message dropped", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		c.touch()

		if msg.Command == protocol.CmdPing {
			continue
		}
		if hello.Role == protocol.RoleControl {
			c.Send(s.handler.HandleControl(s.ctx, msg))
			continue
		}
		if err := s.handler.HandleView(s.ctx, c, msg); err != nil {
			log.Debug("view message failed", "command", msg.Command, "error", err)
		}
	}
}

func (s *Server) handshake(c *Conn) (protocol.Hello, string, error) {
	var hello protocol.Hello
	msg, err := s.read(c, s.cfg.HandshakeTimeout)
	if err != nil {
		return hello, "", err
	}
	if msg.Command != protocol.CmdHandshake {
		return hello, "", ErrHandshakeRequired
	}
	if err := msg.DecodeResponse(&hello); err != nil {
		return hello, "", fmt.Errorf("decode handshake: %w", err)
	}
	switch hello.Role {
	case protocol.RoleView:
		if msg.CommandArg == "" {
			return hello, "", errors.New("view handshake requires a document path")
		}
	case protocol.RoleControl:
	default:
		return hello, "", fmt.Errorf("unknown role %q", hello.Role)
	}
	if s.cfg.Authorize != nil {
		if err := s.cfg.Authorize(msg.CommandArg, hello); err != nil {
			return hello, "", err
		}
	}
	c.setRole(hello, msg.CommandArg)
	return hello, msg.CommandArg, nil
}

func (s *Server) read(c *Conn, timeout time.Duration) (*protocol.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(body)
}
