package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"scribed/internal/logging"
	"scribed/internal/protocol"
	"scribed/internal/syncctl"
)

// ViewConfig configures a ViewClient.
type ViewConfig struct {
	ClientConfig

	// Path is the document the view attaches to.
	Path string

	// MaxReconnectWait caps the backoff between reconnect attempts.
	MaxReconnectWait time.Duration

	Logger *logging.Logger
}

// ViewClient is a socket-backed view. It mirrors the document in a
// syncctl.Replica, answers host requests, and reconnects with exponential
// backoff when the daemon goes away.
type ViewClient struct {
	cfg     ViewConfig
	replica *syncctl.Replica
	log     *logging.Logger

	mu     sync.Mutex
	conn   net.Conn
	connID string

	writeMu   sync.Mutex
	connected atomic.Bool
	attached  chan struct{}

	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.Message
	nextReqID atomic.Uint64
}

// NewViewClient creates a view client around replica. A nil replica gets a
// fresh one.
func NewViewClient(cfg ViewConfig, replica *syncctl.Replica) *ViewClient {
	if replica == nil {
		replica = syncctl.NewReplica(nil)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = 10 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "scribed-view"
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &ViewClient{
		cfg:      cfg,
		replica:  replica,
		log:      log.WithComponent("view").With("path", cfg.Path),
		attached: make(chan struct{}, 1),
		pending:  make(map[uint64]chan *protocol.Message),
	}
}

// Replica returns the local mirror.
func (v *ViewClient) Replica() *syncctl.Replica { return v.replica }

// Connected reports whether the view currently has a live connection.
func (v *ViewClient) Connected() bool { return v.connected.Load() }

// ConnID returns the id the daemon assigned to the current connection.
func (v *ViewClient) ConnID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connID
}

// Attached delivers a value each time a connection completes its
// handshake.
func (v *ViewClient) Attached() <-chan struct{} { return v.attached }

// Run connects and serves until ctx ends, reconnecting with exponential
// backoff. A handshake refused by the daemon ends Run with that error.
func (v *ViewClient) Run(ctx context.Context) error {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = v.cfg.MaxReconnectWait
		b.MaxElapsedTime = 0

		var conn net.Conn
		err := backoff.RetryNotify(func() error {
			c, err := v.connect(ctx)
			if err != nil {
				var remote *RemoteError
				if errors.As(err, &remote) {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			v.log.Debug("connect failed, retrying", "error", err, "wait", wait)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		v.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		v.log.Info("connection lost, reconnecting")
	}
}

// Connect makes a single connection and serves it in the background.
func (v *ViewClient) Connect(ctx context.Context) error {
	conn, err := v.connect(ctx)
	if err != nil {
		return err
	}
	go v.serve(ctx, conn)
	return nil
}

func (v *ViewClient) connect(ctx context.Context) (net.Conn, error) {
	conn, id, err := dial(ctx, v.cfg.ClientConfig, v.cfg.Path, protocol.RoleView)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.conn = conn
	v.connID = id
	v.mu.Unlock()
	v.connected.Store(true)

	if err := v.send(v.replica.Ready()); err != nil {
		v.drop(conn)
		return nil, err
	}
	select {
	case v.attached <- struct{}{}:
	default:
	}
	v.log.Debug("attached", "conn", id)
	return conn, nil
}

func (v *ViewClient) serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer v.drop(conn)

	for {
		msg, err := readMessage(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				v.log.Warn("invalid message from host", "error", err)
				continue
			}
			return
		}
		if msg.Command == protocol.CmdPing {
			continue
		}
		if msg.Command == protocol.CmdResponse && v.resolve(msg) {
			continue
		}
		replies, err := v.replica.Receive(msg)
		if err != nil {
			v.log.Debug("message rejected", "command", msg.Command, "error", err)
			continue
		}
		for _, r := range replies {
			if err := v.send(r); err != nil {
				return
			}
		}
	}
}

// drop closes conn and, if it was the live connection, fails every request
// still waiting on it.
func (v *ViewClient) drop(conn net.Conn) {
	conn.Close()
	v.mu.Lock()
	live := v.conn == conn
	if live {
		v.conn = nil
		v.connected.Store(false)
	}
	v.mu.Unlock()
	if !live {
		return
	}

	v.pendingMu.Lock()
	waiting := v.pending
	v.pending = make(map[uint64]chan *protocol.Message)
	v.pendingMu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func (v *ViewClient) send(msg *protocol.Message) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return protocol.WriteFrame(conn, msg)
}

// Edit replaces the local text and pushes it to the host. When offline the
// edit is kept and reconciled on reconnect; ErrNotConnected is returned.
func (v *ViewClient) Edit(text string) error {
	msg, err := v.replica.Edit(text)
	if err != nil || msg == nil {
		return err
	}
	return v.send(msg)
}

// SetSideband replaces the local sideband and pushes it to the host.
func (v *ViewClient) SetSideband(payload json.RawMessage) error {
	msg, err := v.replica.SetSideband(payload)
	if err != nil {
		return err
	}
	return v.send(msg)
}

// Request sends a getConfiguration or getFile request and decodes the
// host's answer into out.
func (v *ViewClient) Request(ctx context.Context, cmd protocol.Command, arg string, out any) error {
	id := v.nextReqID.Add(1)
	ch := make(chan *protocol.Message, 1)
	v.pendingMu.Lock()
	v.pending[id] = ch
	v.pendingMu.Unlock()
	defer func() {
		v.pendingMu.Lock()
		delete(v.pending, id)
		v.pendingMu.Unlock()
	}()

	if err := v.send(&protocol.Message{Command: cmd, CommandArg: arg, RequestID: id}); err != nil {
		return err
	}

	timeout := v.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if resp.Error != "" {
			return &RemoteError{Command: cmd, Message: resp.Error}
		}
		if out != nil && len(resp.Response) > 0 {
			return json.Unmarshal(resp.Response, out)
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *ViewClient) resolve(msg *protocol.Message) bool {
	v.pendingMu.Lock()
	ch, ok := v.pending[msg.RequestID]
	delete(v.pending, msg.RequestID)
	v.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}
