package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"scribed/internal/protocol"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Command protocol.Command
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// ClientConfig configures the IPC clients.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	Token          string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "scribectl",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// dial connects and completes the handshake. It returns the connection id
// the server assigned.
func dial(ctx context.Context, cfg ClientConfig, path, role string) (net.Conn, string, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, "", fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
		}
		return nil, "", fmt.Errorf("connect: %w", err)
	}

	hello := protocol.Hello{Role: role, Client: cfg.ClientName, Token: cfg.Token}
	conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	if err := protocol.WriteFrame(conn, protocol.NewHandshake(path, hello)); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("handshake: %w", err)
	}
	ack, err := readMessage(conn)
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})

	if ack.Command != protocol.CmdHandshake {
		conn.Close()
		return nil, "", fmt.Errorf("handshake: unexpected %s", ack.Command)
	}
	if ack.Error != "" {
		conn.Close()
		return nil, "", &RemoteError{Command: protocol.CmdHandshake, Message: ack.Error}
	}
	var got protocol.Hello
	if err := ack.DecodeResponse(&got); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("handshake: %w", err)
	}
	return conn, got.Client, nil
}

func readMessage(conn net.Conn) (*protocol.Message, error) {
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(body)
}

// ControlClient issues control commands to the daemon.
type ControlClient struct {
	cfg  ClientConfig
	conn net.Conn
	id   string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.Message
	nextReqID atomic.Uint64

	lost      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialControl connects a control client.
func DialControl(ctx context.Context, cfg ClientConfig) (*ControlClient, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	conn, id, err := dial(ctx, cfg, "", protocol.RoleControl)
	if err != nil {
		return nil, err
	}
	c := &ControlClient{
		cfg:     cfg,
		conn:    conn,
		id:      id,
		pending: make(map[uint64]chan *protocol.Message),
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// ID returns the connection id assigned by the daemon.
func (c *ControlClient) ID() string { return c.id }

// Close closes the connection and fails pending calls.
func (c *ControlClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// Call sends a control command and decodes the response into out, which
// may be nil.
func (c *ControlClient) Call(ctx context.Context, cmd protocol.Command, args protocol.ControlArgs, out any) error {
	msg, err := protocol.WithContent(cmd, args)
	if err != nil {
		return err
	}
	switch cmd {
	case protocol.CmdSelectReference, protocol.CmdAlignReference:
		msg.CommandArg = args.Reference
	case protocol.CmdSelectLine:
		line := args.Line
		msg.LineNumber = &line
	}
	reqID := c.nextReqID.Add(1)
	msg.RequestID = reqID

	respChan := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = protocol.WriteFrame(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Error != "" {
			return &RemoteError{Command: cmd, Message: resp.Error}
		}
		if out != nil && len(resp.Response) > 0 {
			if err := json.Unmarshal(resp.Response, out); err != nil {
				return fmt.Errorf("decode %s response: %w", cmd, err)
			}
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-c.lost:
		return ErrConnectionLost
	case <-c.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ControlClient) readLoop() {
	defer c.wg.Done()
	defer close(c.lost)
	defer func() {
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	for {
		msg, err := readMessage(c.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				continue
			}
			return
		}
		if msg.Command != protocol.CmdResponse {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}
