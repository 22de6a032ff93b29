// Package syncctl mediates the message protocol between a document and the
// views attached to it.
//
// Each inbound sync is merged field by field with last-writer-wins. Adopted
// state is broadcast to every other ready view of the document; a sender
// holding an older field gets the full current state back, and only the
// sender. Requests the host sends (flushUpdates) are correlated by a
// per-controller request id.
package syncctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"scribed/internal/document"
	"scribed/internal/logging"
	"scribed/internal/protocol"
	"scribed/internal/registry"
)

// DefaultFlushTimeout bounds how long a save waits for one view.
const DefaultFlushTimeout = 5 * time.Second

var (
	// ErrFlushTimeout is logged when a view does not acknowledge a flush in
	// time. The flush proceeds without it.
	ErrFlushTimeout = errors.New("flush acknowledgement timed out")

	// ErrViewGone is returned for requests to a view that disconnected.
	ErrViewGone = errors.New("view disconnected")

	// ErrControllerClosed is returned for requests pending at Close.
	ErrControllerClosed = errors.New("controller closed")

	// ErrUnsupported is returned for commands a view may not send.
	ErrUnsupported = errors.New("unsupported command")

	// ErrNoHostServices answers getConfiguration and getFile when no
	// HostServices were configured.
	ErrNoHostServices = errors.New("host services unavailable")
)

// HostServices answers view requests that reach outside the document.
type HostServices interface {
	GetConfiguration(ctx context.Context, key string) (any, error)
	GetFile(ctx context.Context, documentURI, name string) (string, error)
}

// Options configures a Controller.
type Options struct {
	Registry     *registry.Registry
	Services     HostServices
	FlushTimeout time.Duration
	Logger       *logging.Logger
}

// Controller owns the sync exchange for one open document.
type Controller struct {
	doc          *document.Document
	key          string
	reg          *registry.Registry
	services     HostServices
	flushTimeout time.Duration
	log          *logging.Logger

	// mu serializes ready and sync handling against the document.
	mu sync.Mutex

	viewsMu sync.Mutex
	ready   map[string]bool

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.Message

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// New attaches a controller to doc. Views are looked up in the registry
// under key. The controller becomes the document's flusher.
func New(doc *document.Document, key string, opts Options) *Controller {
	c := &Controller{
		doc:          doc,
		key:          key,
		reg:          opts.Registry,
		services:     opts.Services,
		flushTimeout: opts.FlushTimeout,
		log:          opts.Logger,
		ready:        make(map[string]bool),
		pending:      make(map[uint64]chan *protocol.Message),
		done:         make(chan struct{}),
	}
	if c.reg == nil {
		c.reg = registry.New()
	}
	if c.flushTimeout <= 0 {
		c.flushTimeout = DefaultFlushTimeout
	}
	if c.log == nil {
		c.log = logging.Default()
	}
	c.log = c.log.ForDocument("syncctl", key)

	c.unsubscribe = doc.OnDidChange(c.broadcast)
	doc.SetFlusher(c)
	return c
}

// Document returns the controlled document.
func (c *Controller) Document() *document.Document { return c.doc }

// Key returns the registry key of the document.
func (c *Controller) Key() string { return c.key }

// Handle processes one inbound message from view. Messages from one view
// must be handled in arrival order.
func (c *Controller) Handle(ctx context.Context, view registry.View, msg *protocol.Message) error {
	switch msg.Command {
	case protocol.CmdReady:
		return c.handleReady(view)
	case protocol.CmdSync:
		return c.handleSync(view, msg)
	case protocol.CmdResponse:
		c.resolve(msg)
		return nil
	case protocol.CmdGetConfiguration:
		return c.answer(ctx, view, msg, func(ctx context.Context) (any, error) {
			if c.services == nil {
				return nil, ErrNoHostServices
			}
			return c.services.GetConfiguration(ctx, msg.CommandArg)
		})
	case protocol.CmdGetFile:
		return c.answer(ctx, view, msg, func(ctx context.Context) (any, error) {
			if c.services == nil {
				return nil, ErrNoHostServices
			}
			return c.services.GetFile(ctx, c.doc.URI(), msg.CommandArg)
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, msg.Command)
	}
}

func (c *Controller) handleReady(view registry.View) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc.IsClosed() {
		c.log.Debug("ready for closed document dropped", "view", view.ID())
		return nil
	}
	c.viewsMu.Lock()
	c.ready[view.ID()] = true
	c.viewsMu.Unlock()

	return c.sendState(view, c.doc.Snapshot())
}

func (c *Controller) handleSync(view registry.View, msg *protocol.Message) error {
	var remote document.Snapshot
	if err := msg.DecodeContent(&remote); err != nil {
		return fmt.Errorf("decode sync: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.doc.ApplyEdit(remote, view.ID())
	if out.Closed {
		c.log.Debug("sync for closed document dropped", "view", view.ID())
		return nil
	}
	if !out.Adopted && !out.SenderStale {
		c.log.Debug("sync was a no-op", "view", view.ID())
	}
	if out.SenderStale {
		c.log.Debug("correcting stale view", "view", view.ID())
		return c.sendState(view, out.Current)
	}
	return nil
}

// broadcast pushes a committed change to every ready view except its origin.
func (c *Controller) broadcast(ev document.ChangeEvent) {
	msg, err := protocol.WithContent(protocol.CmdSync, ev.Snapshot)
	if err != nil {
		c.log.Error("encode broadcast", "error", err)
		return
	}
	for _, v := range c.reg.ViewsOf(c.key) {
		if v.ID() == ev.Origin || !c.IsReady(v.ID()) {
			continue
		}
		c.send(v, msg)
	}
}

// IsReady reports whether the view has sent ready and receives broadcasts.
func (c *Controller) IsReady(id string) bool {
	c.viewsMu.Lock()
	defer c.viewsMu.Unlock()
	return c.ready[id]
}

// Forget drops per-view state once a view detaches.
func (c *Controller) Forget(viewID string) {
	c.viewsMu.Lock()
	delete(c.ready, viewID)
	c.viewsMu.Unlock()
}

func (c *Controller) sendState(view registry.View, snap document.Snapshot) error {
	msg, err := protocol.WithContent(protocol.CmdSync, snap)
	if err != nil {
		return err
	}
	c.send(view, msg)
	return nil
}

func (c *Controller) send(view registry.View, msg *protocol.Message) {
	if err := view.Send(msg); err != nil {
		c.log.Debug("send failed", "view", view.ID(), "command", msg.Command, "error", err)
	}
}

func (c *Controller) answer(ctx context.Context, view registry.View, msg *protocol.Message, fn func(context.Context) (any, error)) error {
	result, err := fn(ctx)
	if err != nil {
		c.log.Debug("request failed", "view", view.ID(), "command", msg.Command, "arg", msg.CommandArg, "error", err)
	}
	c.send(view, protocol.Reply(msg.RequestID, result, err))
	return nil
}

// request sends msg with a fresh request id and waits for the matching
// response.
func (c *Controller) request(ctx context.Context, view registry.View, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan *protocol.Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	out := *msg
	out.RequestID = id
	if err := view.Send(&out); err != nil {
		return nil, fmt.Errorf("send %s: %w", out.Command, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-view.Done():
		return nil, ErrViewGone
	case <-timer.C:
		return nil, ErrFlushTimeout
	case <-c.done:
		return nil, ErrControllerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands a response to its waiting request. Unknown and duplicate
// ids are dropped.
func (c *Controller) resolve(msg *protocol.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("unmatched response dropped", "request_id", msg.RequestID)
		return
	}
	ch <- msg
}

// Pending returns the number of outstanding requests.
func (c *Controller) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Flush asks every view of the document to report its pending edits and
// waits for all acknowledgements. A view that misses the timeout or
// disconnects is skipped. Flush only fails when ctx ends.
func (c *Controller) Flush(ctx context.Context) error {
	views := c.reg.ViewsOf(c.key)
	if len(views) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range views {
		v := v
		g.Go(func() error {
			start := time.Now()
			_, err := c.request(gctx, v, &protocol.Message{Command: protocol.CmdFlushUpdates}, c.flushTimeout)
			switch {
			case err == nil:
				c.log.Debug("view flushed", "view", v.ID(), "elapsed", time.Since(start))
				return nil
			case errors.Is(err, ErrFlushTimeout), errors.Is(err, ErrViewGone), errors.Is(err, ErrControllerClosed):
				c.log.Warn("proceeding without view", "view", v.ID(), "error", err)
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				c.log.Warn("flush request failed", "view", v.ID(), "error", err)
				return nil
			}
		})
	}
	return g.Wait()
}

// Select asks the document's views to reveal a location path.
func (c *Controller) Select(ref string) {
	c.sendAll(&protocol.Message{Command: protocol.CmdSelectReference, CommandArg: ref})
}

// Align asks the document's views to align a location path.
func (c *Controller) Align(ref string) {
	c.sendAll(&protocol.Message{Command: protocol.CmdAlignReference, CommandArg: ref})
}

// SelectLine asks the document's views to select a line.
func (c *Controller) SelectLine(line int) {
	c.sendAll(protocol.NewSelectLine(line))
}

func (c *Controller) sendAll(msg *protocol.Message) {
	for _, v := range c.reg.ViewsOf(c.key) {
		c.send(v, msg)
	}
}

// Close detaches from the document and fails all pending requests.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()
		c.doc.SetFlusher(nil)
	})
}
