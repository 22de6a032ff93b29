package syncctl

import (
	"encoding/json"
	"fmt"
	"sync"

	"scribed/internal/document"
	"scribed/internal/protocol"
	"scribed/internal/version"
)

// Replica is the view side of the sync exchange: a local copy of both fields
// with its own clock. It turns local edits into sync messages and inbound
// messages into replies.
type Replica struct {
	clock *version.Clock

	mu     sync.Mutex
	state  document.Snapshot
	synced bool

	// OnRemoteChange, when set, runs after a field was adopted from the host.
	OnRemoteChange func(document.Snapshot)
	// OnCommand, when set, receives selectReference, alignReference and
	// selectLine commands.
	OnCommand func(*protocol.Message)
}

// NewReplica returns an empty replica. A nil clock gets a fresh one.
func NewReplica(clock *version.Clock) *Replica {
	if clock == nil {
		clock = version.NewClock()
	}
	return &Replica{clock: clock}
}

// ID returns the replica id stamped on local versions.
func (r *Replica) ID() string { return r.clock.Replica() }

// Snapshot returns the local state.
func (r *Replica) Snapshot() document.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Synced reports whether the host state has been received at least once.
func (r *Replica) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// Ready returns the bootstrap request.
func (r *Replica) Ready() *protocol.Message {
	return &protocol.Message{Command: protocol.CmdReady}
}

// Edit replaces the local content and returns the sync message to send.
// It returns nil when the text is unchanged.
func (r *Replica) Edit(text string) (*protocol.Message, error) {
	r.mu.Lock()
	if text == r.state.Content.Payload {
		r.mu.Unlock()
		return nil, nil
	}
	r.state.Content = version.Field[string]{Version: r.clock.Next(r.state.Content.Version), Payload: text}
	snap := r.state
	r.mu.Unlock()
	return protocol.WithContent(protocol.CmdSync, snap)
}

// SetSideband replaces the local sideband and returns the sync message.
func (r *Replica) SetSideband(payload json.RawMessage) (*protocol.Message, error) {
	r.mu.Lock()
	r.state.Sideband = version.Field[json.RawMessage]{
		Version: r.clock.Next(r.state.Sideband.Version),
		Payload: append(json.RawMessage(nil), payload...),
	}
	snap := r.state
	r.mu.Unlock()
	return protocol.WithContent(protocol.CmdSync, snap)
}

// Receive applies a host message and returns the messages to send back.
//
// A sync is merged per field; if the host was behind on any field the full
// local state is returned to it. A flushUpdates is answered with the local
// state followed by the acknowledgement.
func (r *Replica) Receive(msg *protocol.Message) ([]*protocol.Message, error) {
	switch msg.Command {
	case protocol.CmdSync:
		var remote document.Snapshot
		if err := msg.DecodeContent(&remote); err != nil {
			return nil, fmt.Errorf("decode sync: %w", err)
		}
		return r.merge(remote)

	case protocol.CmdFlushUpdates:
		snap := r.Snapshot()
		sync, err := protocol.WithContent(protocol.CmdSync, snap)
		if err != nil {
			return nil, err
		}
		return []*protocol.Message{sync, protocol.Reply(msg.RequestID, true, nil)}, nil

	case protocol.CmdSelectReference, protocol.CmdAlignReference, protocol.CmdSelectLine:
		if r.OnCommand != nil {
			r.OnCommand(msg)
		}
		return nil, nil

	case protocol.CmdResponse, protocol.CmdPing:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, msg.Command)
	}
}

func (r *Replica) merge(remote document.Snapshot) ([]*protocol.Message, error) {
	r.mu.Lock()
	untouched := r.state.Content.Version.IsZero() && r.state.Sideband.Version.IsZero()
	if !r.synced && untouched {
		r.state = remote
		r.synced = true
		r.clock.Observe(remote.Content.Version, remote.Sideband.Version)
		snap := r.state
		r.mu.Unlock()
		if r.OnRemoteChange != nil {
			r.OnRemoteChange(snap)
		}
		return nil, nil
	}

	r.synced = true
	c := version.Merge(r.state.Content, remote.Content)
	s := version.Merge(r.state.Sideband, remote.Sideband)
	r.state = document.Snapshot{Content: c.Result, Sideband: s.Result}
	r.clock.Observe(remote.Content.Version, remote.Sideband.Version)
	snap := r.state
	r.mu.Unlock()

	if (c.LocalIsStale || s.LocalIsStale) && r.OnRemoteChange != nil {
		r.OnRemoteChange(snap)
	}
	if c.RemoteIsStale || s.RemoteIsStale {
		reply, err := protocol.WithContent(protocol.CmdSync, snap)
		if err != nil {
			return nil, err
		}
		return []*protocol.Message{reply}, nil
	}
	return nil, nil
}
