// Package ipc carries the view protocol and control commands over a local
// Unix socket.
//
// Every connection opens with a handshake naming its role. A view
// connection is bound to one document and then exchanges sync traffic; a
// control connection sends request/response commands such as save or
// status.
package ipc

import (
	"context"

	"scribed/internal/protocol"
	"scribed/internal/registry"
)

// Handler is the host behind the socket.
type Handler interface {
	// Attach binds a freshly handshaken view to the document at path.
	Attach(ctx context.Context, path string, view registry.View) error

	// HandleView processes one message from an attached view. Messages
	// from one view arrive in order.
	HandleView(ctx context.Context, view registry.View, msg *protocol.Message) error

	// Detach releases a view whose connection ended.
	Detach(view registry.View)

	// HandleControl answers one control command.
	HandleControl(ctx context.Context, msg *protocol.Message) *protocol.Message
}

// Authorizer vets the handshake of a connection before it is served.
type Authorizer func(path string, hello protocol.Hello) error
