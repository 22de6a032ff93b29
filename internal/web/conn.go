package web

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scribed/internal/protocol"
)

var (
	// ErrSendQueueFull is returned when a browser view does not keep up.
	// The connection is closed.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// wsView is a websocket-backed view. The read pump feeds the host; a single
// write pump owns all writes to the socket, including pings.
type wsView struct {
	id   string
	path string
	ws   *websocket.Conn

	sendq     chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newView(id, path string, ws *websocket.Conn, queue int) *wsView {
	return &wsView{
		id:    id,
		path:  path,
		ws:    ws,
		sendq: make(chan *protocol.Message, queue),
		done:  make(chan struct{}),
	}
}

func (v *wsView) ID() string { return v.id }

func (v *wsView) Done() <-chan struct{} { return v.done }

func (v *wsView) Send(msg *protocol.Message) error {
	select {
	case <-v.done:
		return ErrConnClosed
	default:
	}
	select {
	case v.sendq <- msg:
		return nil
	case <-v.done:
		return ErrConnClosed
	default:
		v.Close()
		return ErrSendQueueFull
	}
}

func (v *wsView) Close() error {
	v.closeOnce.Do(func() {
		close(v.done)
		v.ws.Close()
	})
	return nil
}

func (v *wsView) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer v.Close()

	for {
		select {
		case <-v.done:
			return
		case msg := <-v.sendq:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			v.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			v.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame before tearing the connection down.
func (v *wsView) closeWith(code int, reason string, writeTimeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	v.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	v.Close()
}
