package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ErrDaemonRunning is returned by Start when another daemon already serves
// the socket.
var ErrDaemonRunning = errors.New("daemon already listening on socket")

// ErrPeerRejected is returned when a connecting process belongs to another user.
var ErrPeerRejected = errors.New("peer is not the current user")

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// listenUnix prepares the socket path and listens on it with owner-only
// permissions. A stale socket is removed; a live one is left alone.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	info, err := os.Lstat(path)
	switch {
	case err == nil && info.Mode()&os.ModeSocket == 0:
		return nil, fmt.Errorf("path exists but is not a socket: %s", path)
	case err == nil:
		if IsSocketListening(path) {
			return nil, ErrDaemonRunning
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return listener, nil
}

// IsSocketListening checks if a socket is already accepting connections.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// verifyPeer rejects connections from other users.
func verifyPeer(conn net.Conn) error {
	cred, err := GetPeerCredentials(conn)
	if errors.Is(err, errPeerCredentialsUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if cred.UID != os.Getuid() {
		return fmt.Errorf("%w: uid %d", ErrPeerRejected, cred.UID)
	}
	return nil
}

var errPeerCredentialsUnsupported = errors.New("peer credentials unsupported on this platform")
