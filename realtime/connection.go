package realtime

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Close codes sent when a connection is rejected.
const (
	CloseAuthFailed = 4001
	CloseInternal   = 4002
)

// ErrConnectionClosed is returned by Send once a connection was disconnected.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the write side of one client channel. Implementations must be
// safe for concurrent use and must return an error instead of panicking on a
// broken peer.
type Transport interface {
	Send(msg []byte) error
	Close(code int, reason string) error
}

// Connection is one registered client channel of a user.
type Connection struct {
	ID          string
	UserID      int64
	Username    string
	ConnectedAt time.Time

	transport Transport
	closed    atomic.Bool
}

func newConnection(userID int64, username string, t Transport) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		ConnectedAt: time.Now(),
		transport:   t,
	}
}

// Send writes msg to the transport. It never panics.
func (c *Connection) Send(msg []byte) (err error) {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("transport panicked during send")
		}
	}()
	return c.transport.Send(msg)
}

// Closed reports whether the connection was disconnected.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// shutdown marks the connection closed and closes the transport once.
func (c *Connection) shutdown(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.transport.Close(code, reason)
}
