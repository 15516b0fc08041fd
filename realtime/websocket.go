package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const websocketNormalClosure = websocket.CloseNormalClosure

var pongMessage = []byte(`{"type":"pong"}`)

// KeepAlive configures websocket liveness checks.
type KeepAlive struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

// DefaultKeepAlive pings every 30s and drops peers silent for 60s.
var DefaultKeepAlive = KeepAlive{
	PingInterval: 30 * time.Second,
	PongWait:     60 * time.Second,
	WriteTimeout: 10 * time.Second,
}

func (k KeepAlive) withDefaults() KeepAlive {
	if k.PingInterval <= 0 {
		k.PingInterval = DefaultKeepAlive.PingInterval
	}
	if k.PongWait <= 0 {
		k.PongWait = DefaultKeepAlive.PongWait
	}
	if k.WriteTimeout <= 0 {
		k.WriteTimeout = DefaultKeepAlive.WriteTimeout
	}
	return k
}

// WSTransport adapts a gorilla websocket to Transport. Writes are serialized
// and bounded by the write timeout.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultKeepAlive.WriteTimeout
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *WSTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *WSTransport) Close(code int, reason string) error {
	deadline := time.Now().Add(t.writeTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

func (t *WSTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Serve runs the read loop of a registered websocket connection until the
// peer goes away, stops answering pings, or ctx is cancelled. The connection
// is always disconnected from the registry on return.
func (r *Registry) Serve(ctx context.Context, conn *Connection, t *WSTransport, ka KeepAlive) {
	ka = ka.withDefaults()
	defer r.Disconnect(conn)

	_ = t.conn.SetReadDeadline(time.Now().Add(ka.PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(ka.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(ka.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				r.Disconnect(conn)
				return
			case <-ticker.C:
				if err := t.ping(); err != nil {
					r.log.WithFields(log.Fields{
						"user":          conn.Username,
						"connection_id": conn.ID,
						"error":         err.Error(),
					}).Debug("realtime ping failed")
					r.Disconnect(conn)
					return
				}
			}
		}
	}()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.Closed() {
				r.log.WithFields(log.Fields{
					"user":          conn.Username,
					"connection_id": conn.ID,
					"error":         err.Error(),
				}).Warn("realtime read failed")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(ka.PongWait))
		if string(data) == "ping" {
			if err := conn.Send(pongMessage); err != nil {
				r.dropFailed(conn, err)
				return
			}
			continue
		}
		r.log.WithFields(log.Fields{
			"user":          conn.Username,
			"connection_id": conn.ID,
			"bytes":         len(data),
		}).Debug("realtime message ignored")
	}
}
