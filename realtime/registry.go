package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const shardCount = 32

// Verifier resolves a client credential to an identity.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (domain.Identity, error)
}

type userBucket struct {
	username string
	conns    map[*Connection]struct{}
}

type shard struct {
	mu    sync.Mutex
	users map[int64]*userBucket
}

// Registry tracks live connections per user and fans messages out to them.
// Users are spread over fixed shards with independent locks; no lock is held
// while verifying credentials or writing to a transport.
type Registry struct {
	verifier Verifier
	log      *log.Logger
	shards   [shardCount]shard
}

// NewRegistry creates an empty registry.
func NewRegistry(verifier Verifier, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Registry{verifier: verifier, log: logger}
	for i := range r.shards {
		r.shards[i].users = make(map[int64]*userBucket)
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	idx := userID % shardCount
	if idx < 0 {
		idx = -idx
	}
	return &r.shards[idx]
}

type establishedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	User    string `json:"user"`
}

// Connect verifies credential, registers t under the resolved user and sends
// the connection_established acknowledgment. On failure t is closed with
// CloseAuthFailed or CloseInternal and nothing is recorded.
func (r *Registry) Connect(ctx context.Context, t Transport, credential string) (*Connection, error) {
	ident, err := r.verify(ctx, credential)
	if err != nil {
		code, reason := CloseInternal, "Connection failed"
		if errors.Is(err, domain.ErrUnauthenticated) {
			code, reason = CloseAuthFailed, "Invalid token"
		} else if errors.Is(err, domain.ErrNotFound) {
			code, reason = CloseAuthFailed, "User not found"
		}
		r.log.WithFields(log.Fields{"code": code, "error": err.Error()}).Warn("realtime connection rejected")
		_ = t.Close(code, reason)
		return nil, err
	}

	conn := newConnection(ident.UserID, ident.Username, t)
	s := r.shardFor(conn.UserID)
	s.mu.Lock()
	b, ok := s.users[conn.UserID]
	if !ok {
		b = &userBucket{username: conn.Username, conns: make(map[*Connection]struct{})}
		s.users[conn.UserID] = b
	}
	b.conns[conn] = struct{}{}
	s.mu.Unlock()

	ack, err := sonic.Marshal(establishedMessage{
		Type:    "connection_established",
		Message: "WebSocket connection established",
		User:    conn.Username,
	})
	if err != nil {
		r.Disconnect(conn)
		return nil, fmt.Errorf("encoding ack: %w", err)
	}
	if err := conn.Send(ack); err != nil {
		r.dropFailed(conn, err)
		return nil, fmt.Errorf("sending ack: %w", err)
	}

	r.log.WithFields(log.Fields{
		"user":          conn.Username,
		"connection_id": conn.ID,
	}).Info("realtime connection established")
	return conn, nil
}

func (r *Registry) verify(ctx context.Context, credential string) (ident domain.Identity, err error) {
	if r.verifier == nil {
		return domain.Identity{}, errors.New("no verifier configured")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("verifier panicked: %v", p)
		}
	}()
	return r.verifier.VerifyToken(ctx, credential)
}

// Disconnect removes conn and closes its transport. It reports whether the
// connection was still registered, so repeated calls are harmless.
func (r *Registry) Disconnect(conn *Connection) bool {
	if conn == nil {
		return false
	}
	s := r.shardFor(conn.UserID)
	removed := false
	s.mu.Lock()
	if b, ok := s.users[conn.UserID]; ok {
		if _, ok := b.conns[conn]; ok {
			delete(b.conns, conn)
			removed = true
			if len(b.conns) == 0 {
				delete(s.users, conn.UserID)
			}
		}
	}
	s.mu.Unlock()

	conn.shutdown(websocketNormalClosure, "")
	if removed {
		r.log.WithFields(log.Fields{
			"user":          conn.Username,
			"connection_id": conn.ID,
		}).Info("realtime connection closed")
	}
	return removed
}

func (r *Registry) dropFailed(conn *Connection, err error) {
	r.log.WithFields(log.Fields{
		"user":          conn.Username,
		"connection_id": conn.ID,
		"error":         err.Error(),
	}).Warn("realtime send failed, dropping connection")
	r.Disconnect(conn)
}

// SendToUser delivers msg to every live connection of userID and returns the
// number of successful sends. Failed connections are removed.
func (r *Registry) SendToUser(userID int64, msg []byte) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	var targets []*Connection
	if b, ok := s.users[userID]; ok {
		targets = make([]*Connection, 0, len(b.conns))
		for c := range b.conns {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	return r.deliver(targets, msg)
}

// Broadcast delivers msg to all connections, skipping the user named by
// exclude when it is non-nil.
func (r *Registry) Broadcast(msg []byte, exclude *int64) int {
	var targets []*Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for uid, b := range s.users {
			if exclude != nil && uid == *exclude {
				continue
			}
			for c := range b.conns {
				targets = append(targets, c)
			}
		}
		s.mu.Unlock()
	}
	return r.deliver(targets, msg)
}

func (r *Registry) deliver(targets []*Connection, msg []byte) int {
	delivered := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			r.dropFailed(c, err)
			continue
		}
		delivered++
	}
	return delivered
}

// ConnectedUsers returns the usernames with at least one live connection.
func (r *Registry) ConnectedUsers() []string {
	var users []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, b := range s.users {
			users = append(users, b.username)
		}
		s.mu.Unlock()
	}
	sort.Strings(users)
	return users
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, b := range s.users {
			n += len(b.conns)
		}
		s.mu.Unlock()
	}
	return n
}
