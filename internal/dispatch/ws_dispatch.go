package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/freight-settlement/internal/models"
)

var ErrNoSession = errors.New("dispatch: no websocket session for user")

const writeWait = 5 * time.Second

// WSSession is one connected user.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(n)
}

// WSRegistry holds the latest session per user.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for userID, closing any earlier session, and reads
// from it until the peer goes away.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = s
	r.mu.Unlock()

	go func() {
		defer r.remove(userID, s)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

func (r *WSRegistry) remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
	}
	_ = s.conn.Close()
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Send(ctx context.Context, n models.Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[n.UserID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(n); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "user_id", n.UserID, "kind", n.Kind, "error", err)
		}
		r.remove(n.UserID, s)
		return err
	}
	return nil
}
