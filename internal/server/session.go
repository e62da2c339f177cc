package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sessionSendBuffer = 16
	sessionWriteWait  = 10 * time.Second
	sessionPongWait   = 60 * time.Second
	sessionPingPeriod = 54 * time.Second
)

// wsSession wraps one websocket connection with a buffered outbound queue.
// The read loop runs on the connection's goroutine inside the gateway; the
// write pump drains the queue on its own goroutine so a slow peer never
// blocks broadcast delivery to anyone else.
type wsSession struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan Envelope
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once

	// mu guards closed. The send channel itself is never closed: a broadcaster
	// that copied this session out of a room before teardown may still call
	// Deliver, and a send case on a closed channel panics even under select.
	mu     sync.RWMutex
	closed bool

	// joined is touched only from the session's read loop.
	joined map[string]struct{}
}

func newWSSession(id, userID string, conn *websocket.Conn, logger *zap.Logger) *wsSession {
	_ = conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	})
	return &wsSession{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan Envelope, sessionSendBuffer),
		done:   make(chan struct{}),
		logger: logger,
		joined: make(map[string]struct{}),
	}
}

// SessionID returns the unique identifier assigned at connection time.
func (s *wsSession) SessionID() string {
	return s.id
}

// Deliver enqueues a frame for the write pump. The send is non-blocking: a
// closed session refuses the frame and a full queue means the peer is too
// slow and the frame is dropped. Either way the caller keeps going.
func (s *wsSession) Deliver(envelope Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- envelope:
		return true
	default:
		s.logger.Warn("session send buffer full, dropping frame",
			zap.String("session_id", s.id),
			zap.String("event", envelope.Event))
		return false
	}
}

// writePump serializes all writes to the connection, interleaving protocol
// frames with keepalive pings. It exits when the session is closed or a
// write fails; a peer that stops answering pings trips the read deadline and
// unwinds the whole session.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(sessionPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case envelope := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait)); err != nil {
				return
			}
			if err := s.conn.WriteJSON(envelope); err != nil {
				s.logger.Debug("session write failed",
					zap.String("session_id", s.id),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close marks the session closed, stops the write pump and closes the
// underlying connection exactly once. The send channel stays open so late
// Deliver calls from in-flight broadcasts fail soft instead of panicking.
func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}
