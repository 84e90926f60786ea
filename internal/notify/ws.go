package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second
	sendQueue = 64
)

// ErrSlowConsumer means a session's send queue is full.
var ErrSlowConsumer = errors.New("websocket client is not keeping up")

var errSessionClosed = errors.New("websocket session closed")

// Session is one websocket connection. Events are queued and written by the
// session's own goroutine, so a client that stops reading never blocks the
// caller.
type Session struct {
	conn   *websocket.Conn
	send   chan interface{}
	done   chan struct{}
	once   sync.Once
	onFail func()
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn, send: make(chan interface{}, sendQueue), done: make(chan struct{})}
}

// Send queues v for delivery. It fails immediately when the queue is full or
// the session is closed.
func (s *Session) Send(v interface{}) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- v:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(v); err != nil {
				if s.onFail != nil {
					s.onFail()
				}
				s.close()
				return
			}
		}
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub holds websocket sessions keyed by channel (driver:<id>, ride:<id>).
// A channel may have several sessions, e.g. one per device.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	logger   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{sessions: make(map[string]map[*Session]struct{}), logger: logger}
}

func (h *Hub) Add(channel string, conn *websocket.Conn) *Session {
	s := newSession(conn)
	s.onFail = func() { h.Remove(channel, s) }
	h.mu.Lock()
	if h.sessions[channel] == nil {
		h.sessions[channel] = make(map[*Session]struct{})
	}
	h.sessions[channel][s] = struct{}{}
	h.mu.Unlock()
	observability.WSSessions.Inc()
	go s.writeLoop()
	return s
}

// Remove drops the session and closes its connection. Removing twice is safe.
func (h *Hub) Remove(channel string, s *Session) {
	h.mu.Lock()
	set := h.sessions[channel]
	_, ok := set[s]
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, channel)
		}
	}
	h.mu.Unlock()
	if ok {
		observability.WSSessions.Dec()
		s.close()
	}
}

// Count returns the number of sessions on a channel.
func (h *Hub) Count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[channel])
}

// Publish queues ev on every session of channel without waiting for the
// writes. Sessions whose queue is full are dropped. ErrNoSession when nobody
// is listening.
func (h *Hub) Publish(channel string, ev models.Event) error {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[channel]))
	for s := range h.sessions[channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	delivered := 0
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			h.logger.Warn().Err(err).Str("channel", channel).Msg("dropping websocket session")
			h.Remove(channel, s)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNoSession
	}
	return nil
}

func (h *Hub) NotifyDriver(ctx context.Context, driverID string, ev models.Event) error {
	return h.Publish(DriverChannel(driverID), ev)
}

func (h *Hub) NotifyRide(ctx context.Context, rideID string, ev models.Event) error {
	return h.Publish(RideChannel(rideID), ev)
}
