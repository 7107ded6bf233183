package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 45 * time.Second

	// The stream is one-way; inbound frames are only control traffic.
	readLimit = 4 * 1024

	subscriberBuffer = 64
)

// Stream fans orchestrator events out to WebSocket subscribers. A subscriber
// that cannot drain its buffer is dropped rather than allowed to stall the
// publisher.
type Stream struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// NewStream creates an event stream with no subscribers.
func NewStream(logger *slog.Logger) *Stream {
	return &Stream{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.With("component", "stream"),
	}
}

// Publish marshals the event once and queues it for every subscriber.
func (s *Stream) Publish(evt Event) {
	frame, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}

	s.mu.Lock()
	for sub := range s.subs {
		select {
		case sub.out <- frame:
		default:
			delete(s.subs, sub)
			close(sub.out)
			s.logger.Warn("dropping slow stream subscriber")
		}
	}
	s.mu.Unlock()
}

// Attach takes ownership of a freshly upgraded connection and starts its
// pumps. A non-nil first frame is delivered before any published events.
func (s *Stream) Attach(conn *websocket.Conn, first []byte) {
	sub := &subscriber{
		conn: conn,
		out:  make(chan []byte, subscriberBuffer),
	}
	if first != nil {
		sub.out <- first
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.Info("stream subscriber attached", "subscribers", n)

	go s.writeLoop(sub)
	go s.readLoop(sub)
}

func (s *Stream) detach(sub *subscriber) {
	s.mu.Lock()
	_, present := s.subs[sub]
	if present {
		delete(s.subs, sub)
		close(sub.out)
	}
	n := len(s.subs)
	s.mu.Unlock()
	if present {
		s.logger.Info("stream subscriber detached", "subscribers", n)
	}
}

// writeLoop drains the subscriber's buffer onto the wire and keeps the
// connection alive with pings. A closed buffer means the subscriber was
// detached or dropped.
func (s *Stream) writeLoop(sub *subscriber) {
	pings := time.NewTicker(pingInterval)
	defer func() {
		pings.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.out:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-pings.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards anything the subscriber sends and watches for the
// connection going away. Pongs extend the read deadline.
func (s *Stream) readLoop(sub *subscriber) {
	defer func() {
		s.detach(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(readLimit)
	sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket error", "error", err)
			}
			return
		}
	}
}
