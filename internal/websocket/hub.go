// Package websocket pushes download state changes to connected subscribers.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/metrics"
)

// Event names pushed to subscribers.
const (
	EventDownloadUpdate  = "DownloadUpdate"
	EventDownloadsList   = "DownloadsList"
	EventDownloadRemoved = "DownloadRemoved"

	// msgResync is sent by a subscriber that wants the full list immediately.
	msgResync = "resync"
)

const queueSize = 256

// ErrBufferFull is returned when the broadcast queue cannot take another message.
var ErrBufferFull = errors.New("websocket broadcast buffer full")

// Message is the envelope of every frame in both directions.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// Hub fans broadcast frames out to subscribers and routes their requests.
type Hub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	broadcast chan []byte
	inbound   chan []byte
	onResync  func()

	pushMu sync.Mutex
	pushes map[string]time.Time
	now    func() time.Time
}

// NewHub creates a hub. Nothing is delivered until Run is called.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger.With().Str("component", "websocket").Logger(),
		subs:      make(map[*subscriber]struct{}),
		broadcast: make(chan []byte, queueSize),
		inbound:   make(chan []byte, queueSize),
		pushes:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetResyncHandler sets the callback for subscriber resync requests.
// Call it before Run.
func (h *Hub) SetResyncHandler(fn func()) {
	h.onResync = fn
}

// Run delivers queued frames until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case frame := <-h.broadcast:
			h.fanOut(frame)
		case raw := <-h.inbound:
			h.dispatch(raw)
		}
	}
}

// Broadcast queues a typed message for every subscriber without blocking.
func (h *Hub) Broadcast(msgType string, payload interface{}) error {
	data, err := json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		h.logger.Warn().Str("type", msgType).Msg("Dropping websocket message, buffer full")
		return ErrBufferFull
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	metrics.WebSocketClients.Set(float64(len(h.subs)))
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

func (h *Hub) dropLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// fanOut drops subscribers whose queue is full. They get the full list
// again when they reconnect or ask for a resync.
func (h *Hub) fanOut(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- frame:
		default:
			h.logger.Debug().Msg("Disconnecting slow subscriber")
			h.dropLocked(s)
		}
	}
}

func (h *Hub) dispatch(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug().Err(err).Msg("Ignoring malformed websocket message")
		return
	}
	if msg.Type == msgResync && h.onResync != nil {
		h.onResync()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		h.dropLocked(s)
	}
}
