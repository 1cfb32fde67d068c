package live

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Message kinds carried by the live channel.
const (
	KindCursor   = "cursor"
	KindEdit     = "edit"
	KindPresence = "presence"
	KindHead     = "head"

	defaultBufferSize = 32
)

// Message is one best-effort broadcast. Cursor, edit and presence messages are
// ephemeral; head messages announce a commit that is already durable.
type Message struct {
	Kind       string          `json:"kind"`
	WorkbookID string          `json:"workbookId"`
	UserID     string          `json:"userId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CommitID   int64           `json:"commitId,omitempty"`
	Ref        string          `json:"ref,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`

	origin int64
}

// Subscription is a subscriber's receive stream.
type Subscription struct {
	ID     int64
	Stream <-chan Message
	Cancel func()
}

// Hub fans messages out to the subscribers of a workbook. A subscriber whose
// buffer is full misses the message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	watchers    atomic.Int64
}

type subscriber struct {
	id     int64
	stream chan Message
	done   chan struct{}
	once   sync.Once
}

// NewHub constructs a hub. A non-positive buffer size selects the default.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for the workbook until ctx ends or Cancel is called.
func (h *Hub) Subscribe(ctx context.Context, workbookID string) Subscription {
	if workbookID == "" {
		stream := make(chan Message)
		close(stream)
		return Subscription{Stream: stream, Cancel: func() {}}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Message, h.bufferSize),
		done:   make(chan struct{}),
	}
	h.register(workbookID, sub)
	cancel := func() {
		h.unregister(workbookID, sub)
	}
	h.watchers.Add(1)
	go func() {
		defer h.watchers.Add(-1)
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return Subscription{ID: sub.id, Stream: sub.stream, Cancel: cancel}
}

// Publish delivers the message to every subscriber of its workbook except the
// subscription it originated from.
func (h *Hub) Publish(message Message) {
	if message.WorkbookID == "" || message.Kind == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	subscribers := h.subscribers[message.WorkbookID]
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		if sub.id == message.origin {
			continue
		}
		copies = append(copies, sub)
	}
	// delivery happens under the read lock so unregister cannot close a stream mid-send
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
	h.mu.RUnlock()
}

// PublishFrom publishes on behalf of a subscription, which does not receive its own message.
func (h *Hub) PublishFrom(subscriptionID int64, message Message) {
	message.origin = subscriptionID
	h.Publish(message)
}

// Subscribers reports the number of live subscriptions of a workbook.
func (h *Hub) Subscribers(workbookID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[workbookID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(workbookID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[workbookID]; !ok {
		h.subscribers[workbookID] = make(map[int64]*subscriber)
	}
	h.subscribers[workbookID][sub.id] = sub
}

func (h *Hub) unregister(workbookID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[workbookID]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(h.subscribers, workbookID)
		}
	}
	sub.once.Do(func() {
		close(sub.stream)
		close(sub.done)
	})
}
