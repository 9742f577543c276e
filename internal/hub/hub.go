package hub

import (
	"fmt"
	"sync"
	"time"
)

// Kind tags a notification on the status/log stream.
type Kind string

const (
	KindStatus    Kind = "status"
	KindLog       Kind = "log"
	KindPeerFound Kind = "peer_found"
	KindPeerLost  Kind = "peer_lost"
	KindPairing   Kind = "pairing"
)

// Notification is one entry on the diagnostics stream.
type Notification struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// Subscriber receives notifications on a buffered channel. A subscriber that
// falls behind loses entries rather than blocking publishers.
type Subscriber struct {
	ch chan Notification
}

func (s *Subscriber) C() <-chan Notification { return s.ch }

// Hub fans notifications out to any number of attached subscribers.
// Listeners attach and detach freely over the subsystem's lifetime.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func New() *Hub {
	return &Hub{subscribers: make(map[*Subscriber]struct{})}
}

func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{ch: make(chan Notification, buffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

// Publish broadcasts a formatted notification. Non-blocking: a full
// subscriber buffer drops the entry for that subscriber only.
func (h *Hub) Publish(kind Kind, format string, args ...any) {
	n := Notification{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now().UnixMilli(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.ch <- n:
		default:
		}
	}
}
