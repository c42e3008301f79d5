// Package notify fans out session progress, price ticks, and alerts to
// subscribers. It is transport-neutral: the RPC layer attaches WebSocket
// clients as sinks, tests attach plain functions.
//
// Delivery is best-effort per subscriber. Every subscriber gets its own
// queue and pump goroutine, so one slow consumer never blocks the others;
// a consumer that falls a full backlog behind is disconnected.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// ErrUnknownSubscriber is returned when a subscription names a subscriber
// that was never attached (or already disconnected).
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// DefaultBacklog is the per-subscriber pending message cap.
const DefaultBacklog = 64

// Channel identifies a subscription channel.
type Channel string

const (
	// ChannelSession carries per-session lifecycle updates, keyed by session id.
	ChannelSession Channel = "session"

	// ChannelPrices carries oracle price ticks, keyed by pair ("ETH/BTC").
	ChannelPrices Channel = "prices"

	// ChannelAlerts carries operator alerts; subscriptions have no key.
	ChannelAlerts Channel = "alerts"
)

// MessageType tags outbound messages.
type MessageType string

const (
	TypeSessionUpdate   MessageType = "session_update"
	TypeSessionSnapshot MessageType = "session_snapshot"
	TypePriceUpdate     MessageType = "price_update"
	TypeAlert           MessageType = "alert"
	TypeError           MessageType = "error"
)

// Message is the unit of delivery.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Status    string      `json:"status,omitempty"`
	Progress  int         `json:"progress,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionUpdate builds a session progress message.
func SessionUpdate(sessionID, status string, progress int, payload interface{}) *Message {
	return &Message{
		Type:      TypeSessionUpdate,
		SessionID: sessionID,
		Status:    status,
		Progress:  progress,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PriceUpdate builds a price tick message. The payload carries the pair and
// rate; routing uses the pair key passed to PublishPrice.
func PriceUpdate(payload interface{}) *Message {
	return &Message{
		Type:      TypePriceUpdate,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Alert builds a broadcast alert message.
func Alert(payload interface{}) *Message {
	return &Message{
		Type:      TypeAlert,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Sink consumes messages for one subscriber. Returning false disconnects
// the subscriber.
type Sink func(*Message) bool

type subscriber struct {
	id    string
	queue chan *Message
}

// Config holds registry settings.
type Config struct {
	// Backlog is the per-subscriber pending queue cap. Zero means
	// DefaultBacklog.
	Backlog int
}

// Registry is the subscription table and fan-out engine.
//
// The table is read-mostly: publishes take the read lock, subscription
// changes copy the affected key set before swapping it in, so a publish
// iterating an old set never observes a half-applied change.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	sessions    map[string]map[string]struct{} // session id -> subscriber ids
	prices      map[string]map[string]struct{} // pair -> subscriber ids
	alerts      map[string]struct{}            // subscriber ids

	backlog int
	log     *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *Config) *Registry {
	backlog := DefaultBacklog
	if cfg != nil && cfg.Backlog > 0 {
		backlog = cfg.Backlog
	}
	return &Registry{
		subscribers: make(map[string]*subscriber),
		sessions:    make(map[string]map[string]struct{}),
		prices:      make(map[string]map[string]struct{}),
		alerts:      make(map[string]struct{}),
		backlog:     backlog,
		log:         logging.GetDefault().Component("notify"),
	}
}

// Attach registers a subscriber and starts its delivery pump. The sink runs
// on a dedicated goroutine; it may block without affecting other subscribers.
func (r *Registry) Attach(subID string, sink Sink) error {
	sub := &subscriber{
		id:    subID,
		queue: make(chan *Message, r.backlog),
	}

	r.mu.Lock()
	if _, exists := r.subscribers[subID]; exists {
		r.mu.Unlock()
		return errors.New("subscriber already attached")
	}
	r.subscribers[subID] = sub
	r.mu.Unlock()

	go r.pump(sub, sink)
	return nil
}

// pump delivers queued messages to the sink until the queue closes or the
// sink gives up.
func (r *Registry) pump(sub *subscriber, sink Sink) {
	for msg := range sub.queue {
		if !sink(msg) {
			r.Disconnect(sub.id)
			return
		}
	}
}

// Subscribe adds a subscription for an attached subscriber. The key is the
// session id for ChannelSession, the pair for ChannelPrices, and ignored
// for ChannelAlerts.
func (r *Registry) Subscribe(subID string, ch Channel, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[subID]; !ok {
		return ErrUnknownSubscriber
	}

	switch ch {
	case ChannelSession:
		r.sessions[key] = copyWith(r.sessions[key], subID)
	case ChannelPrices:
		r.prices[key] = copyWith(r.prices[key], subID)
	case ChannelAlerts:
		r.alerts[subID] = struct{}{}
	default:
		return errors.New("unknown channel")
	}
	return nil
}

// Unsubscribe removes one subscription. Unknown subscriptions are a no-op.
func (r *Registry) Unsubscribe(subID string, ch Channel, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ch {
	case ChannelSession:
		r.sessions[key] = copyWithout(r.sessions[key], subID)
		if len(r.sessions[key]) == 0 {
			delete(r.sessions, key)
		}
	case ChannelPrices:
		r.prices[key] = copyWithout(r.prices[key], subID)
		if len(r.prices[key]) == 0 {
			delete(r.prices, key)
		}
	case ChannelAlerts:
		delete(r.alerts, subID)
	}
}

// Disconnect removes a subscriber and all its subscriptions and stops its
// pump. Safe to call more than once.
func (r *Registry) Disconnect(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscribers[subID]
	if !ok {
		return
	}
	delete(r.subscribers, subID)
	close(sub.queue)

	for key, set := range r.sessions {
		if _, ok := set[subID]; ok {
			r.sessions[key] = copyWithout(set, subID)
			if len(r.sessions[key]) == 0 {
				delete(r.sessions, key)
			}
		}
	}
	for key, set := range r.prices {
		if _, ok := set[subID]; ok {
			r.prices[key] = copyWithout(set, subID)
			if len(r.prices[key]) == 0 {
				delete(r.prices, key)
			}
		}
	}
	delete(r.alerts, subID)
}

// PublishSession delivers a message to subscribers of a session id.
func (r *Registry) PublishSession(sessionID string, msg *Message) {
	r.mu.RLock()
	targets := r.collect(r.sessions[sessionID], msg)
	r.mu.RUnlock()
	r.drop(targets)
}

// PublishPrice delivers a message to subscribers of a price pair.
func (r *Registry) PublishPrice(pair string, msg *Message) {
	r.mu.RLock()
	targets := r.collect(r.prices[pair], msg)
	r.mu.RUnlock()
	r.drop(targets)
}

// PublishAlert delivers a message to all alert subscribers.
func (r *Registry) PublishAlert(msg *Message) {
	r.mu.RLock()
	targets := r.collect(r.alerts, msg)
	r.mu.RUnlock()
	r.drop(targets)
}

// collect enqueues msg for every subscriber in the set and returns the ids
// whose queues were full. Called with the read lock held; a full queue means
// the consumer is a whole backlog behind and gets disconnected by drop.
func (r *Registry) collect(set map[string]struct{}, msg *Message) []string {
	var overflowed []string
	for id := range set {
		sub, ok := r.subscribers[id]
		if !ok {
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			overflowed = append(overflowed, id)
		}
	}
	return overflowed
}

// drop disconnects subscribers that overflowed their backlog.
func (r *Registry) drop(subIDs []string) {
	for _, id := range subIDs {
		r.log.Warn("Subscriber backlog full, dropping", "subscriber", id, "backlog", r.backlog)
		r.Disconnect(id)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// copyWith returns a copy of the set with id added. The original map is
// never mutated, so concurrent publishes iterating it stay valid.
func copyWith(set map[string]struct{}, id string) map[string]struct{} {
	out := make(map[string]struct{}, len(set)+1)
	for k := range set {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return out
}

// copyWithout returns a copy of the set with id removed.
func copyWithout(set map[string]struct{}, id string) map[string]struct{} {
	if set == nil {
		return nil
	}
	out := make(map[string]struct{}, len(set))
	for k := range set {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return out
}
