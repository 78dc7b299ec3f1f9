package notifier

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/fx"
)

const (
	EntitySketch  = "sketch"
	EntityAccount = "account"
)

const (
	// DefaultBacklog bounds how many recent events an owner feed retains
	// for replay on (re)connect.
	DefaultBacklog = 50

	// DefaultChannelBuffer is the per-subscription channel capacity. A
	// subscription that falls this far behind starts losing events.
	DefaultChannelBuffer = 16
)

var (
	ErrHubClosed      = errors.New("hub_closed")
	ErrInvalidOwnerID = errors.New("invalid_owner_id")
)

// Event is a change notification scoped to one owner. Version is
// monotonically comparable (unix nanos of the mutation); consumers must
// apply events idempotently and drop anything older than what they hold.
type Event struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Status     string `json:"status"`
	Version    int64  `json:"version"`
}

// Hub fans mutations out to per-owner subscriptions. Delivery is
// at-least-once and lossy under backpressure: a slow subscription loses
// events rather than blocking publishers, and resumes from its last seen
// Version on reconnect. The stream is a notification layer, not an event
// log.
//
// All hub state is guarded by one mutex. Sends into subscription channels
// are non-blocking, so holding it across delivery is safe, and it is what
// lets unsubscribe close a channel without racing a publisher.
type Hub struct {
	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool

	backlog  int
	chanSize int
}

// feed is the fan-out point for one owner: the retained backlog plus the
// live subscriptions. It exists only while someone is subscribed or has
// recently published; the last unsubscribe drops it and its backlog.
type feed struct {
	recent []Event
	subs   map[*Subscription]struct{}
}

// Subscription is one consumer's channel onto an owner feed.
type Subscription struct {
	hub     *Hub
	owner   string
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		feeds:    make(map[string]*feed),
		backlog:  DefaultBacklog,
		chanSize: DefaultChannelBuffer,
	}
}

// Publish appends the event to the owner's backlog and offers it to every
// live subscription. An owner with no feed takes no storage: there is
// nobody to replay to.
func (h *Hub) Publish(ownerID string, event Event) {
	if h == nil {
		return
	}
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.feeds[owner]
	if f == nil || h.closed {
		return
	}

	f.recent = append(f.recent, event)
	if len(f.recent) > h.backlog {
		f.recent = f.recent[len(f.recent)-h.backlog:]
	}
	for sub := range f.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe attaches to the owner's feed and returns the retained events
// newer than sinceVersion, so a reconnecting consumer resumes where it left
// off instead of replaying the whole backlog. Pass 0 for a fresh connect.
func (h *Hub) Subscribe(ownerID string, sinceVersion int64) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, ErrHubClosed
	}
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return nil, nil, ErrInvalidOwnerID
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}

	f := h.feeds[owner]
	if f == nil {
		f = &feed{subs: make(map[*Subscription]struct{})}
		h.feeds[owner] = f
	}

	sub := &Subscription{
		hub:   h,
		owner: owner,
		ch:    make(chan Event, h.chanSize),
	}
	f.subs[sub] = struct{}{}

	var replay []Event
	for _, event := range f.recent {
		if event.Version > sinceVersion {
			replay = append(replay, event)
		}
	}
	return sub, replay, nil
}

// Close tears down every feed and closes every subscription channel.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for owner, f := range h.feeds {
		for sub := range f.subs {
			close(sub.ch)
		}
		delete(h.feeds, owner)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	f := h.feeds[sub.owner]
	if f == nil {
		return
	}
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
	if len(f.subs) == 0 {
		delete(h.feeds, sub.owner)
	}
}

// Events is the live stream. The channel closes on Close, either side's.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Dropped reports how many events this subscription lost to backpressure.
func (s *Subscription) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Module provides the shared notification hub.
var Module = fx.Module("notifier",
	fx.Provide(NewHub),
)
