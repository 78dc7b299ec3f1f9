package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	reconnectInitialBackoff = time.Second
	reconnectMaxBackoff     = 30 * time.Second
)

// Subscriber owns the reconnect state machine around a Hub subscription.
// It resumes from the last Version it saw, so the replay on resubscribe
// fills the disconnect window when the backlog still covers it. Because the
// backlog is bounded, OnSnapshot also runs on every (re)subscribe so the
// consumer re-fetches fresh state instead of assuming stream continuity.
type Subscriber struct {
	hub         *Hub
	ownerID     string
	log         *zap.Logger
	lastVersion int64

	// OnSnapshot is called with the hub's replay buffer on each
	// (re)subscribe, before streaming resumes.
	OnSnapshot func(ctx context.Context, buffered []Event)

	// OnEvent is called per delivered event. Consumers apply updates
	// idempotently: replace held state only if the event's Version is not
	// older than what they already hold.
	OnEvent func(ctx context.Context, event Event)
}

func NewSubscriber(hub *Hub, ownerID string, log *zap.Logger) *Subscriber {
	return &Subscriber{
		hub:     hub,
		ownerID: ownerID,
		log:     log.Named("notifier.subscriber"),
	}
}

// Run subscribes and streams until ctx is done, resubscribing with
// exponential backoff after a closed stream.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := reconnectInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		sub, buffered, err := s.hub.Subscribe(s.ownerID, s.lastVersion)
		if err != nil {
			s.log.Warn("subscribe failed, backing off",
				zap.String("owner_id", s.ownerID),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectInitialBackoff

		if s.OnSnapshot != nil {
			s.OnSnapshot(ctx, buffered)
		}
		for _, event := range buffered {
			s.markSeen(event)
		}

		s.stream(ctx, sub)
		sub.Close()
	}
}

func (s *Subscriber) stream(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			s.markSeen(event)
			if s.OnEvent != nil {
				s.OnEvent(ctx, event)
			}
		}
	}
}

func (s *Subscriber) markSeen(event Event) {
	if event.Version > s.lastVersion {
		s.lastVersion = event.Version
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxBackoff {
		return reconnectMaxBackoff
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
