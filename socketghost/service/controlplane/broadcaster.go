package controlplane

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// ReasonSuperseded is the close reason sent to a subscriber replaced by a newer one.
	ReasonSuperseded = "superseded"
	// ReasonShutdown is the close reason sent when the service stops.
	ReasonShutdown = "shutting down"
)

// Subscriber receives control-plane events.
type Subscriber interface {
	Send(event any) error
	// Close ends the subscription with a close code and reason.
	Close(code int, reason string)
}

type subscription struct {
	sub Subscriber
}

// Broadcaster is a subscriber registry with capacity one: the most recent
// Attach wins and the previous subscriber is closed. Events broadcast with
// no subscriber attached are dropped.
type Broadcaster struct {
	mu      sync.Mutex
	current *subscription
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Attach makes sub the active subscriber. The returned detach func clears it
// only if sub is still the active subscriber.
func (b *Broadcaster) Attach(sub Subscriber) (detach func()) {
	s := &subscription{sub: sub}

	b.mu.Lock()
	prev := b.current
	b.current = s
	b.mu.Unlock()

	if prev != nil {
		log.Info().Msg("controlplane: new operator attached, closing previous connection")
		prev.sub.Close(websocket.ClosePolicyViolation, ReasonSuperseded)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.current == s {
			b.current = nil
		}
	}
}

// Connected reports whether a subscriber is attached.
func (b *Broadcaster) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// Broadcast sends event to the active subscriber. Delivery is best-effort.
func (b *Broadcaster) Broadcast(event any) {
	b.mu.Lock()
	s := b.current
	b.mu.Unlock()

	if s == nil {
		log.Debug().Type("event", event).Msg("controlplane: no subscriber, event dropped")
		return
	}
	if err := s.sub.Send(event); err != nil {
		log.Debug().Err(err).Type("event", event).Msg("controlplane: failed to deliver event")
	}
}

// Close detaches and closes the active subscriber with a going-away code.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	s := b.current
	b.current = nil
	b.mu.Unlock()

	if s != nil {
		s.sub.Close(websocket.CloseGoingAway, ReasonShutdown)
	}
}
