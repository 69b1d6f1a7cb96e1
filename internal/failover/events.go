package failover

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketroute/marketroute/internal/provider"
)

// Event records one failover or fail-back transition for a segment.
// Immutable once appended; the history is bounded and pruned by
// capacity, not by time.
type Event struct {
	ID        string            `json:"id"`
	Segment   provider.Segment  `json:"segment"`
	From      provider.Provider `json:"from"`
	To        provider.Provider `json:"to"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Success   bool              `json:"success"`
}

func newEvent(seg provider.Segment, from, to provider.Provider, reason string, start time.Time, success bool) Event {
	return Event{
		ID:        uuid.NewString(),
		Segment:   seg,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: start,
		Duration:  time.Since(start),
		Success:   success,
	}
}

// Handler receives failover events. Handler failures are logged and
// never affect the routing core.
type Handler func(Event)

// observer decouples a registered handler from the monitoring loop via
// a buffered channel. Slow observers drop events rather than blocking
// a transition.
type observer struct {
	ch chan Event
}

func startObserver(fn Handler, buffer int, logger zerolog.Logger) *observer {
	o := &observer{ch: make(chan Event, buffer)}
	go func() {
		for ev := range o.ch {
			invokeHandler(fn, ev, logger)
		}
	}()
	return o
}

func invokeHandler(fn Handler, ev Event, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("event_id", ev.ID).Msg("failover handler panicked")
		}
	}()
	fn(ev)
}

func (o *observer) offer(ev Event, logger zerolog.Logger) {
	select {
	case o.ch <- ev:
	default:
		logger.Warn().Str("event_id", ev.ID).Str("segment", string(ev.Segment)).
			Msg("observer buffer full, event dropped")
	}
}
