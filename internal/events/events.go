// Package events publishes build lifecycle and progress events to monitoring sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
	KindCacheHit  Kind = "cache_hit"
	KindRejected  Kind = "rejected"
)

// Event is one lifecycle or progress notification for a build.
type Event struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"buildId"`
	Kind      Kind      `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New returns an event with a fresh id.
func New(kind Kind, buildID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		BuildID:   buildID,
		Kind:      kind,
		Timestamp: at,
	}
}

// Sink receives events. Publish must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop discards events.
type Noop struct{}

// Publish implements Sink.
func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
