package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"
	EventExit   EventType = "exit"
	EventGiveUp EventType = "give_up"
	EventQuit   EventType = "quit"
)

// Event is one compositor lifecycle transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	Display    string    `json:"display"`
	PID        int       `json:"pid"`
	// Outcome, Code and Signal describe how the incarnation ended (exit events).
	Outcome      string `json:"outcome,omitempty"`
	Code         int    `json:"code,omitempty"`
	Signal       string `json:"signal,omitempty"`
	RestartCount int    `json:"restart_count"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

type multi []Sink

// Multi returns a sink that sends every event to each of sinks.
func Multi(sinks ...Sink) Sink { return multi(sinks) }

func (m multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
