// Package notify carries structured threshold events to an external
// notifier. The routing core only emits; formatting and delivery belong to
// the surrounding application.
package notify

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventType classifies a threshold crossing.
type EventType string

// Threshold event types.
const (
	// EventTokenWarning fires when daily token usage crosses the warning threshold.
	EventTokenWarning EventType = "token_warning"
	// EventTokenAlert fires when daily token usage crosses the alert threshold.
	EventTokenAlert EventType = "token_alert"
	// EventBudgetWarning fires when monthly spend crosses the warning threshold.
	EventBudgetWarning EventType = "budget_warning"
	// EventBudgetAlert fires when monthly spend crosses the alert threshold.
	EventBudgetAlert EventType = "budget_alert"
)

// Event is a structured threshold crossing.
type Event struct {
	Type      EventType `json:"type"`       // Crossing classification.
	GroupID   uint64    `json:"group_id"`   // Group whose limit was crossed.
	Threshold int       `json:"threshold"`  // Configured threshold percentage.
	Consumed  int64     `json:"consumed"`   // Consumed amount after the commit.
	Limit     int64     `json:"limit"`      // Configured limit.
	At        time.Time `json:"at"`         // Crossing time.
}

// Publisher receives threshold events.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// LogPublisher writes events to the structured log. It is the default
// publisher when no external notifier is wired.
type LogPublisher struct{}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

// Publish logs the event with threshold-derived severity.
func (p *LogPublisher) Publish(_ context.Context, event Event) {
	entry := log.WithFields(log.Fields{
		"event":     event.Type,
		"group_id":  event.GroupID,
		"threshold": event.Threshold,
		"consumed":  event.Consumed,
		"limit":     event.Limit,
	})
	switch event.Type {
	case EventTokenAlert, EventBudgetAlert:
		entry.Warn("usage crossed alert threshold")
	default:
		entry.Info("usage crossed warning threshold")
	}
}

// Ensure LogPublisher implements Publisher.
var _ Publisher = (*LogPublisher)(nil)
