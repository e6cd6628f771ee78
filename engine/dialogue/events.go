package dialogue

import (
	"context"
	"time"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/natsutil"
)

// CompletedSubject carries an Event whenever a request reaches a terminal status.
const CompletedSubject = "dialogue.completed"

// Event summarizes a finished request.
type Event struct {
	RequestID  string         `json:"request_id"`
	SessionID  string         `json:"session_id"`
	Status     domain.Status  `json:"status"`
	ItemName   string         `json:"item_name"`
	Variant    domain.Variant `json:"variant,omitempty"`
	Quantity   *int           `json:"quantity,omitempty"`
	Results    int            `json:"results"`
	Unfiltered bool           `json:"unfiltered,omitempty"`
	Attempts   int            `json:"attempts"`
	At         time.Time      `json:"at"`
}

func eventFor(req domain.DialogueRequest) Event {
	return Event{
		RequestID:  req.ID,
		SessionID:  req.SessionID,
		Status:     req.Status,
		ItemName:   req.ItemName,
		Variant:    req.Variant,
		Quantity:   req.Quantity,
		Results:    len(req.Results),
		Unfiltered: req.Unfiltered,
		Attempts:   req.Attempts,
		At:         req.UpdatedAt,
	}
}

// EventPublisher receives completed-request events.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NATSEvents publishes events on CompletedSubject.
type NATSEvents struct {
	Conn natsutil.Publisher
}

func (n NATSEvents) Publish(ctx context.Context, ev Event) error {
	return natsutil.Publish(ctx, n.Conn, CompletedSubject, ev)
}

type discardEvents struct{}

func (discardEvents) Publish(context.Context, Event) error { return nil }
