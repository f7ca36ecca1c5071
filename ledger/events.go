package ledger

import (
	"context"
	"time"
)

// Exchange and routing keys for sale lifecycle events.
const (
	EventsExchange = "fiado_events"

	RoutingSaleCreated = "sale.created"
	RoutingSaleSettled = "sale.settled"
	RoutingSaleVoided  = "sale.voided"
)

// EventPublisher delivers events to a message broker. Implementations must
// be safe for concurrent use.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
}

// SaleEvent is the message body published after a sale changes state.
type SaleEvent struct {
	SaleID    int64     `json:"sale_id"`
	ClienteID *int64    `json:"cliente_id,omitempty"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Total     string    `json:"total"`
	ActorID   string    `json:"actor_id,omitempty"`
	At        time.Time `json:"at"`
}

func NewSaleEvent(s Sale, actor Actor, at time.Time) SaleEvent {
	ev := SaleEvent{
		SaleID:  int64(s.ID),
		Kind:    string(s.Kind),
		Status:  string(s.Status),
		Reason:  string(s.Reason),
		Total:   s.Total.String(),
		ActorID: actor.ID,
		At:      at.UTC(),
	}
	if s.ClienteID != nil {
		id := int64(*s.ClienteID)
		ev.ClienteID = &id
	}
	return ev
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }
