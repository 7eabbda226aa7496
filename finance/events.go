package finance

import (
	"context"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

type EventType string

const (
	EventEscrowReleased EventType = "escrow.released"
	EventEscrowRefunded EventType = "escrow.refunded"
	EventProjectClosed  EventType = "project.closed"
)

// Event describes a settlement that already committed. Amounts are decimal
// strings so consumers never see floats.
type Event struct {
	Type       EventType        `json:"type"`
	ProjectID  ledger.ProjectID `json:"project_id"`
	EscrowID   ledger.EscrowID  `json:"escrow_id,omitempty"`
	Escrows    int              `json:"escrows,omitempty"`
	Gross      string           `json:"gross"`
	Commission string           `json:"commission,omitempty"`
	Fees       string           `json:"fees,omitempty"`
	Net        string           `json:"net,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Notifier delivers events to downstream collaborators. It is called after
// commit, outside any unit of work; its failures never undo a settlement.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
