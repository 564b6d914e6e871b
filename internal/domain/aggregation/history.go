package aggregation

import (
	"encoding/json"
	"time"
)

// ChangeType classifies a history entry.
type ChangeType string

const (
	ChangeCreated       ChangeType = "created"
	ChangeUpdated       ChangeType = "updated"
	ChangeStatusChanged ChangeType = "status_changed"
	ChangeDeleted       ChangeType = "deleted"
)

// HistoryEntry is an append-only audit record of one aggregation change.
// Entries are immutable and written strictly in change order.
type HistoryEntry struct {
	ID            string
	AggregationID string
	ChangeType    ChangeType

	// PreviousSnapshot is the serialized result before the change; nil on create.
	PreviousSnapshot json.RawMessage

	// NewSnapshot is the serialized result after the change; nil on delete.
	NewSnapshot json.RawMessage

	Reason    string
	Actor     string
	CreatedAt time.Time
}
