package models

import "time"

// RecordState tracks whether an outbox record has reached the remote store.
// The only legal transition is Pending -> Synced.
type RecordState string

const (
	StatePending RecordState = "pending"
	StateSynced  RecordState = "synced"
)

// OutboxRecord is a message waiting for confirmed delivery to the remote
// store.
type OutboxRecord struct {
	RecordID    string      `json:"record_id" cbor:"record_id"`
	Message     Message     `json:"message" cbor:"message"`
	State       RecordState `json:"state" cbor:"state"`
	FirstSeenAt time.Time   `json:"first_seen_at" cbor:"first_seen_at"`
	RetryCount  uint        `json:"retry_count" cbor:"retry_count"`
	SyncedAt    time.Time   `json:"synced_at,omitempty" cbor:"synced_at,omitempty"`
}

// Pending reports whether the record still needs uploading.
func (r OutboxRecord) Pending() bool {
	return r.State == StatePending
}
