// Package remote holds the authoritative stores that outbox records are
// drained into. Every store upserts by message id, so uploading the same
// message from several devices, or several times, leaves one record.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sosmesh/internal/models"
)

// ErrUploadFailed wraps every per-record upload failure.
var ErrUploadFailed = errors.New("remote: upload failed")

// Store is the remote, authoritative message store.
type Store interface {
	// Upload stores msg keyed by its id. Uploading an id that already exists
	// succeeds without creating a second record.
	Upload(ctx context.Context, msg models.Message) error
}

// Admin is implemented by stores that support the maintenance commands.
type Admin interface {
	Dump(ctx context.Context) ([]Document, error)
	Purge(ctx context.Context) error
}

// Document is the stored form of a message.
type Document struct {
	MessageID string          `json:"messageId"`
	SenderID  string          `json:"senderId"`
	Kind      models.Kind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Hops      uint            `json:"hops"`
}

// DocumentFrom converts msg to its stored form.
func DocumentFrom(msg models.Message) Document {
	return Document{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
		Timestamp: msg.CreatedAt.UnixMilli(),
		Hops:      msg.HopCount,
	}
}

// CreatedAt is the message creation time.
func (d Document) CreatedAt() time.Time {
	return time.UnixMilli(d.Timestamp).UTC()
}

// UploadError describes a failed upload of one message.
type UploadError struct {
	MessageID  string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("remote: upload %s: status %d: %v", e.MessageID, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote: upload %s: status %d", e.MessageID, e.StatusCode)
	default:
		return fmt.Sprintf("remote: upload %s: %v", e.MessageID, e.Err)
	}
}

func (e *UploadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUploadFailed}
	}
	return []error{ErrUploadFailed, e.Err}
}

// IsRateLimited reports whether the store asked the client to slow down.
func (e *UploadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Temporary reports whether retrying later may succeed.
func (e *UploadError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
