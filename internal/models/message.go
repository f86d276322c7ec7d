package models

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Kind is the application-level category of a message.
type Kind string

const (
	KindSOS  Kind = "SOS"
	KindChat Kind = "CHAT"
)

// Wire types carried in the "type" field of a mesh frame.
const (
	TypeSOSBroadcast  = "SOS_BROADCAST"
	TypeChatBroadcast = "CHAT_BROADCAST"
)

// DefaultTTL is how long a message stays eligible for relay.
const DefaultTTL = 5 * time.Minute

// ErrUnknownType is returned when a frame carries a type this node does not
// understand. Receivers drop such frames without treating them as faults.
var ErrUnknownType = errors.New("models: unknown message type")

// ErrInvalidMessageID is returned for ids outside [A-Za-z0-9_-] or longer
// than MaxMessageIDLen. Ids name remote documents, so they must be safe as
// a single path segment.
var ErrInvalidMessageID = errors.New("models: invalid message id")

// MaxMessageIDLen bounds the length of a message id.
const MaxMessageIDLen = 64

// ValidMessageID reports whether id is non-empty, at most MaxMessageIDLen
// bytes and made only of letters, digits, '-' and '_'.
func ValidMessageID(id string) bool {
	if id == "" || len(id) > MaxMessageIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Message is a single emergency or chat message. ID is assigned once by the
// originator and never changes as the message is relayed.
type Message struct {
	ID        string          `json:"id" cbor:"id"`
	SenderID  string          `json:"sender_id" cbor:"sender_id"`
	Kind      Kind            `json:"kind" cbor:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at" cbor:"created_at"`
	HopCount  uint            `json:"hop_count" cbor:"hop_count"`
	TTL       time.Duration   `json:"ttl" cbor:"ttl"`
}

// Age returns how long ago the message was created relative to now.
func (m Message) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// Expired reports whether the message is older than its TTL. A zero TTL
// falls back to fallbackTTL.
func (m Message) Expired(now time.Time, fallbackTTL time.Duration) bool {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	return m.Age(now) > ttl
}

// NewMessageID derives a stable identifier from the sender, the creation
// time and a per-sender sequence number. The sequence keeps two messages
// created in the same millisecond apart.
func NewMessageID(senderID string, createdAt time.Time, sequence uint64) string {
	hasher := blake3.New()
	hasher.Write([]byte(senderID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatInt(createdAt.UnixMilli(), 10)))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatUint(sequence, 10)))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// WireMessage is the JSON frame exchanged over a broadcast medium.
type WireMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId"`
	Hops      uint            `json:"hops"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId"`
	TTL       int64           `json:"ttl,omitempty"`
}

// Wire converts m to its frame representation.
func (m Message) Wire() WireMessage {
	wire := WireMessage{
		Payload:   m.Payload,
		MessageID: m.ID,
		Hops:      m.HopCount,
		Timestamp: m.CreatedAt.UnixMilli(),
		SenderID:  m.SenderID,
		TTL:       m.TTL.Milliseconds(),
	}
	switch m.Kind {
	case KindChat:
		wire.Type = TypeChatBroadcast
	default:
		wire.Type = TypeSOSBroadcast
	}
	return wire
}

// Message converts a frame back to a Message. Frames with an unrecognised
// type return ErrUnknownType.
func (w WireMessage) Message() (Message, error) {
	var kind Kind
	switch w.Type {
	case TypeSOSBroadcast:
		kind = KindSOS
	case TypeChatBroadcast:
		kind = KindChat
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	if !ValidMessageID(w.MessageID) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidMessageID, w.MessageID)
	}
	if w.SenderID == "" {
		return Message{}, errors.New("models: frame has no senderId")
	}
	return Message{
		ID:        w.MessageID,
		SenderID:  w.SenderID,
		Kind:      kind,
		Payload:   w.Payload,
		CreatedAt: time.UnixMilli(w.Timestamp).UTC(),
		HopCount:  w.Hops,
		TTL:       time.Duration(w.TTL) * time.Millisecond,
	}, nil
}

// EncodeFrame marshals m into a mesh frame.
func EncodeFrame(m Message) ([]byte, error) {
	return json.Marshal(m.Wire())
}

// DecodeFrame parses a mesh frame.
func DecodeFrame(frame []byte) (Message, error) {
	var wire WireMessage
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Message{}, fmt.Errorf("models: decoding frame: %w", err)
	}
	return wire.Message()
}
