// Package events defines the wire contract between the borrow and inventory
// services. Events are immutable facts and the only channel of truth between
// the participants; neither service calls the other synchronously.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Topic names double as event types. Requests and compensations are keyed by
// bookId so the inventory side sees them in order per title; outcomes and
// notifications are keyed by borrowId so the borrow record sees them in order
// per saga.
const (
	TopicBookReserveRequested     = "book-reserve-requested"
	TopicBookReserved             = "book-reserved"
	TopicBookReserveFailed        = "book-reserve-failed"
	TopicBookReservationCancelled = "book-reservation-cancelled"
	TopicBookReturned             = "book-returned"
	TopicBookReturnConfirmed      = "book-return-confirmed"
	TopicBorrowConfirmed          = "borrow-confirmed"
	TopicBorrowFailed             = "borrow-failed"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope wraps every published payload. EventID is the deduplication key:
// consumers record group|eventId after a successful handle and skip replays.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload. eventType is the topic the envelope will be
// published on; sagaID scopes the event id. Each topic carries at most one
// fact per saga, so republishing the same fact after a failed or uncertain
// publish yields a duplicate under the original id, never a second fact.
func NewEnvelope(eventType, sagaID string, payload any) (Envelope, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    SagaEventID(eventType, sagaID),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// SagaEventID derives the stable event id for a saga-scoped fact.
func SagaEventID(eventType, sagaID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventType+"|"+sagaID)).String()
}

func (e Envelope) Decode(v any) error {
	return codec.Unmarshal(e.Payload, v)
}

func Marshal(e Envelope) ([]byte, error) {
	return codec.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := codec.Unmarshal(data, &e)
	return e, err
}

type BookReserveRequested struct {
	BorrowID string `json:"borrowId"`
	BookID   string `json:"bookId"`
	UserID   string `json:"userId"`
}

type BookReserved struct {
	BorrowID  string `json:"borrowId"`
	BookID    string `json:"bookId"`
	UserID    string `json:"userId"`
	BookTitle string `json:"bookTitle"`
	Author    string `json:"author"`
	ISBN      string `json:"isbn"`
}

type BookReserveFailed struct {
	BorrowID  string `json:"borrowId"`
	BookID    string `json:"bookId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	BookTitle string `json:"bookTitle,omitempty"`
	Reason    string `json:"reason"`
}

type BookReservationCancelled struct {
	BorrowID string `json:"borrowId"`
	BookID   string `json:"bookId"`
}

type BookReturned struct {
	BorrowID string `json:"borrowId"`
	BookID   string `json:"bookId"`
}

type BookReturnConfirmed struct {
	BorrowID  string `json:"borrowId"`
	BookID    string `json:"bookId"`
	UserID    string `json:"userId"`
	BookTitle string `json:"bookTitle"`
	Author    string `json:"author"`
	ISBN      string `json:"isbn"`
}

type BorrowConfirmed struct {
	BorrowID  string    `json:"borrowId"`
	BookID    string    `json:"bookId"`
	UserID    string    `json:"userId"`
	BookTitle string    `json:"bookTitle"`
	Author    string    `json:"author"`
	ISBN      string    `json:"isbn"`
	DueDate   time.Time `json:"dueDate"`
}

type BorrowFailed struct {
	BorrowID  string `json:"borrowId"`
	BookID    string `json:"bookId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	BookTitle string `json:"bookTitle,omitempty"`
	Reason    string `json:"reason"`
}
