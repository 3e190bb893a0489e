// Package inbox persists inbound notifications and feeds them to a bounded worker pool.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a stored message.
type State string

const (
	StatePending State = "pending"
	StateDead    State = "dead"
)

// KindPayment marks a payment notification.
const KindPayment = "payment"

var (
	// ErrMessageNotFound indicates the message id is unknown to the store.
	ErrMessageNotFound = errors.New("inbox: message not found")
	// ErrInvalidMessage indicates a message is missing required fields.
	ErrInvalidMessage = errors.New("inbox: invalid message")
	// ErrNotDead is returned when replaying a message that is not dead-lettered.
	ErrNotDead = errors.New("inbox: message is not dead-lettered")
)

// Message is one durable unit of work.
type Message struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	PaymentID     string    `json:"payment_id"`
	ReceivedAt    time.Time `json:"received_at"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	State         State     `json:"state"`
}

// Store persists messages. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, msg Message) error
	Get(ctx context.Context, id string) (Message, error)
	Delete(ctx context.Context, id string) error
	// Due returns pending messages whose NextAttemptAt is not after now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// List returns messages in the given state, oldest first. An empty state lists everything.
	List(ctx context.Context, state State, limit int) ([]Message, error)
	Count(ctx context.Context, state State) (int, error)
	Close() error
}

// NewMessage builds a pending message ready for immediate delivery.
func NewMessage(kind, paymentID string, now time.Time) (Message, error) {
	kind = strings.TrimSpace(kind)
	paymentID = strings.TrimSpace(paymentID)
	if kind == "" || paymentID == "" {
		return Message{}, fmt.Errorf("%w: kind and payment id are required", ErrInvalidMessage)
	}
	now = now.UTC()
	return Message{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:          kind,
		PaymentID:     paymentID,
		ReceivedAt:    now,
		NextAttemptAt: now,
		State:         StatePending,
	}, nil
}

// Requeue moves a dead-lettered message back to pending with a fresh attempt budget.
func Requeue(ctx context.Context, store Store, id string, now time.Time) (Message, error) {
	msg, err := store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return Message{}, err
	}
	if msg.State != StateDead {
		return Message{}, ErrNotDead
	}
	msg.State = StatePending
	msg.Attempts = 0
	msg.NextAttemptAt = now.UTC()
	if err := store.Put(ctx, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func matches(msg Message, state State) bool {
	return state == "" || msg.State == state
}
