package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a monitored account. Only active
// accounts are eligible for sync and relay.
type Status string

const (
	StatusOnboarding Status = "onboarding"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	// StatusPaused marks an account whose refresh token was rejected by
	// the provider. It requires manual re-authorization and is never
	// retried automatically.
	StatusPaused Status = "paused"
)

// Mode is the automation mode forwarded opaquely in the relay payload.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeAgent     Mode = "agent"
)

// Account is one monitored mailbox.
type Account struct {
	ID             string
	OwnerID        string
	Name           string
	EmailAddress   string
	Status         Status
	AutomationMode Mode
	RefreshToken   string
	// SyncCursor is the Gmail history id of the last synced change.
	// Zero until the first successful watch registration.
	SyncCursor uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OutboxBatch is a relay payload that could not be delivered inline and
// awaits out-of-band redelivery.
type OutboxBatch struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// ErrNotFound is returned when no account matches the lookup key.
var ErrNotFound = errors.New("account not found")

// Store is the durable account record plus the relay outbox. It is the
// only mutable state shared between notification handlers.
type Store interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// Upsert inserts the account or, when one already exists for the same
	// email address, updates it in place. An empty incoming refresh token
	// preserves the stored one, so re-authorization never blanks a
	// credential.
	Upsert(ctx context.Context, acct *Account) (*Account, error)

	// AdvanceCursor conditionally moves the sync cursor forward. The
	// update applies only when cursor is strictly after the stored value
	// (or the stored value is unset) and reports whether it did. A false
	// return means another handler already advanced past this point and
	// the caller's message batch must be discarded.
	AdvanceCursor(ctx context.Context, id string, cursor uint64) (bool, error)

	SetStatus(ctx context.Context, id string, status Status) error

	// Relay outbox operations.
	AppendRelayBatch(ctx context.Context, subject string, payload []byte, msgID string) error
	DequeueRelayOutbox(ctx context.Context, limit int) ([]OutboxBatch, error)
	MarkRelayPublished(ctx context.Context, id int64) error
	MarkRelayRetry(ctx context.Context, id int64, backoff time.Duration) error

	Close() error
}
