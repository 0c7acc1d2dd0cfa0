package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/creatorstack/mailrelay/internal/gmail"
	"github.com/creatorstack/mailrelay/internal/relay"
	"github.com/creatorstack/mailrelay/internal/store"
)

// Notification is a decoded Gmail push notification. HistoryID is a hint
// only: notifications arrive out of order and coalesced, so the sync
// always starts from the persisted cursor, never from this value.
type Notification struct {
	EmailAddress string
	HistoryID    string
}

// Outcome is the terminal state of one notification cycle. Every outcome
// is acknowledged to the push transport; they differ in what happened
// inside and what telemetry records.
type Outcome string

const (
	// OutcomeSynced: messages fetched, cursor advanced, batch relayed.
	OutcomeSynced Outcome = "synced"
	// OutcomeNoNewMail: the notification was redundant or referred to
	// non-message history records.
	OutcomeNoNewMail Outcome = "no-new-mail"
	// OutcomeAccountNotFound: notification for an unknown mailbox.
	OutcomeAccountNotFound Outcome = "account-not-found"
	// OutcomeIneligible: account exists but is not active. Expected and
	// frequent; not a fault.
	OutcomeIneligible Outcome = "ineligible"
	// OutcomeAuthRevoked: the refresh token was rejected; the account is
	// now paused pending manual re-authorization.
	OutcomeAuthRevoked Outcome = "auth-revoked"
	// OutcomeCursorExpired: the persisted cursor fell out of Gmail's
	// retained window. The watch was re-registered to re-baseline; the
	// gap is logged as lost.
	OutcomeCursorExpired Outcome = "cursor-expired"
	// OutcomeDuplicate: a concurrent handler advanced the cursor first;
	// this handler's batch was discarded without relay.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSyncOnly: cursor advanced but the handler deadline expired
	// before relay; the batch was routed to the outbox.
	OutcomeSyncOnly Outcome = "sync-only"
	// OutcomeRelayFailed: downstream delivery failed; the batch was
	// routed to the outbox and the notification still acknowledged.
	OutcomeRelayFailed Outcome = "relay-failed"
)

// Result reports how a notification cycle ended.
type Result struct {
	Outcome   Outcome
	Account   *store.Account
	Delivered int // messages relayed downstream
}

// TokenSource exchanges a stored refresh token for a fresh access token.
type TokenSource interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, error)
}

// HistorySource fetches new messages after a cursor.
type HistorySource interface {
	FetchSince(ctx context.Context, mailbox, accessToken string, cursor uint64) (*gmail.SyncResult, error)
}

// WatchRegistrar (re)registers the push subscription for a mailbox and
// returns the baseline cursor.
type WatchRegistrar interface {
	RegisterWatch(ctx context.Context, mailbox, accessToken string) (uint64, error)
}

// Deliverer sends a batch downstream.
type Deliverer interface {
	Deliver(ctx context.Context, p *relay.Payload) error
}

// Pipeline drives one notification from decoded envelope to acknowledged
// outcome. It is stateless; concurrent invocations coordinate only through
// the store's conditional cursor advance.
type Pipeline struct {
	store   store.Store
	tokens  TokenSource
	history HistorySource
	watch   WatchRegistrar
	relay   Deliverer
	log     *slog.Logger
}

// NewPipeline wires the notification pipeline.
func NewPipeline(st store.Store, tokens TokenSource, history HistorySource, watch WatchRegistrar, deliverer Deliverer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:   st,
		tokens:  tokens,
		history: history,
		watch:   watch,
		relay:   deliverer,
		log:     log,
	}
}

// Handle runs one notification cycle. A nil error means the notification
// is acknowledged with the returned outcome; a non-nil error is an
// internal fault the caller logs (and, per the push-channel contract,
// still acknowledges unless it is an operator configuration problem).
func (p *Pipeline) Handle(ctx context.Context, n Notification) (*Result, error) {
	// Store writes survive caller disconnects: a cursor advance that the
	// provider calls already paid for must persist even when the push
	// transport gave up on the request.
	storeCtx := context.WithoutCancel(ctx)

	acct, err := p.store.GetByEmail(storeCtx, n.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.log.Debug("notification for unknown mailbox", "mailbox", n.EmailAddress)
			return &Result{Outcome: OutcomeAccountNotFound}, nil
		}
		return nil, fmt.Errorf("load account %s: %w", n.EmailAddress, err)
	}

	if acct.Status != store.StatusActive {
		p.log.Debug("account not eligible for sync",
			"mailbox", acct.EmailAddress, "status", acct.Status)
		return &Result{Outcome: OutcomeIneligible, Account: acct}, nil
	}

	accessToken, err := p.tokens.RefreshAccessToken(ctx, acct.RefreshToken)
	if err != nil {
		var authErr *gmail.UpstreamAuthError
		if errors.As(err, &authErr) {
			// Revoked credential: terminal for this account. Pause it so
			// redeliveries stop hitting the token endpoint; the dashboard
			// surfaces the re-authorization requirement.
			if serr := p.store.SetStatus(storeCtx, acct.ID, store.StatusPaused); serr != nil {
				p.log.Error("failed to pause account after token revocation",
					"mailbox", acct.EmailAddress, "error", serr)
			}
			p.log.Warn("refresh token revoked, account paused",
				"mailbox", acct.EmailAddress, "reason", authErr.Reason)
			return &Result{Outcome: OutcomeAuthRevoked, Account: acct}, nil
		}
		return nil, fmt.Errorf("refresh access token for %s: %w", acct.EmailAddress, err)
	}

	// Sync from the persisted cursor, not the notification's historyId.
	res, err := p.history.FetchSince(ctx, acct.EmailAddress, accessToken, acct.SyncCursor)
	if err != nil {
		var expired *gmail.CursorExpiredError
		if errors.As(err, &expired) {
			return p.rebaseline(ctx, storeCtx, acct, accessToken)
		}
		return nil, fmt.Errorf("history sync for %s: %w", acct.EmailAddress, err)
	}

	if len(res.Messages) == 0 {
		if res.NewCursor > acct.SyncCursor {
			if _, err := p.store.AdvanceCursor(storeCtx, acct.ID, res.NewCursor); err != nil {
				return nil, fmt.Errorf("advance cursor for %s: %w", acct.EmailAddress, err)
			}
		}
		return &Result{Outcome: OutcomeNoNewMail, Account: acct}, nil
	}

	// Cursor persistence happens before relay: a crash after this point
	// can at worst drop one relay batch into the outcome log, never
	// re-relay already-synced messages.
	advanced, err := p.store.AdvanceCursor(storeCtx, acct.ID, res.NewCursor)
	if err != nil {
		return nil, fmt.Errorf("advance cursor for %s: %w", acct.EmailAddress, err)
	}
	if !advanced {
		// A concurrent handler won the conditional write; its batch
		// covers these messages. Relaying ours would duplicate delivery.
		p.log.Info("cursor already advanced, discarding batch",
			"mailbox", acct.EmailAddress, "cursor", res.NewCursor, "messages", len(res.Messages))
		return &Result{Outcome: OutcomeDuplicate, Account: acct}, nil
	}

	payload := buildPayload(acct, res.Messages)

	if ctx.Err() != nil {
		// Deadline expired mid-cycle. The sync is durable; defer the
		// relay to the out-of-band path instead of racing the deadline.
		p.enqueueGap(storeCtx, acct, res.NewCursor, payload)
		p.log.Warn("handler deadline expired before relay, batch deferred",
			"mailbox", acct.EmailAddress, "messages", len(res.Messages))
		return &Result{Outcome: OutcomeSyncOnly, Account: acct}, nil
	}

	if err := p.relay.Deliver(ctx, payload); err != nil {
		p.enqueueGap(storeCtx, acct, res.NewCursor, payload)
		p.log.Error("relay delivery failed, batch deferred",
			"mailbox", acct.EmailAddress, "messages", len(res.Messages), "error", err)
		return &Result{Outcome: OutcomeRelayFailed, Account: acct}, nil
	}

	p.log.Info("relayed new messages",
		"mailbox", acct.EmailAddress, "messages", len(res.Messages), "cursor", res.NewCursor)
	return &Result{Outcome: OutcomeSynced, Account: acct, Delivered: len(res.Messages)}, nil
}

// rebaseline handles an expired cursor: messages in the gap are gone from
// the history API, so re-register the watch to obtain a fresh baseline and
// record the loss loudly.
func (p *Pipeline) rebaseline(ctx, storeCtx context.Context, acct *store.Account, accessToken string) (*Result, error) {
	baseline, err := p.watch.RegisterWatch(ctx, acct.EmailAddress, accessToken)
	if err != nil {
		// Never escalate as 5xx from the notification path; log and
		// acknowledge, the next notification retries the re-baseline.
		p.log.Error("re-baseline watch registration failed",
			"mailbox", acct.EmailAddress, "error", err)
		return &Result{Outcome: OutcomeCursorExpired, Account: acct}, nil
	}

	if _, err := p.store.AdvanceCursor(storeCtx, acct.ID, baseline); err != nil {
		return nil, fmt.Errorf("persist re-baseline cursor for %s: %w", acct.EmailAddress, err)
	}

	p.log.Error("sync cursor expired, mailbox re-baselined; messages in the gap were not relayed",
		"mailbox", acct.EmailAddress, "old_cursor", acct.SyncCursor, "baseline", baseline)
	return &Result{Outcome: OutcomeCursorExpired, Account: acct}, nil
}

// enqueueGap records an undelivered batch in the relay outbox. The msg id
// is derived from the account and cursor so duplicate cycles collapse.
func (p *Pipeline) enqueueGap(ctx context.Context, acct *store.Account, cursor uint64, payload *relay.Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal deferred relay batch", "mailbox", acct.EmailAddress, "error", err)
		return
	}

	subject := fmt.Sprintf("relay.gap.%s", acct.ID)
	msgID := fmt.Sprintf("relay.gap|%s|%d", acct.ID, cursor)
	if err := p.store.AppendRelayBatch(ctx, subject, body, msgID); err != nil {
		p.log.Error("failed to enqueue deferred relay batch",
			"mailbox", acct.EmailAddress, "error", err)
	}
}

func buildPayload(acct *store.Account, messages []gmail.Message) *relay.Payload {
	emails := make([]relay.Email, 0, len(messages))
	for _, m := range messages {
		emails = append(emails, relay.Email{
			ID:       m.ID,
			Subject:  m.Subject,
			From:     m.From,
			Body:     m.Body,
			ThreadID: m.ThreadID,
		})
	}
	return &relay.Payload{
		CreatorID:      acct.ID,
		CreatorEmail:   acct.EmailAddress,
		AutomationMode: string(acct.AutomationMode),
		Emails:         emails,
	}
}
