package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const (
	historyMaxResults = 100

	// Bounded retry for transient history-list failures. Retrying here is
	// cheap; relying on Pub/Sub redelivery instead would arrive with a
	// stale cursor context.
	historyMaxAttempts = 3
	historyRetryDelay  = 500 * time.Millisecond
)

// Message is a new mail message normalized for the relay payload.
type Message struct {
	ID       string
	ThreadID string
	Subject  string
	From     string
	Body     string
}

// SyncResult is the outcome of an incremental history fetch.
type SyncResult struct {
	// Messages in provider history order.
	Messages []Message
	// NewCursor is the terminal history id reported by the provider; the
	// caller persists it via a conditional advance.
	NewCursor uint64
}

// FetchSince lists "message added" history records after cursor, hydrates
// each new message, and returns the terminal cursor. Other history record
// types (deletions, label changes) are ignored; this service only relays
// new mail.
//
// An expired cursor fails with *CursorExpiredError rather than an empty
// result: silently skipping would lose the gap's messages permanently.
func (c *Client) FetchSince(ctx context.Context, mailbox, accessToken string, cursor uint64) (*SyncResult, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var (
		added     []string
		newCursor uint64
	)
	for attempt := 1; ; attempt++ {
		added, newCursor, err = listAdded(ctx, svc, mailbox, cursor)
		if err == nil {
			break
		}
		var aerr *UpstreamAPIError
		if attempt < historyMaxAttempts && errors.As(err, &aerr) && aerr.Transient() {
			select {
			case <-time.After(historyRetryDelay * time.Duration(attempt)):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, err
	}

	messages := make([]Message, 0, len(added))
	for _, id := range added {
		full, err := svc.Users.Messages.Get(mailbox, id).Format("full").Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) {
				// Deleted between notification and hydration.
				if gerr.Code == 404 {
					continue
				}
				return nil, &UpstreamAPIError{Op: "messages.get", StatusCode: gerr.Code, Err: err}
			}
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		messages = append(messages, normalize(full))
	}

	return &SyncResult{Messages: messages, NewCursor: newCursor}, nil
}

// listAdded walks the paged history response, collecting added message ids
// in history order (deduped) and the highest history id observed.
func listAdded(ctx context.Context, svc *gmail.Service, mailbox string, cursor uint64) ([]string, uint64, error) {
	call := svc.Users.History.List(mailbox).
		StartHistoryId(cursor).
		HistoryTypes("messageAdded").
		MaxResults(historyMaxResults)

	newCursor := cursor
	seen := make(map[string]bool)
	var ids []string

	err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		// The terminal cursor comes from the last page; taking the max
		// also covers out-of-order record ids within a page.
		if page.HistoryId > newCursor {
			newCursor = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > newCursor {
				newCursor = h.Id
			}
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || rec.Message.Id == "" || seen[rec.Message.Id] {
					continue
				}
				seen[rec.Message.Id] = true
				ids = append(ids, rec.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			// Gmail reports a startHistoryId past the retained window as 404.
			if gerr.Code == 404 {
				return nil, 0, &CursorExpiredError{Mailbox: mailbox, Cursor: cursor}
			}
			return nil, 0, &UpstreamAPIError{Op: "history.list", StatusCode: gerr.Code, Err: err}
		}
		return nil, 0, fmt.Errorf("history list for %s: %w", mailbox, err)
	}

	return ids, newCursor, nil
}

// normalize converts a full-format Gmail message to the relay shape.
func normalize(m *gmail.Message) Message {
	var subject, from string
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Subject":
				subject = h.Value
			case "From":
				from = h.Value
			}
		}
	}

	return Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Subject:  subject,
		From:     from,
		Body:     textBody(m.Payload),
	}
}

// textBody extracts a best-effort plain-text body: the first text/plain
// leaf part, else the top-level body, else the empty string. Extraction
// never fails; a message with no text simply relays an empty body.
func textBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if leaf := findPlainLeaf(p); leaf != nil {
		if s, ok := decodeBody(leaf.Body); ok {
			return s
		}
	}
	if s, ok := decodeBody(p.Body); ok {
		return s
	}
	return ""
}

func findPlainLeaf(p *gmail.MessagePart) *gmail.MessagePart {
	if len(p.Parts) == 0 {
		if p.MimeType == "text/plain" && p.Body != nil && p.Body.Data != "" {
			return p
		}
		return nil
	}
	for _, part := range p.Parts {
		if leaf := findPlainLeaf(part); leaf != nil {
			return leaf
		}
	}
	return nil
}

// decodeBody decodes a base64url body. Gmail pads some bodies and not
// others, so both variants are tried.
func decodeBody(b *gmail.MessagePartBody) (string, bool) {
	if b == nil || b.Data == "" {
		return "", false
	}
	if raw, err := base64.URLEncoding.DecodeString(b.Data); err == nil {
		return string(raw), true
	}
	if raw, err := base64.RawURLEncoding.DecodeString(b.Data); err == nil {
		return string(raw), true
	}
	return "", false
}
