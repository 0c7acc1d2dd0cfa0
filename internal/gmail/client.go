package gmail

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client wraps the Gmail API for watch registration and incremental
// history sync. It is stateless: every call builds a service around the
// caller-supplied access token, since access tokens are fetched fresh per
// notification cycle.
type Client struct {
	topic string
	opts  []option.ClientOption
}

// NewClient creates a Gmail client. topic is the Pub/Sub topic watch
// notifications are published to. Extra options replace the default
// bearer-token transport; tests use them to point at a fake API server.
func NewClient(topic string, opts ...option.ClientOption) *Client {
	return &Client{topic: topic, opts: opts}
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	opts := c.opts
	if len(opts) == 0 {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
		opts = []option.ClientOption{option.WithTokenSource(src)}
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// RegisterWatch subscribes the mailbox inbox to push notifications and
// returns the baseline history cursor reported by Gmail. Registering again
// for the same mailbox replaces the prior subscription, so the call is
// safe to repeat for renewal or re-baseline.
func (c *Client) RegisterWatch(ctx context.Context, mailbox, accessToken string) (uint64, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return 0, err
	}

	res, err := svc.Users.Watch(mailbox, &gmail.WatchRequest{
		TopicName: c.topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return 0, &UpstreamAPIError{Op: "users.watch", StatusCode: gerr.Code, Err: err}
		}
		return 0, fmt.Errorf("watch registration for %s: %w", mailbox, err)
	}

	return res.HistoryId, nil
}
