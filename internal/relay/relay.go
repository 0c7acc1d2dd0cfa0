package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Email is one normalized message in the relay payload.
type Email struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	From     string `json:"from"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id"`
}

// Payload is the JSON body delivered to the downstream automation
// endpoint. Field names are part of the wire contract with the automation
// system and keep the source domain's "creator" vocabulary.
type Payload struct {
	CreatorID      string  `json:"creator_id"`
	CreatorEmail   string  `json:"creator_email"`
	AutomationMode string  `json:"automation_mode"`
	Emails         []Email `json:"emails"`
}

// DeliveryError is a failed downstream delivery: a transport error,
// timeout, or non-2xx response. It is reported for escalation but never
// blocks acknowledgement of the originating push notification.
type DeliveryError struct {
	StatusCode int // zero when the request never completed
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay delivery failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("relay delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Client delivers message batches to the downstream automation endpoint.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a relay client with a bounded per-call timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver posts the payload downstream. Any non-2xx response or transport
// failure returns a *DeliveryError.
func (c *Client) Deliver(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", bytes.TrimSpace(detail)),
		}
	}

	return nil
}
