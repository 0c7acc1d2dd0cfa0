package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	syncpipe "github.com/creatorstack/mailrelay/internal/sync"
)

// pushEnvelope is the Pub/Sub push delivery wrapper around a Gmail watch
// notification.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushPayload is the base64-encoded inner JSON. Gmail documents historyId
// as a string but has been observed sending a bare number, so both are
// accepted.
type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"-"`
}

func (p *pushPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		EmailAddress string          `json:"emailAddress"`
		HistoryID    json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.EmailAddress = raw.EmailAddress
	if len(raw.HistoryID) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw.HistoryID, &asString); err == nil {
		p.HistoryID = asString
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw.HistoryID, &asNumber); err == nil {
		p.HistoryID = strings.TrimSpace(asNumber.String())
		return nil
	}
	return fmt.Errorf("historyId must be a string or number")
}

// decode unwraps the envelope into a pipeline notification.
func (e *pushEnvelope) decode() (syncpipe.Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(e.Message.Data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(e.Message.Data)
	}
	if err != nil {
		return syncpipe.Notification{}, fmt.Errorf("data is not valid base64: %w", err)
	}

	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return syncpipe.Notification{}, fmt.Errorf("data is not valid notification JSON: %w", err)
	}
	if payload.EmailAddress == "" {
		return syncpipe.Notification{}, fmt.Errorf("notification missing emailAddress")
	}

	return syncpipe.Notification{
		EmailAddress: payload.EmailAddress,
		HistoryID:    payload.HistoryID,
	}, nil
}
