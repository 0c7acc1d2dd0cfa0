package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nalgeon/be"
)

func testPayload() *Payload {
	return &Payload{
		CreatorID:      "acct-1",
		CreatorEmail:   "ada@example.com",
		AutomationMode: "assistant",
		Emails: []Email{
			{ID: "m1", Subject: "Hello", From: "brand@example.com", Body: "hi", ThreadID: "t1"},
		},
	}
}

func TestDeliver(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		be.Equal(t, r.Method, http.MethodPost)
		be.Equal(t, r.Header.Get("Content-Type"), "application/json")
		be.Err(t, json.NewDecoder(r.Body).Decode(&got), nil)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	be.Err(t, c.Deliver(context.Background(), testPayload()), nil)

	be.Equal(t, got["creator_id"], "acct-1")
	be.Equal(t, got["creator_email"], "ada@example.com")
	be.Equal(t, got["automation_mode"], "assistant")
	emails := got["emails"].([]any)
	be.Equal(t, len(emails), 1)
	first := emails[0].(map[string]any)
	be.Equal(t, first["id"], "m1")
	be.Equal(t, first["thread_id"], "t1")
}

func TestDeliverNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow disabled", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.Deliver(context.Background(), testPayload())

	var derr *DeliveryError
	be.True(t, errors.As(err, &derr))
	be.Equal(t, derr.StatusCode, http.StatusBadGateway)
}

func TestDeliverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 20*time.Millisecond)
	err := c.Deliver(context.Background(), testPayload())

	var derr *DeliveryError
	be.True(t, errors.As(err, &derr))
	be.Equal(t, derr.StatusCode, 0)
}
