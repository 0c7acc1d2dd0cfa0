package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nalgeon/be"

	"github.com/creatorstack/mailrelay/internal/gmail"
	"github.com/creatorstack/mailrelay/internal/store"
	syncpipe "github.com/creatorstack/mailrelay/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePipeline struct {
	got    syncpipe.Notification
	result *syncpipe.Result
	err    error
}

func (f *fakePipeline) Handle(ctx context.Context, n syncpipe.Notification) (*syncpipe.Result, error) {
	f.got = n
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeExchanger struct {
	grant *gmail.TokenGrant
	err   error
}

func (f *fakeExchanger) ExchangeCode(ctx context.Context, code string) (*gmail.TokenGrant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

type fakeWatch struct {
	baseline uint64
	err      error
	mailbox  string
}

func (f *fakeWatch) RegisterWatch(ctx context.Context, mailbox, accessToken string) (uint64, error) {
	f.mailbox = mailbox
	if f.err != nil {
		return 0, f.err
	}
	return f.baseline, nil
}

type fakeStore struct {
	upserted *store.Account
	advanced uint64
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*store.Account, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetByEmail(ctx context.Context, email string) (*store.Account, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) Upsert(ctx context.Context, acct *store.Account) (*store.Account, error) {
	f.upserted = acct
	return acct, nil
}
func (f *fakeStore) AdvanceCursor(ctx context.Context, id string, cursor uint64) (bool, error) {
	f.advanced = cursor
	return true, nil
}
func (f *fakeStore) SetStatus(ctx context.Context, id string, status store.Status) error { return nil }
func (f *fakeStore) AppendRelayBatch(ctx context.Context, subject string, payload []byte, msgID string) error {
	return nil
}
func (f *fakeStore) DequeueRelayOutbox(ctx context.Context, limit int) ([]store.OutboxBatch, error) {
	return nil, nil
}
func (f *fakeStore) MarkRelayPublished(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) MarkRelayRetry(ctx context.Context, id int64, d time.Duration) error {
	return nil
}

func (f *fakeStore) Close() error { return nil }

func testConfig() Config {
	return Config{
		SuccessRedirectURL: "https://app.example.com/dashboard?creator_added=true",
		ErrorRedirectURL:   "https://app.example.com/dashboard?creator_added=false&error=true",
	}
}

func newTestServer(st store.Store, tokens CodeExchanger, watch syncpipe.WatchRegistrar, pipeline NotificationHandler) *gin.Engine {
	s := New(testConfig(), st, tokens, watch, pipeline, slog.New(slog.DiscardHandler))
	return s.Routes()
}

func notificationBody(t *testing.T, inner string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString([]byte(inner)),
			"messageId": "pubsub-1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	be.Err(t, err, nil)
	return string(body)
}

func postNotification(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestNotificationWrongMethod(t *testing.T) {
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, &fakePipeline{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	be.Equal(t, w.Code, http.StatusMethodNotAllowed)
}

func TestNotificationMalformedEnvelope(t *testing.T) {
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, &fakePipeline{})

	// Not JSON at all.
	be.Equal(t, postNotification(r, "not json").Code, http.StatusBadRequest)

	// Missing message.data.
	be.Equal(t, postNotification(r, `{"message": {}}`).Code, http.StatusBadRequest)

	// data is not base64.
	be.Equal(t, postNotification(r, `{"message": {"data": "%%%"}}`).Code, http.StatusBadRequest)

	// Decoded data is not the notification shape.
	be.Equal(t, postNotification(r, notificationBody(t, "plain text")).Code, http.StatusBadRequest)

	// Missing emailAddress.
	be.Equal(t, postNotification(r, notificationBody(t, `{"historyId": "100"}`)).Code, http.StatusBadRequest)
}

func TestNotificationAcknowledged(t *testing.T) {
	pipeline := &fakePipeline{result: &syncpipe.Result{Outcome: syncpipe.OutcomeSynced, Delivered: 2}}
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, pipeline)

	// historyId arrives as a bare number here; both forms decode.
	w := postNotification(r, notificationBody(t, `{"emailAddress": "ada@example.com", "historyId": 100}`))
	be.Equal(t, w.Code, http.StatusOK)
	be.Equal(t, pipeline.got.EmailAddress, "ada@example.com")
	be.Equal(t, pipeline.got.HistoryID, "100")

	var resp map[string]string
	be.Err(t, json.Unmarshal(w.Body.Bytes(), &resp), nil)
	be.Equal(t, resp["status"], "acknowledged")
	be.Equal(t, resp["outcome"], "synced")
}

func TestNotificationUnknownMailboxStillAcknowledged(t *testing.T) {
	pipeline := &fakePipeline{result: &syncpipe.Result{Outcome: syncpipe.OutcomeAccountNotFound}}
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, pipeline)

	w := postNotification(r, notificationBody(t, `{"emailAddress": "a@x.com", "historyId": "100"}`))
	be.Equal(t, w.Code, http.StatusOK)

	var resp map[string]string
	be.Err(t, json.Unmarshal(w.Body.Bytes(), &resp), nil)
	be.Equal(t, resp["outcome"], "account-not-found")
}

func TestNotificationInternalFaultAcknowledged(t *testing.T) {
	pipeline := &fakePipeline{err: errors.New("store unavailable")}
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, pipeline)

	w := postNotification(r, notificationBody(t, `{"emailAddress": "ada@example.com", "historyId": "1"}`))
	be.Equal(t, w.Code, http.StatusOK)

	var resp map[string]string
	be.Err(t, json.Unmarshal(w.Body.Bytes(), &resp), nil)
	be.Equal(t, resp["outcome"], "internal-error")
}

func TestNotificationConfigErrorIs500(t *testing.T) {
	pipeline := &fakePipeline{err: gmail.ErrMissingCredentials}
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, pipeline)

	w := postNotification(r, notificationBody(t, `{"emailAddress": "ada@example.com", "historyId": "1"}`))
	be.Equal(t, w.Code, http.StatusInternalServerError)
}

func getCallback(r *gin.Engine, query string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth2/callback?"+query, nil))
	return w
}

func redirectReason(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	u, err := url.Parse(w.Header().Get("Location"))
	be.Err(t, err, nil)
	return u.Query().Get("reason")
}

func TestCallbackMissingCode(t *testing.T) {
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, &fakePipeline{})

	w := getCallback(r, "state=owner-1")
	be.Equal(t, w.Code, http.StatusBadRequest)
}

func TestCallbackInvalidOwnerState(t *testing.T) {
	r := newTestServer(&fakeStore{}, &fakeExchanger{}, &fakeWatch{}, &fakePipeline{})

	for _, query := range []string{"code=abc", "code=abc&state=anonymous"} {
		w := getCallback(r, query)
		be.Equal(t, w.Code, http.StatusFound)
		be.Equal(t, redirectReason(t, w), "invalid_owner")
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	tokens := &fakeExchanger{err: &gmail.UpstreamAuthError{Op: "exchange", Reason: "invalid_grant"}}
	r := newTestServer(&fakeStore{}, tokens, &fakeWatch{}, &fakePipeline{})

	w := getCallback(r, "code=expired&state=owner-1")
	be.Equal(t, w.Code, http.StatusFound)
	be.Equal(t, redirectReason(t, w), "token_exchange_failed")
}

func TestCallbackWatchFailure(t *testing.T) {
	st := &fakeStore{}
	tokens := &fakeExchanger{grant: &gmail.TokenGrant{
		AccessToken: "access-1", RefreshToken: "refresh-1",
		Email: "ada@example.com", Name: "Ada Creator",
	}}
	watch := &fakeWatch{err: &gmail.UpstreamAPIError{Op: "users.watch", StatusCode: 403}}
	r := newTestServer(st, tokens, watch, &fakePipeline{})

	w := getCallback(r, "code=abc&state=owner-1")
	be.Equal(t, w.Code, http.StatusFound)
	be.Equal(t, redirectReason(t, w), "watch_failed")
}

func TestCallbackOnboardsMailbox(t *testing.T) {
	st := &fakeStore{}
	tokens := &fakeExchanger{grant: &gmail.TokenGrant{
		AccessToken: "access-1", RefreshToken: "refresh-1",
		Email: "ada@example.com", Name: "Ada Creator",
	}}
	watch := &fakeWatch{baseline: 1000}
	r := newTestServer(st, tokens, watch, &fakePipeline{})

	w := getCallback(r, "code=abc&state=owner-1")
	be.Equal(t, w.Code, http.StatusFound)
	be.Equal(t, w.Header().Get("Location"), testConfig().SuccessRedirectURL)
	// Tokens never leak into the redirect.
	be.True(t, !strings.Contains(w.Header().Get("Location"), "refresh-1"))

	be.True(t, st.upserted != nil)
	be.Equal(t, st.upserted.OwnerID, "owner-1")
	be.Equal(t, st.upserted.EmailAddress, "ada@example.com")
	be.Equal(t, st.upserted.Status, store.StatusActive)
	be.Equal(t, st.upserted.AutomationMode, store.ModeAssistant)
	be.Equal(t, st.upserted.RefreshToken, "refresh-1")

	be.Equal(t, watch.mailbox, "ada@example.com")
	be.Equal(t, st.advanced, uint64(1000))
}
