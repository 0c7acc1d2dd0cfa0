package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/creatorstack/mailrelay/internal/gmail"
	"github.com/creatorstack/mailrelay/internal/store"
	syncpipe "github.com/creatorstack/mailrelay/internal/sync"
)

// CodeExchanger performs the OAuth authorization-code grant.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*gmail.TokenGrant, error)
}

// NotificationHandler runs one push-notification cycle.
type NotificationHandler interface {
	Handle(ctx context.Context, n syncpipe.Notification) (*syncpipe.Result, error)
}

// Config holds the redirect targets for the OAuth callback.
type Config struct {
	SuccessRedirectURL string
	ErrorRedirectURL   string
}

// Server owns the HTTP surface: the OAuth callback that onboards a
// mailbox and the Pub/Sub push webhook that drives sync.
type Server struct {
	cfg      Config
	store    store.Store
	tokens   CodeExchanger
	watch    syncpipe.WatchRegistrar
	pipeline NotificationHandler
	log      *slog.Logger
}

// New wires the HTTP server.
func New(cfg Config, st store.Store, tokens CodeExchanger, watch syncpipe.WatchRegistrar, pipeline NotificationHandler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		watch:    watch,
		pipeline: pipeline,
		log:      log,
	}
}

// Routes builds the gin engine. Wrong-method requests get a 405 so the
// push transport treats them as protocol errors rather than retrying.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/oauth2/callback", s.handleOAuthCallback)
	r.POST("/notifications", s.handleNotification)

	return r
}

// handleOAuthCallback bootstraps monitoring of a mailbox: code exchange,
// account upsert, watch registration, baseline cursor. The browser is
// always redirected; tokens never appear in the response.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "Missing authorization code")
		return
	}

	// state carries the owning manager's id. "anonymous" is the
	// frontend's placeholder for an unauthenticated session and never
	// resolves to an owner.
	ownerID := c.Query("state")
	if ownerID == "" || ownerID == "anonymous" {
		s.log.Error("oauth callback with invalid owner state", "state", ownerID)
		s.redirectError(c, "invalid_owner")
		return
	}

	ctx := c.Request.Context()

	grant, err := s.tokens.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, gmail.ErrMissingCredentials) {
			c.String(http.StatusInternalServerError, "Server configuration error")
			return
		}
		s.log.Error("authorization code exchange failed", "error", err)
		s.redirectError(c, "token_exchange_failed")
		return
	}

	acct, err := s.store.Upsert(ctx, &store.Account{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           grant.Name,
		EmailAddress:   grant.Email,
		Status:         store.StatusActive,
		AutomationMode: store.ModeAssistant,
		RefreshToken:   grant.RefreshToken,
	})
	if err != nil {
		s.log.Error("failed to upsert account", "mailbox", grant.Email, "error", err)
		s.redirectError(c, "account_upsert_failed")
		return
	}

	baseline, err := s.watch.RegisterWatch(ctx, acct.EmailAddress, grant.AccessToken)
	if err != nil {
		s.log.Error("watch registration failed", "mailbox", acct.EmailAddress, "error", err)
		s.redirectError(c, "watch_failed")
		return
	}

	if _, err := s.store.AdvanceCursor(ctx, acct.ID, baseline); err != nil {
		// The watch is live; the first notification will re-sync from
		// whatever cursor sticks. Log and proceed.
		s.log.Error("failed to persist baseline cursor",
			"mailbox", acct.EmailAddress, "baseline", baseline, "error", err)
	}

	s.log.Info("mailbox onboarded", "mailbox", acct.EmailAddress, "owner", ownerID)
	c.Redirect(http.StatusFound, s.cfg.SuccessRedirectURL)
}

func (s *Server) redirectError(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, withReason(s.cfg.ErrorRedirectURL, reason))
}

// withReason appends a coarse reason code to the error redirect URL.
func withReason(base, reason string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("reason", reason)
	u.RawQuery = q.Encode()
	return u.String()
}

// handleNotification is the Pub/Sub push entry point. Every outcome the
// pipeline classifies is acknowledged with 200; only a malformed envelope
// (which can never succeed by redelivery) gets 400, and only operator
// configuration errors get 500.
func (s *Server) handleNotification(c *gin.Context) {
	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil || envelope.Message.Data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Pub/Sub message format"})
		return
	}

	n, err := envelope.decode()
	if err != nil {
		s.log.Warn("undecodable push notification dropped", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not decode Pub/Sub message data"})
		return
	}

	res, err := s.pipeline.Handle(c.Request.Context(), n)
	if err != nil {
		if errors.Is(err, gmail.ErrMissingCredentials) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server configuration error"})
			return
		}
		// Internal fault: acknowledge to protect the push channel from a
		// redelivery storm, but log loudly so it is distinguishable from
		// the expected-ineligible cases in telemetry.
		s.log.Error("notification handling fault",
			"mailbox", n.EmailAddress, "history_id", n.HistoryID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "outcome": "internal-error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "outcome": string(res.Outcome)})
}
