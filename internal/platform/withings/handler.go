package withings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/domain/vitals"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/tasks"
)

// Handler exposes the integration over HTTP. The callback and webhook
// routes are provider- and browser-facing and carry no bearer token; the
// rest require authentication.
type Handler struct {
	tokens      *TokenManager
	syncer      *Syncer
	vitals      *vitals.Service
	creds       CredentialStore
	group       *tasks.Group
	logger      zerolog.Logger
	clientApp   string
	syncTimeout time.Duration
}

func NewHandler(tokens *TokenManager, syncer *Syncer, vitalsSvc *vitals.Service, creds CredentialStore, group *tasks.Group, logger zerolog.Logger, clientAppURL string, syncTimeout time.Duration) *Handler {
	return &Handler{
		tokens:      tokens,
		syncer:      syncer,
		vitals:      vitalsSvc,
		creds:       creds,
		group:       group,
		logger:      logger,
		clientApp:   clientAppURL,
		syncTimeout: syncTimeout,
	}
}

// RegisterRoutes mounts the integration. authMW guards the authenticated
// routes; callback and webhook stay open by contract.
func (h *Handler) RegisterRoutes(e *echo.Echo, authMW ...echo.MiddlewareFunc) {
	g := e.Group("/api/v1/integrations/withings")
	g.GET("/callback", h.Callback)
	g.POST("/webhook", h.Webhook)

	authed := g.Group("", authMW...)
	authed.GET("/authorize", h.Authorize)
	authed.POST("/force-relink", h.ForceRelink)
	authed.POST("/sync", h.SyncNow)
	authed.GET("/latest", h.Latest)
}

func (h *Handler) callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "unknown caller identity")
	}
	return id, nil
}

// Authorize hands the caller a provider redirect URL.
func (h *Handler) Authorize(c echo.Context) error {
	userID, err := h.callerID(c)
	if err != nil {
		return err
	}
	authURL, err := h.tokens.BeginAuthorization(c.Request().Context(), userID)
	if errors.Is(err, ErrNotConfigured) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "withings integration is not configured")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"authorization_url": authURL})
}

// Callback finishes the browser leg of the OAuth flow. It always redirects
// to the client application; outcomes travel as query parameters, never as
// token material.
func (h *Handler) Callback(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" {
		return h.redirectError(c, "missing_code")
	}
	if state == "" {
		return h.redirectError(c, "missing_state")
	}

	err := h.tokens.CompleteAuthorization(c.Request().Context(), code, state)
	switch {
	case err == nil:
		return c.Redirect(http.StatusFound, h.clientApp+"?withings=connected")
	case errors.Is(err, ErrInvalidState):
		return h.redirectError(c, "invalid_state")
	case errors.Is(err, ErrTokenExchange):
		return h.redirectError(c, "token_exchange_failed")
	case errors.Is(err, ErrProviderUnavailable):
		return h.redirectError(c, "token_exchange_failed")
	default:
		h.logger.Error().Err(err).Msg("withings callback failed")
		if errors.Is(err, ErrStore) {
			return h.redirectError(c, "database_error")
		}
		return h.redirectError(c, "internal_error")
	}
}

func (h *Handler) redirectError(c echo.Context, code string) error {
	return c.Redirect(http.StatusFound, h.clientApp+"?error="+url.QueryEscape(code))
}

// webhookPayload is the minimal shape the receiver validates before
// acknowledging. Withings posts form-encoded fields; JSON is accepted too.
type webhookPayload struct {
	UserID    string `json:"userid" form:"userid"`
	StartDate int64  `json:"startdate" form:"startdate"`
	EndDate   int64  `json:"enddate" form:"enddate"`
}

// Webhook acknowledges provider notifications inside the delivery deadline
// and hands the sync to a supervised background task. Malformed or unknown
// notifications still acknowledge: the provider has no useful retry
// semantics for them, and redelivered valid ones merely re-trigger an
// idempotent sync.
func (h *Handler) Webhook(c echo.Context) error {
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil || payload.UserID == "" {
		h.logger.Warn().Msg("withings webhook without provider user id; dropped")
		return c.NoContent(http.StatusOK)
	}

	since := time.Time{}
	if payload.StartDate > 0 {
		since = time.Unix(payload.StartDate, 0).UTC()
	}

	// Only the payload shape is validated before the acknowledgment; the
	// provider user lookup is a store read and belongs with the sync, off
	// the delivery deadline.
	taskErr := h.group.Go("withings-webhook-sync", h.syncTimeout, func(ctx context.Context) error {
		cred, err := h.creds.GetByProviderUser(ctx, payload.UserID)
		if errors.Is(err, ErrNotConnected) {
			h.logger.Warn().Str("provider_user_id", payload.UserID).
				Msg("withings webhook for unknown provider user; dropped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("webhook credential lookup: %w", err)
		}
		_, err = h.syncer.Sync(ctx, cred.UserID, since)
		return err
	})
	if taskErr != nil {
		// Shutting down: acknowledge anyway, the provider redelivers and
		// the next poll catches up.
		h.logger.Warn().Err(taskErr).Msg("withings webhook sync not scheduled")
	}
	return c.NoContent(http.StatusOK)
}

// ForceRelink drops the caller's credential and issues a fresh
// authorization URL.
func (h *Handler) ForceRelink(c echo.Context) error {
	userID, err := h.callerID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.tokens.Disconnect(ctx, userID); err != nil && !errors.Is(err, ErrNotConnected) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	authURL, err := h.tokens.BeginAuthorization(ctx, userID)
	if errors.Is(err, ErrNotConfigured) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "withings integration is not configured")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"authorization_url": authURL})
}

// SyncNow runs a synchronous sync for the caller and reports the outcome
// with actionable flags instead of raw internal errors.
func (h *Handler) SyncNow(c echo.Context) error {
	userID, err := h.callerID(c)
	if err != nil {
		return err
	}

	res, err := h.syncer.Sync(c.Request().Context(), userID, time.Time{})
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrNotConnected):
		return c.JSON(http.StatusNotFound, map[string]bool{"needs_connection": true})
	case errors.Is(err, ErrReconnectRequired):
		return c.JSON(http.StatusConflict, map[string]bool{"needs_reconnect": true})
	case errors.Is(err, ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, map[string]bool{"rate_limited": true})
	case errors.Is(err, ErrProviderUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "provider unavailable, retry later")
	default:
		var partial *PartialFailure
		if errors.As(err, &partial) {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error":            "partial sync failure",
				"succeeded_groups": len(partial.Succeeded),
				"failed_groups":    len(partial.Failed),
			})
		}
		h.logger.Error().Err(err).Str("user_id", userID.String()).Msg("manual withings sync failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "sync failed")
	}
}

// Latest serves the caller's live snapshot for one kind, or a 404 telling
// the client whether a device link is missing.
func (h *Handler) Latest(c echo.Context) error {
	userID, err := h.callerID(c)
	if err != nil {
		return err
	}
	kind, ok := vitals.ParseKind(c.QueryParam("kind"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind: "+strconv.Quote(c.QueryParam("kind")))
	}

	ctx := c.Request().Context()
	snap, err := h.vitals.Latest(ctx, userID, kind)
	if err == nil {
		return c.JSON(http.StatusOK, snap)
	}
	if !errors.Is(err, vitals.ErrSnapshotNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	needsConnection := false
	if _, credErr := h.creds.GetByUser(ctx, userID); errors.Is(credErr, ErrNotConnected) {
		needsConnection = true
	}
	return c.JSON(http.StatusNotFound, map[string]bool{"needs_connection": needsConnection})
}
