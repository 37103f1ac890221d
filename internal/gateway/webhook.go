package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradehook/internal/core"
	apperrors "tradehook/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	signatureHeader = "X-Tradingview-Signature"
	maxBodyBytes    = 64 << 10
)

// handleWebhook is the single ingress operation: authenticate, rate
// limit, validate, deduplicate into a job, enqueue.
func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	urlPath := c.Param("path")
	log := s.logger.WithField("webhookPath", urlPath)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		reject(c, http.StatusBadRequest, apperrors.KindInternal, "unreadable body")
		return
	}
	if len(body) > maxBodyBytes {
		reject(c, http.StatusBadRequest, apperrors.KindInternal, "body too large")
		return
	}

	webhook, err := s.store.GetWebhookByPath(ctx, urlPath)
	if err != nil {
		deliveriesTotal.WithLabelValues("unknown_path").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	if webhook.Status != core.WebhookActive {
		deliveriesTotal.WithLabelValues("inactive").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "webhook is " + webhook.Status})
		return
	}

	if !verifySignature(webhook, c.GetHeader(signatureHeader), body) {
		s.recordDelivery(ctx, webhook, false, log)
		deliveriesTotal.WithLabelValues("bad_signature").Inc()
		reject(c, http.StatusUnauthorized, apperrors.KindSignatureInvalid, "signature verification failed")
		return
	}

	allowed, err := s.limiter.Allow(ctx, webhook.ID, webhook.RatePerMinute, webhook.RatePerHour)
	if err != nil {
		log.Error("Rate limiter unavailable", "error", err)
		reject(c, http.StatusInternalServerError, apperrors.KindInternal, "rate limiter unavailable")
		return
	}
	if !allowed {
		deliveriesTotal.WithLabelValues("rate_limited").Inc()
		reject(c, http.StatusTooManyRequests, apperrors.KindRateLimited, "rate limit exceeded")
		return
	}

	alert, err := parseAlert(body)
	if err != nil {
		s.recordDelivery(ctx, webhook, false, log)
		deliveriesTotal.WithLabelValues("invalid_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := s.resolveAccount(ctx, webhook, alert)
	if err != nil {
		s.recordDelivery(ctx, webhook, false, log)
		deliveriesTotal.WithLabelValues("no_account").Inc()
		reject(c, http.StatusBadRequest, apperrors.KindOf(err), err.Error())
		return
	}

	job := &core.Job{
		ID:        uuid.NewString(),
		AlertID:   alert.AlertID,
		AccountID: account.ID,
		UserID:    webhook.UserID,
		WebhookID: webhook.ID,
		Payload:   body,
		Status:    core.JobPending,
		CreatedAt: time.Now(),
	}

	created, existing, err := s.store.CreateJob(ctx, job)
	if err != nil {
		s.recordDelivery(ctx, webhook, false, log)
		deliveriesTotal.WithLabelValues("store_error").Inc()
		reject(c, http.StatusInternalServerError, apperrors.KindInternal, "job persistence failed")
		return
	}
	if !created {
		// Deduplication makes delivery retries idempotent.
		s.recordDelivery(ctx, webhook, true, log)
		deliveriesTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"duplicate": true, "job_id": existing.ID, "alert_id": alert.AlertID})
		return
	}

	if err := s.queue.EnqueueExecute(ctx, job.ID, alert.AlertID); err != nil {
		// The job row survives; a redelivery re-enqueues it.
		s.recordDelivery(ctx, webhook, false, log)
		deliveriesTotal.WithLabelValues("enqueue_error").Inc()
		reject(c, http.StatusInternalServerError, apperrors.KindInternal, "enqueue failed")
		return
	}

	s.recordDelivery(ctx, webhook, true, log)
	deliveriesTotal.WithLabelValues("accepted").Inc()
	log.Info("Alert accepted", "alertId", alert.AlertID, "jobId", job.ID, "accountId", account.ID)
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "alert_id": alert.AlertID})
}

func reject(c *gin.Context, status int, kind apperrors.Kind, reason string) {
	c.JSON(status, gin.H{"code": string(kind), "error": reason})
}

// verifySignature recomputes HMAC-SHA-256 over the raw body and
// compares in constant time. A public webhook may omit the signature;
// a supplied one must still match.
func verifySignature(webhook *core.Webhook, header string, body []byte) bool {
	if header == "" {
		return webhook.IsPublic
	}
	supplied, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(webhook.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(supplied)))
}

// parseAlert decodes and validates the payload, deriving the dedup
// fingerprint when the sender supplied no alert_id. Raw keeps the
// verbatim body so unknown fields ride along into the job.
func parseAlert(body []byte) (*core.Alert, error) {
	var alert core.Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		return nil, fmt.Errorf("payload is not a JSON alert: %w", err)
	}
	alert.Raw = body

	if alert.Ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	switch alert.Action {
	case core.ActionBuy, core.ActionSell, core.ActionClose, core.ActionCloseAll:
	default:
		return nil, fmt.Errorf("unknown action %q", alert.Action)
	}
	// Numerics must be positive when present: a zero-decoded field is
	// only acceptable when the sender omitted it.
	var supplied map[string]json.RawMessage
	_ = json.Unmarshal(body, &supplied)
	for name, v := range map[string]decimal.Decimal{
		"size_value":  alert.SizeValue,
		"quantity":    alert.Quantity,
		"contracts":   alert.Contracts,
		"stop_loss":   alert.StopLoss,
		"take_profit": alert.TakeProfit,
	} {
		if present(supplied, name) && !v.IsPositive() {
			return nil, fmt.Errorf("%s must be positive", name)
		}
	}
	if present(supplied, "leverage") && alert.Leverage < 1 {
		return nil, fmt.Errorf("leverage must be positive")
	}

	if alert.AlertID == "" {
		alert.AlertID = fingerprint(&alert, time.Now())
	}
	return &alert, nil
}

func present(fields map[string]json.RawMessage, name string) bool {
	raw, ok := fields[name]
	return ok && string(raw) != "null"
}

// fingerprint derives a deterministic alert identifier so that
// identical alerts landing within the same second deduplicate.
func fingerprint(alert *core.Alert, now time.Time) string {
	seed := strings.Join([]string{
		alert.Ticker,
		alert.Action,
		alert.Strategy,
		alert.SizeValue.String(),
		fmt.Sprintf("%d", now.Unix()),
	}, "|")
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// resolveAccount picks the explicit account from the payload, falling
// back to the webhook owner's primary account for the exchange tag.
func (s *Server) resolveAccount(ctx context.Context, webhook *core.Webhook, alert *core.Alert) (*core.ExchangeAccount, error) {
	if alert.AccountID != "" {
		account, err := s.store.GetAccount(ctx, alert.AccountID)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindNoAccount, "account %s not found", alert.AccountID)
		}
		if account.UserID != webhook.UserID {
			return nil, apperrors.Newf(apperrors.KindNoAccount, "account %s not owned by webhook user", alert.AccountID)
		}
		return account, nil
	}
	if alert.Exchange == "" {
		return nil, apperrors.New(apperrors.KindNoAccount, "alert names neither account nor exchange")
	}
	account, err := s.store.GetPrimaryAccount(ctx, webhook.UserID, strings.ToLower(alert.Exchange))
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindNoAccount, "no primary account for exchange %s", alert.Exchange)
	}
	return account, nil
}

func (s *Server) recordDelivery(ctx context.Context, webhook *core.Webhook, success bool, log core.ILogger) {
	paused, err := s.store.RecordWebhookDelivery(ctx, webhook.ID, success)
	if err != nil {
		log.Warn("Failed to record webhook delivery", "error", err)
		return
	}
	if paused {
		log.Warn("Webhook auto-paused after consecutive failures", "webhookId", webhook.ID)
	}
}
