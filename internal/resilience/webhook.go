package resilience

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	httpclient "github.com/taxfolio/taxfolio-api/internal/client/http"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
	"go.uber.org/zap"
)

// WebhookDeliveryConfig configures DeliverWebhook.
type WebhookDeliveryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
	Timeout     time.Duration
	SignPayload bool
}

// DefaultWebhookDeliveryConfig returns the delivery schedule used for
// outbound notifications.
func DefaultWebhookDeliveryConfig() WebhookDeliveryConfig {
	return WebhookDeliveryConfig{
		MaxRetries:  3,
		RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		Timeout:     10 * time.Second,
		SignPayload: true,
	}
}

// Poster is the slice of the HTTP client the deliverer needs.
type Poster interface {
	Post(ctx context.Context, path string, body interface{}, options ...httpclient.RequestOption) (*http.Response, error)
}

// WebhookDeliverer sends signed webhook payloads with a fixed retry
// schedule. Delivery retries are governed here, not by the transport, so
// the HTTP client is built without its own retry loop.
type WebhookDeliverer struct {
	config WebhookDeliveryConfig
	client Poster
	logger *zap.Logger
	sleep  func(time.Duration)
}

// NewWebhookDeliverer creates a deliverer with its own HTTP client.
func NewWebhookDeliverer(config WebhookDeliveryConfig) *WebhookDeliverer {
	return NewWebhookDelivererWithClient(config, httpclient.NewClient(httpclient.WithTimeout(config.Timeout)))
}

// NewWebhookDelivererWithClient creates a deliverer over a caller-supplied
// transport. Used by tests and by callers that share an HTTP client.
func NewWebhookDelivererWithClient(config WebhookDeliveryConfig, client Poster) *WebhookDeliverer {
	return &WebhookDeliverer{
		config: config,
		client: client,
		logger: logger.Log,
		sleep:  time.Sleep,
	}
}

// Deliver sends payload to url, signing it first when configured and a
// secret is present. Up to MaxRetries+1 attempts are made; between attempts
// it sleeps RetryDelays[min(attempt, len-1)]. Returns true on the first
// successful delivery, false once all attempts are exhausted.
func (w *WebhookDeliverer) Deliver(ctx context.Context, url string, payload *business.WebhookPayload, secret string) bool {
	if w.config.SignPayload && secret != "" {
		signature, err := SignPayload(payload, secret)
		if err != nil {
			w.logger.Error("Failed to sign webhook payload",
				zap.String("webhook_id", payload.ID),
				zap.Error(err))
			return false
		}
		payload.Signature = signature
	}

	attempts := w.config.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			w.sleep(w.retryDelay(attempt - 1))
		}

		err := w.send(ctx, url, payload)
		if err == nil {
			w.logger.Info("Webhook delivered",
				zap.String("webhook_id", payload.ID),
				zap.String("event", payload.Event),
				zap.Int("attempt", attempt+1))
			return true
		}

		w.logger.Warn("Webhook delivery attempt failed",
			zap.String("webhook_id", payload.ID),
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
	}

	w.logger.Error("Webhook delivery failed after all attempts",
		zap.String("webhook_id", payload.ID),
		zap.String("url", url),
		zap.Int("attempts", attempts))
	return false
}

func (w *WebhookDeliverer) send(ctx context.Context, url string, payload *business.WebhookPayload) error {
	resp, err := w.client.Post(ctx, url, payload)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	return nil
}

func (w *WebhookDeliverer) retryDelay(attempt int) time.Duration {
	if len(w.config.RetryDelays) == 0 {
		return time.Second
	}
	if attempt >= len(w.config.RetryDelays) {
		attempt = len(w.config.RetryDelays) - 1
	}
	return w.config.RetryDelays[attempt]
}

// SignPayload computes the hex HMAC-SHA256 of the payload JSON with the
// shared secret. The payload must not yet carry a signature.
func SignPayload(payload *business.WebhookPayload, secret string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks an inbound payload body against the signature
// header computed with the shared secret. Comparison is constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
