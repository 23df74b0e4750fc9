// Package alerting delivers alert decisions to operators.
package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
)

// Header names set on webhook deliveries.
const (
	HeaderAlertType = "X-Sentinel-Alert"
	HeaderTimestamp = "X-Sentinel-Timestamp"
	HeaderSignature = "X-Sentinel-Signature"
)

// Dispatcher fans an alert out to the log, the event bus and the webhook
// configured for its severity. Delivery failures are logged and counted,
// never returned.
type Dispatcher struct {
	cfg    domain.AlertingConfig
	bus    domain.EventBus
	client *http.Client
	wg     sync.WaitGroup
}

var _ domain.AlertDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(cfg domain.AlertingConfig, bus domain.EventBus) *Dispatcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg: cfg,
		bus: bus,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Dispatch delivers alert. Webhook posts run in the background; call Wait
// to drain them.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *domain.AlertDecision) {
	if alert == nil {
		return
	}

	slog.Warn("alert raised",
		"alert_id", alert.ID,
		"tx_id", alert.TxID,
		"sender_id", alert.SenderID,
		"severity", alert.Severity,
		"alert_type", alert.AlertType,
		"composite", alert.Composite,
		"message", alert.Message,
	)
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity), string(alert.AlertType)).Inc()
	metrics.AlertDeliveriesTotal.WithLabelValues("log", "ok").Inc()

	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to encode alert", "alert_id", alert.ID, "error", err)
		return
	}

	if d.bus != nil {
		if err := d.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"alert_id", alert.ID,
				"topic", domain.TopicAlert,
				"error", err,
			)
			metrics.AlertDeliveriesTotal.WithLabelValues("bus", "error").Inc()
		} else {
			metrics.AlertDeliveriesTotal.WithLabelValues("bus", "ok").Inc()
		}
	}

	url := d.webhookFor(alert.Severity)
	if url == "" {
		return
	}

	// The caller's context may end with its request; delivery should not.
	sendCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(sendCtx, url, alert, payload)
	}()
}

// Wait blocks until in-flight webhook deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) webhookFor(severity domain.Severity) string {
	switch severity {
	case domain.SeverityCritical:
		return d.cfg.WebhookCritical
	case domain.SeverityHigh:
		return d.cfg.WebhookHigh
	}
	return ""
}

func (d *Dispatcher) send(ctx context.Context, url string, alert *domain.AlertDecision, payload []byte) {
	if err := d.post(ctx, url, alert, payload); err != nil {
		slog.Error("webhook delivery failed",
			"alert_id", alert.ID,
			"severity", alert.Severity,
			"error", err,
		)
		metrics.AlertDeliveriesTotal.WithLabelValues("webhook", "error").Inc()
		return
	}
	metrics.AlertDeliveriesTotal.WithLabelValues("webhook", "ok").Inc()
}

func (d *Dispatcher) post(ctx context.Context, url string, alert *domain.AlertDecision, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAlertType, string(alert.AlertType))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(alert.CreatedAt.Unix(), 10))
	if d.cfg.WebhookSecret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.cfg.WebhookSecret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload, as sent in HeaderSignature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
