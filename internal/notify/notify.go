// Package notify implements component C8: best-effort bundle pinning to the
// content store and HMAC-signed webhook delivery of BUNDLE_PROPOSED events.
// Grounded on services/escrow-gateway/webhook_queue.go's bounded ring-buffer
// queue and services/escrow-gateway/webhook.go's HMAC-SHA256 signing and
// exponential backoff retry idiom.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/proposer-node/proposer/internal/metrics"
)

// BundleProposedEvent is the payload delivered to WEBHOOK_URL whenever a
// bundle is anchored.
type BundleProposedEvent struct {
	Type        string    `json:"type"`
	Nonce       uint64    `json:"nonce"`
	TxHash      string    `json:"tx_hash"`
	CID         string    `json:"cid"`
	ProposedAt  time.Time `json:"proposed_at"`
	Transfers   int       `json:"transfer_count"`
}

const maxDeliveryAttempts = 5

// Pinner is the narrow view of the chain gateway the notifier uses to
// persist a bundle body to the content store.
type Pinner interface {
	StorePut(ctx context.Context, data []byte) (cid string, err error)
}

// Notifier owns a bounded queue of pending webhook deliveries and a single
// background worker draining it. Queue overflow drops the incoming event
// rather than blocking the bundle proposer tick.
type Notifier struct {
	url       string
	secret    string
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Registry
	limiter   *rateLimiter
	rateLimit int

	queue chan deliveryTask
}

type deliveryTask struct {
	event   BundleProposedEvent
	attempt int
}

// Config carries the webhook destination (spec §6 WEBHOOK_URL/WEBHOOK_SECRET).
type Config struct {
	WebhookURL         string
	WebhookSecret      string
	QueueCapacity      int
	RateLimitPerMinute int
}

// New constructs a Notifier. If cfg.WebhookURL is empty, Notify becomes a
// no-op (webhooks are an optional integration).
func New(cfg Config, logger *slog.Logger) *Notifier {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:       cfg.WebhookURL,
		secret:    cfg.WebhookSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		queue:     make(chan deliveryTask, capacity),
		metrics:   metrics.Get(),
		limiter:   newRateLimiter(cfg.RateLimitPerMinute),
		rateLimit: cfg.RateLimitPerMinute,
	}
}

// Notify builds a BundleProposedEvent and enqueues it for delivery,
// dropping it with a logged warning if the queue is saturated. Never blocks
// the caller (the bundle proposer tick); satisfies bundle.EventSink.
func (n *Notifier) Notify(nonce uint64, txHash, cid string, transferCount int) {
	if n.url == "" {
		return
	}
	evt := BundleProposedEvent{
		Type:       "BUNDLE_PROPOSED",
		Nonce:      nonce,
		TxHash:     txHash,
		CID:        cid,
		ProposedAt: time.Now().UTC(),
		Transfers:  transferCount,
	}
	select {
	case n.queue <- deliveryTask{event: evt}:
	default:
		n.logger.Warn("notify: webhook queue full, dropping event", "nonce", evt.Nonce)
	}
}

// Run drains the delivery queue until ctx is cancelled, signing and
// delivering each event with exponential backoff on failure.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-n.queue:
			n.deliver(ctx, task)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, task deliveryTask) {
	if !n.limiter.allow(n.url, n.rateLimit, time.Now()) {
		n.metrics.ObserveWebhook("rate_limited")
		timer := time.NewTimer(time.Second)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case n.queue <- task:
		default:
			n.logger.Warn("notify: webhook queue full after rate limit, dropping event", "nonce", task.event.Nonce)
		}
		return
	}

	payload, err := json.Marshal(task.event)
	if err != nil {
		n.logger.Error("notify: encode webhook payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("notify: build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(n.secret, payload))

	resp, err := n.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
	}
	if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		n.metrics.ObserveWebhook("success")
		return
	}

	status := "transport error"
	if err == nil {
		status = resp.Status
	}
	task.attempt++
	if task.attempt >= maxDeliveryAttempts {
		n.metrics.ObserveWebhook("exhausted")
		n.logger.Error("notify: webhook delivery exhausted retries", "nonce", task.event.Nonce, "status", status)
		return
	}
	n.metrics.ObserveWebhook("retry")
	delay := backoff(task.attempt)
	n.logger.Warn("notify: webhook delivery failed, retrying", "nonce", task.event.Nonce, "status", status, "retry_in", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		select {
		case n.queue <- task:
		default:
			n.logger.Warn("notify: webhook queue full on retry, dropping event", "nonce", task.event.Nonce)
		}
	}
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Pin best-effort writes bundleBody to the content store via pinner,
// logging and swallowing any failure since pinning is not on the bundle
// commit's critical path.
func Pin(ctx context.Context, pinner Pinner, logger *slog.Logger, bundleBody []byte) string {
	if pinner == nil {
		return ""
	}
	if logger == nil {
		logger = slog.Default()
	}
	cid, err := pinner.StorePut(ctx, bundleBody)
	if err != nil {
		logger.Warn("notify: pin bundle failed", "error", err)
		return ""
	}
	return cid
}
