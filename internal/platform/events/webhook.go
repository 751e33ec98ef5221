package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by WebhookPublisher.Publish when deliveries back up.
var ErrQueueFull = errors.New("webhook queue full")

const (
	SignatureHeader = "X-Medledger-Signature"
	EventIDHeader   = "X-Medledger-Event"
	TimestampHeader = "X-Medledger-Timestamp"
)

type WebhookConfig struct {
	URLs   []string
	Secret string
	// Kinds filters deliveries: "*", an exact kind, "RECORD_*" or "*_GRANTED".
	// Empty means every kind.
	Kinds       []string
	RetryDelays []time.Duration
	QueueSize   int
	Client      *http.Client
}

// WebhookPublisher POSTs events as signed JSON to every configured URL.
// Publish only enqueues; a single worker delivers in order with retries.
type WebhookPublisher struct {
	cfg    WebhookConfig
	client *http.Client
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewWebhookPublisher(cfg WebhookConfig, logger zerolog.Logger) (*WebhookPublisher, error) {
	for _, u := range cfg.URLs {
		if err := validateWebhookURL(u); err != nil {
			return nil, err
		}
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	p := &WebhookPublisher{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "webhook").Logger(),
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook url %q: %w", raw, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("webhook url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q: host is required", raw)
	}
	return nil
}

// kindMatches reports whether pattern selects kind.
func kindMatches(pattern, kind string) bool {
	switch {
	case pattern == "*" || pattern == kind:
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(kind, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(kind, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

func (p *WebhookPublisher) wants(kind string) bool {
	if len(p.cfg.Kinds) == 0 {
		return true
	}
	for _, pat := range p.cfg.Kinds {
		if kindMatches(pat, kind) {
			return true
		}
	}
	return false
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value ("sha256=<hex>").
func VerifySignature(payload []byte, secret, header string) bool {
	sig := strings.TrimPrefix(header, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(sig))
}

func (p *WebhookPublisher) Publish(_ context.Context, e Event) error {
	if !p.wants(e.Kind) {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("webhook publisher closed")
	}
	select {
	case p.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued deliveries.
func (p *WebhookPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

func (p *WebhookPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		payload, err := json.Marshal(e)
		if err != nil {
			p.logger.Error().Err(err).Str("event_id", e.ID).Msg("encode webhook event")
			continue
		}
		for _, u := range p.cfg.URLs {
			if err := p.deliverWithRetry(u, e, payload); err != nil {
				p.logger.Error().Err(err).Str("url", u).Str("event_id", e.ID).Str("kind", e.Kind).Msg("webhook delivery failed")
			}
		}
	}
}

func (p *WebhookPublisher) deliverWithRetry(target string, e Event, payload []byte) error {
	var err error
	for attempt := 0; attempt <= len(p.cfg.RetryDelays); attempt++ {
		if attempt > 0 {
			time.Sleep(p.cfg.RetryDelays[attempt-1])
		}
		if err = p.deliver(target, e, payload); err == nil {
			return nil
		}
		p.logger.Warn().Err(err).Str("url", target).Int("attempt", attempt+1).Msg("webhook attempt failed")
	}
	return err
}

func (p *WebhookPublisher) deliver(target string, e Event, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, e.ID)
	req.Header.Set(TimestampHeader, e.OccurredAt.Format(time.RFC3339))
	if p.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, p.cfg.Secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// MultiPublisher fans each event out to several publishers.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
