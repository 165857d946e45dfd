// Package webhook delivers TriggerWebhook escalation actions.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/telemetry"
)

type Config struct {
	HTTPClient *http.Client
	// BreakerTimeout is how long a host's breaker stays open before probing again.
	BreakerTimeout time.Duration
	// MinRequests and FailureRatio decide when a host's breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

// Caller POSTs JSON payloads to webhook URLs with one circuit breaker per
// host, so a dead receiver stops costing every escalation its full timeout.
type Caller struct {
	client  *http.Client
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) *Caller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 3
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{
		client:   cfg.HTTPClient,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Call posts payload to rawURL. A non-2xx response is an error. timeout
// bounds the request on top of any deadline already on ctx.
func (c *Caller) Call(ctx context.Context, rawURL string, payload json.RawMessage, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cb := c.breaker(u.Host)
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, rawURL, payload)
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", u.Host, err)
	}
	return nil
}

func (c *Caller) post(ctx context.Context, rawURL string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sla-engine/1")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned %s", resp.Status)
	}
	return nil
}

func (c *Caller) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	minRequests, ratio := c.cfg.MinRequests, c.cfg.FailureRatio
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("webhook circuit state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			c.metrics.SetBreakerState(name, stateValue(to))
		},
	})
	c.breakers[host] = cb
	c.metrics.SetBreakerState(host, stateValue(gobreaker.StateClosed))
	return cb
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
