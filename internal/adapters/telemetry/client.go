// Package telemetry obtiene los snapshots de métricas de los pools seguidos,
// vía HTTP (producción) o desde un fichero YAML (dry-run).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/lpbot/internal/domain"
)

const (
	defaultRatePerSec = 5
	defaultBurst      = 2
	defaultTimeout    = 10 * time.Second
	metricsPath       = "/v1/pools/metrics"

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// ClientConfig configura el cliente HTTP de telemetría.
type ClientConfig struct {
	BaseURL    string        `yaml:"url"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Client es el cliente HTTP del servicio de telemetría, con rate limiting y retries.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	wait    time.Duration
}

// metricsResponse es el payload de GET /v1/pools/metrics.
type metricsResponse struct {
	Pools []domain.PoolMetricsSnapshot `json:"pools"`
}

// NewClient crea un Client. Los campos vacíos de cfg toman los valores por defecto.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		wait:    baseRetryWait,
	}
}

// FetchPoolMetrics implementa ports.MetricsProvider.
// Los snapshots sin pool se descartan; At vacío se rellena con la hora de recepción.
func (c *Client) FetchPoolMetrics(ctx context.Context) ([]domain.PoolMetricsSnapshot, error) {
	var resp metricsResponse
	if err := c.get(ctx, c.base+metricsPath, &resp); err != nil {
		return nil, fmt.Errorf("telemetry.FetchPoolMetrics: %w", err)
	}
	now := time.Now().UTC()
	out := make([]domain.PoolMetricsSnapshot, 0, len(resp.Pools))
	for _, m := range resp.Pools {
		if m.Pool == "" {
			continue
		}
		if m.At.IsZero() {
			m.At = now
		}
		out = append(out, m)
	}
	slog.Debug("telemetry: snapshot received", "pools", len(out), "dropped", len(resp.Pools)-len(out))
	return out, nil
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, url string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry reintenta errores de red, 429 y 5xx con backoff exponencial.
// Los 4xx se devuelven sin reintentar.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			slog.Warn("telemetry: rate limited", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 500:
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.wait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
