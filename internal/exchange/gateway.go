package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/example/fx-ledger/internal/ledger"
)

// ErrUnavailable means no rate table could be obtained for the base currency.
var ErrUnavailable = errors.New("exchange rates API unavailable")

const (
	DefaultBaseURL     = "https://open.er-api.com"
	DefaultMaxAttempts = 5
	DefaultBackoff     = 5 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultTTL         = 10 * time.Minute
)

// Gateway fetches rate tables from an open.er-api.com style provider. Results
// are cached per base currency and concurrent misses share one fetch.
type Gateway struct {
	BaseURL     string
	Client      *http.Client
	Cache       Cache
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	TTL         time.Duration
	Logger      *slog.Logger

	group singleflight.Group
}

// NewGateway returns a gateway with the default retry policy and an in-memory cache.
func NewGateway(baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Gateway{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Client:      &http.Client{Timeout: 10 * time.Second},
		Cache:       NewMemoryCache(),
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		Timeout:     DefaultTimeout,
		TTL:         DefaultTTL,
		Logger:      slog.Default(),
	}
}

type latestResponse struct {
	Result    string                     `json:"result"`
	BaseCode  string                     `json:"base_code"`
	ErrorType string                     `json:"error-type"`
	Rates     map[string]decimal.Decimal `json:"rates"`
}

// Rates returns the table of rates for base. The returned map is the caller's
// to keep; cached entries are never handed out directly.
func (g *Gateway) Rates(ctx context.Context, base ledger.Currency) (Rates, error) {
	if g.Cache != nil {
		rates, ok, err := g.Cache.Get(ctx, base)
		if err != nil {
			g.logger().Warn("rate cache read failed", "base", base, "error", err)
		} else if ok {
			return rates.clone(), nil
		}
	}

	v, err, _ := g.group.Do(string(base), func() (any, error) {
		// Shared by every waiter, so one caller cancelling must not fail the rest.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout())
		defer cancel()

		rates, err := g.fetchWithRetry(fetchCtx, base)
		if err != nil {
			return nil, err
		}
		if g.Cache != nil {
			if err := g.Cache.Set(fetchCtx, base, rates, g.ttl()); err != nil {
				g.logger().Warn("rate cache write failed", "base", base, "error", err)
			}
		}
		return rates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Rates).clone(), nil
}

// Rate returns the multiplier that converts an amount in quote into base.
func (g *Gateway) Rate(ctx context.Context, base, quote ledger.Currency) (decimal.Decimal, error) {
	rates, err := g.Rates(ctx, base)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := rates[quote]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no %s rate for base %s", ErrUnavailable, quote, base)
	}
	return rate, nil
}

func (g *Gateway) fetchWithRetry(ctx context.Context, base ledger.Currency) (Rates, error) {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		rates, err := g.fetch(ctx, base)
		if err == nil {
			return rates, nil
		}
		lastErr = err
		g.logger().Warn("exchange rate fetch failed", "base", base, "attempt", attempt, "max_attempts", attempts, "error", err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(g.Backoff):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (g *Gateway) fetch(ctx context.Context, base ledger.Currency) (Rates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/v6/latest/"+string(base), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body latestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode rates: %w", err)
	}
	if body.Result == "error" {
		return nil, fmt.Errorf("provider error: %s", body.ErrorType)
	}
	if len(body.Rates) == 0 {
		return nil, errors.New("response has no rate table")
	}

	rates := make(Rates, len(ledger.Currencies))
	for _, c := range ledger.Currencies {
		if r, ok := body.Rates[string(c)]; ok && r.IsPositive() {
			rates[c] = r
		}
	}
	if len(rates) == 0 {
		return nil, errors.New("response has no supported rates")
	}
	return rates, nil
}

func (g *Gateway) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultTimeout
}

func (g *Gateway) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return DefaultTTL
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
