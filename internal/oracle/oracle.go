// Package oracle provides USD prices for canonical tokens. The profit engine
// rejects any candidate whose tokens cannot be priced within the staleness
// window.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/config"
	"github.com/vegas-max/titan/pkg/logger"
)

// ErrOracleStale is returned when no sufficiently fresh USD price exists for
// a token.
var ErrOracleStale = errors.New("oracle price stale")

// PriceOracle supplies USD rates keyed by canonical token id.
type PriceOracle interface {
	// USDPrice returns the USD rate for the canonical token and the time it
	// was observed. Returns ErrOracleStale when the rate is missing or older
	// than the staleness window.
	USDPrice(ctx context.Context, canonicalID string) (decimal.Decimal, time.Time, error)

	// Fresh reports whether the oracle as a whole has refreshed within the
	// staleness window, for the supervisor's probes.
	Fresh() bool
}

// HTTPOracle polls an aggregator price API and caches the latest rates.
type HTTPOracle struct {
	logger    *logger.Logger
	client    *http.Client
	baseURL   string
	staleness time.Duration
	refresh   time.Duration

	mu          sync.RWMutex
	prices      map[string]pricePoint
	lastRefresh time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

type pricePoint struct {
	price      decimal.Decimal
	observedAt time.Time
}

// NewHTTPOracle creates an oracle polling the configured endpoint.
func NewHTTPOracle(log *logger.Logger, cfg config.OracleConfig) *HTTPOracle {
	return &HTTPOracle{
		logger:    log.Named("price-oracle"),
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:   cfg.BaseURL,
		staleness: cfg.Staleness,
		refresh:   cfg.RefreshEvery,
		prices:    make(map[string]pricePoint),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the background refresh loop for the given canonical ids.
func (o *HTTPOracle) Start(ctx context.Context, canonicalIDs []string) {
	go func() {
		ticker := time.NewTicker(o.refresh)
		defer ticker.Stop()

		o.refreshAll(ctx, canonicalIDs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopChan:
				return
			case <-ticker.C:
				o.refreshAll(ctx, canonicalIDs)
			}
		}
	}()
}

// Stop halts the refresh loop.
func (o *HTTPOracle) Stop() {
	o.stopOnce.Do(func() { close(o.stopChan) })
}

func (o *HTTPOracle) refreshAll(ctx context.Context, canonicalIDs []string) {
	fetched, err := o.fetch(ctx, canonicalIDs)
	if err != nil {
		o.logger.Warn("Oracle refresh failed", zap.Error(err))
		return
	}

	now := time.Now()
	o.mu.Lock()
	for id, price := range fetched {
		o.prices[id] = pricePoint{price: price, observedAt: now}
	}
	o.lastRefresh = now
	o.mu.Unlock()
}

func (o *HTTPOracle) fetch(ctx context.Context, canonicalIDs []string) (map[string]decimal.Decimal, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle url: %w", err)
	}
	q := u.Query()
	for _, id := range canonicalIDs {
		q.Add("ids", id)
	}
	q.Set("vs", "usd")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode oracle response: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(body))
	for id, entry := range body {
		out[id] = entry.USD
	}
	return out, nil
}

// USDPrice returns the cached rate for a canonical token.
func (o *HTTPOracle) USDPrice(ctx context.Context, canonicalID string) (decimal.Decimal, time.Time, error) {
	o.mu.RLock()
	point, ok := o.prices[canonicalID]
	o.mu.RUnlock()

	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: no price for %s", ErrOracleStale, canonicalID)
	}
	if time.Since(point.observedAt) > o.staleness {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s last observed %s ago", ErrOracleStale, canonicalID, time.Since(point.observedAt))
	}
	return point.price, point.observedAt, nil
}

// Fresh reports whether the last full refresh happened within the staleness
// window.
func (o *HTTPOracle) Fresh() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.lastRefresh.IsZero() && time.Since(o.lastRefresh) <= o.staleness
}

// StaticOracle serves fixed prices, for PAPER runs and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	at     time.Time
}

// NewStaticOracle creates an oracle answering from the given table.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticOracle{prices: cp, at: time.Now()}
}

// SetPrice updates one rate.
func (o *StaticOracle) SetPrice(canonicalID string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[canonicalID] = price
	o.at = time.Now()
}

// USDPrice returns the configured rate.
func (o *StaticOracle) USDPrice(ctx context.Context, canonicalID string) (decimal.Decimal, time.Time, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[canonicalID]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: no price for %s", ErrOracleStale, canonicalID)
	}
	return price, o.at, nil
}

// Fresh always holds for static prices.
func (o *StaticOracle) Fresh() bool { return true }
