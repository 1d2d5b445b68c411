package chaindata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Market data client: DexScreener token endpoint, used once a token has
// left the bonding curve and for the SOL/USD reference price
// ---------------------------------------------------------------------------

// MarketData is the external market view of a token.
type MarketData struct {
	Mint             string          `json:"mint"`
	DEX              string          `json:"dex"`
	PairAddress      string          `json:"pair_address"`
	PriceUSD         decimal.Decimal `json:"price_usd"`
	PriceNative      float64         `json:"price_native"` // quote units, usually SOL
	LiquidityUSD     decimal.Decimal `json:"liquidity_usd"`
	MarketCapUSD     decimal.Decimal `json:"market_cap_usd"`
	Volume5mUSD      float64         `json:"volume_5m_usd"`
	Volume1hUSD      float64         `json:"volume_1h_usd"`
	PriceChange5mPct float64         `json:"price_change_5m_pct"`
	FetchedAt        time.Time       `json:"fetched_at"`
}

// QuoteUSD returns the USD price of the pair's quote asset implied by the
// USD and native prices.
func (m MarketData) QuoteUSD() float64 {
	if m.PriceNative <= 0 {
		return 0
	}
	return m.PriceUSD.InexactFloat64() / m.PriceNative
}

// ToSOL converts a USD amount to SOL using the pair's implied quote price.
func (m MarketData) ToSOL(usd float64) float64 {
	q := m.QuoteUSD()
	if q <= 0 {
		return 0
	}
	return usd / q
}

// MarketProvider returns market data for a mint.
type MarketProvider interface {
	TokenMarket(ctx context.Context, mint string) (*MarketData, error)
}

// MarketConfig configures the market data client.
type MarketConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestsPerMin  int           `yaml:"requests_per_min"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultMarketConfig returns public DexScreener limits.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		BaseURL:         "https://api.dexscreener.com/latest/dex/tokens",
		Timeout:         10 * time.Second,
		RequestsPerMin:  300,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
	}
}

// MarketClient is a rate-limited DexScreener client.
type MarketClient struct {
	config     MarketConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	requests atomic.Int64
	errCount atomic.Int64
}

// NewMarketClient creates a market data client.
func NewMarketClient(config MarketConfig) *MarketClient {
	def := DefaultMarketConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.RequestsPerMin <= 0 {
		config.RequestsPerMin = def.RequestsPerMin
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerCooldown == 0 {
		config.BreakerCooldown = def.BreakerCooldown
	}

	return &MarketClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMin)), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market-data",
			Timeout: config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNoData) || errors.Is(err, context.Canceled)
			},
		}),
	}
}

type dexPair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
	} `json:"baseToken"`
	PriceNative string `json:"priceNative"`
	PriceUsd    string `json:"priceUsd"`
	Liquidity   struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	FDV       float64 `json:"fdv"`
	MarketCap float64 `json:"marketCap"`
	Volume    struct {
		M5 float64 `json:"m5"`
		H1 float64 `json:"h1"`
	} `json:"volume"`
	PriceChange struct {
		M5 float64 `json:"m5"`
	} `json:"priceChange"`
}

// TokenMarket returns the deepest Solana pair where mint is the base token.
// Returns ErrNoData if the token has no listed pair yet.
func (c *MarketClient) TokenMarket(ctx context.Context, mint string) (*MarketData, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, mint)
	})
	if err != nil {
		return nil, err
	}
	return out.(*MarketData), nil
}

func (c *MarketClient) fetch(ctx context.Context, mint string) (*MarketData, error) {
	url := strings.TrimRight(c.config.BaseURL, "/") + "/" + mint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("market: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errCount.Add(1)
		return nil, fmt.Errorf("market: http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errCount.Add(1)
		return nil, fmt.Errorf("market: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.errCount.Add(1)
		return nil, fmt.Errorf("market: rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		c.errCount.Add(1)
		return nil, fmt.Errorf("market: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Pairs []dexPair `json:"pairs"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.errCount.Add(1)
		return nil, fmt.Errorf("market: parse response: %w", err)
	}

	best := bestPair(parsed.Pairs, mint)
	if best == nil {
		return nil, ErrNoData
	}

	price, _ := decimal.NewFromString(best.PriceUsd)
	native, _ := decimal.NewFromString(best.PriceNative)
	mcap := best.MarketCap
	if mcap == 0 {
		mcap = best.FDV
	}

	md := &MarketData{
		Mint:             mint,
		DEX:              best.DexID,
		PairAddress:      best.PairAddress,
		PriceUSD:         price,
		PriceNative:      native.InexactFloat64(),
		LiquidityUSD:     decimal.NewFromFloat(best.Liquidity.USD),
		MarketCapUSD:     decimal.NewFromFloat(mcap),
		Volume5mUSD:      best.Volume.M5,
		Volume1hUSD:      best.Volume.H1,
		PriceChange5mPct: best.PriceChange.M5,
		FetchedAt:        time.Now(),
	}

	log.Debug().
		Str("mint", mint).
		Str("dex", md.DEX).
		Str("price_usd", md.PriceUSD.String()).
		Float64("liq_usd", best.Liquidity.USD).
		Msg("market: token market fetched")

	return md, nil
}

func bestPair(pairs []dexPair, mint string) *dexPair {
	var best *dexPair
	for i := range pairs {
		p := &pairs[i]
		if p.ChainID != "solana" || p.BaseToken.Address != mint {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}
	return best
}

// MarketStats returns client statistics.
type MarketStats struct {
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	BreakerState string `json:"breaker_state"`
}

func (c *MarketClient) Stats() MarketStats {
	return MarketStats{
		Requests:     c.requests.Load(),
		Errors:       c.errCount.Load(),
		BreakerState: c.breaker.State().String(),
	}
}
