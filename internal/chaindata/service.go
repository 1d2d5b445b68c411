package chaindata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/cache"
	"github.com/nexus-trading/pumpsignal/internal/solana"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ErrNoData means neither the chain nor the market provider produced a
// usable value. It is an expected outcome, not a failure.
var ErrNoData = errors.New("chaindata: no data")

// Config configures the chain data service.
type Config struct {
	MetadataTTL   time.Duration `yaml:"metadata_ttl"`
	CurveTTL      time.Duration `yaml:"curve_ttl"`
	MarketTTL     time.Duration `yaml:"market_ttl"`
	HolderTTL     time.Duration `yaml:"holder_ttl"`
	GraduationSOL float64       `yaml:"graduation_sol"` // quote reserve at which the curve completes
	TopHolders    int           `yaml:"top_holders"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
}

// DefaultConfig returns the cache lifetimes tuned to each dataset's volatility.
func DefaultConfig() Config {
	return Config{
		MetadataTTL:   60 * time.Minute,
		CurveTTL:      5 * time.Second,
		MarketTTL:     5 * time.Minute,
		HolderTTL:     120 * time.Minute,
		GraduationSOL: 85,
		TopHolders:    10,
		FetchTimeout:  8 * time.Second,
	}
}

// Observer receives cache and paid-call events. Implemented by the metrics layer.
type Observer interface {
	CacheLookup(cache string, hit bool)
	PaidCall(kind string, err error)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string, bool) {}
func (nopObserver) PaidCall(string, error)   {}

// CurveState is a decoded bonding curve valued in SOL and USD.
type CurveState struct {
	Mint         string          `json:"mint"`
	Address      string          `json:"address"`
	Reserves     CurveReserves   `json:"reserves"`
	PriceSOL     float64         `json:"price_sol"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	MarketCapSOL float64         `json:"market_cap_sol"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	LiquiditySOL float64         `json:"liquidity_sol"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	ProgressPct  float64         `json:"progress_pct"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// HolderData is a holder snapshot. Count is -1 when only the top holders
// were fetched.
type HolderData struct {
	Mint      string              `json:"mint"`
	Top       []solana.HolderInfo `json:"top"`
	Count     int                 `json:"count"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// Service fetches, decodes and caches on-chain token data. It owns four
// TTL caches and coalesces concurrent fetches of the same key into a single
// upstream call.
type Service struct {
	config   Config
	rpc      solana.RPCClient
	market   MarketProvider
	observer Observer
	clock    cache.Clock

	metadata *cache.TTL[solana.TokenMetadata]
	curves   *cache.TTL[CurveState]
	markets  *cache.TTL[MarketData]
	holders  *cache.TTL[HolderData]

	group singleflight.Group

	curveFetches   atomic.Int64
	marketFetches  atomic.Int64
	holderFetches  atomic.Int64
	metaFetches    atomic.Int64
	staleServed    atomic.Int64
	coalescedCalls atomic.Int64
}

// Option customizes a Service.
type Option func(*Service)

// WithClock injects the clock used by every cache.
func WithClock(clock cache.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithObserver registers a cache/paid-call observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService creates a chain data service. market may be nil, in which case
// there is no fallback and no USD valuation.
func NewService(config Config, rpc solana.RPCClient, market MarketProvider, opts ...Option) *Service {
	def := DefaultConfig()
	if config.GraduationSOL <= 0 {
		config.GraduationSOL = def.GraduationSOL
	}
	if config.TopHolders <= 0 {
		config.TopHolders = def.TopHolders
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}

	s := &Service{
		config:   config,
		rpc:      rpc,
		market:   market,
		observer: nopObserver{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.metadata = cache.NewTTL[solana.TokenMetadata]("metadata", config.MetadataTTL, s.clock)
	s.curves = cache.NewTTL[CurveState]("bonding_curve", config.CurveTTL, s.clock)
	s.markets = cache.NewTTL[MarketData]("market_data", config.MarketTTL, s.clock)
	s.holders = cache.NewTTL[HolderData]("holder_data", config.HolderTTL, s.clock)
	return s
}

// ---------------------------------------------------------------------------
// Cached, coalesced fetch
// ---------------------------------------------------------------------------

// cached serves key from c when fresh; otherwise it runs fetch once for all
// concurrent callers. A failed fetch falls back to the last stored value of
// any age unless the failure is ErrNoData.
func cached[V any](ctx context.Context, s *Service, c *cache.TTL[V], key string, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		s.observer.CacheLookup(c.Name(), true)
		return v, nil
	}
	s.observer.CacheLookup(c.Name(), false)

	res, err, shared := s.group.Do(c.Name()+":"+key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
		defer cancel()
		v, err := fetch(fetchCtx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if shared {
		s.coalescedCalls.Add(1)
	}
	if err == nil {
		return res.(V), nil
	}

	var zero V
	if errors.Is(err, ErrNoData) {
		return zero, err
	}
	if stale, ok := c.Peek(key); ok {
		s.staleServed.Add(1)
		log.Debug().Err(err).
			Str("cache", c.Name()).
			Str("key", key).
			Dur("age", s.clock().Sub(stale.CapturedAt)).
			Msg("chaindata: fetch failed, serving stale value")
		return stale.Value, nil
	}
	return zero, err
}

// ---------------------------------------------------------------------------
// Public lookups
// ---------------------------------------------------------------------------

// Curve returns the decoded bonding curve of mint. curveAddr may be empty,
// in which case the curve PDA is derived from the mint.
func (s *Service) Curve(ctx context.Context, mint, curveAddr string) (CurveState, error) {
	return cached(ctx, s, s.curves, mint, func(ctx context.Context) (CurveState, error) {
		addr := solana.Pubkey(curveAddr)
		if addr == "" {
			derived, err := solana.BondingCurveAddress(solana.Pubkey(mint))
			if err != nil {
				return CurveState{}, fmt.Errorf("chaindata: derive curve: %w", err)
			}
			addr = derived
		}

		s.curveFetches.Add(1)
		data, err := s.rpc.GetAccountData(ctx, addr)
		s.observer.PaidCall("account_info", err)
		if err != nil {
			if errors.Is(err, solana.ErrAccountNotFound) {
				return CurveState{}, ErrNoData
			}
			return CurveState{}, err
		}

		reserves, ok := DecodeCurve(data)
		if !ok {
			log.Debug().Str("mint", mint).Int("bytes", len(data)).Msg("chaindata: curve layout not recognised")
			return CurveState{}, ErrNoData
		}
		return s.valueCurve(ctx, mint, string(addr), reserves), nil
	})
}

// valueCurve derives prices from reserves. USD fields stay zero when the
// SOL price is unavailable.
func (s *Service) valueCurve(ctx context.Context, mint, addr string, r CurveReserves) CurveState {
	quoteSOL := r.QuoteReserveSOL()
	st := CurveState{
		Mint:         mint,
		Address:      addr,
		Reserves:     r,
		PriceSOL:     r.PriceSOL(),
		MarketCapSOL: quoteSOL,
		LiquiditySOL: quoteSOL,
		ProgressPct:  math.Min(quoteSOL/s.config.GraduationSOL*100, 100),
		FetchedAt:    s.clock(),
	}

	solUSD, err := s.QuotePriceUSD(ctx)
	if err != nil || solUSD <= 0 {
		return st
	}
	usd := decimal.NewFromFloat(solUSD)
	st.PriceUSD = decimal.NewFromFloat(st.PriceSOL).Mul(usd)
	st.MarketCapUSD = decimal.NewFromFloat(quoteSOL).Mul(usd)
	st.LiquidityUSD = st.MarketCapUSD
	return st
}

// QuotePriceUSD returns the SOL/USD price from the market provider.
func (s *Service) QuotePriceUSD(ctx context.Context) (float64, error) {
	md, err := s.MarketData(ctx, string(solana.SOLMint))
	if err != nil {
		return 0, err
	}
	return md.PriceUSD.InexactFloat64(), nil
}

// MarketData returns the external market view of mint.
func (s *Service) MarketData(ctx context.Context, mint string) (MarketData, error) {
	if s.market == nil {
		return MarketData{}, ErrNoData
	}
	return cached(ctx, s, s.markets, mint, func(ctx context.Context) (MarketData, error) {
		s.marketFetches.Add(1)
		md, err := s.market.TokenMarket(ctx, mint)
		s.observer.PaidCall("market_data", err)
		if err != nil {
			return MarketData{}, err
		}
		return *md, nil
	})
}

// Metadata returns the Metaplex name/symbol/uri of mint. A missing or
// undecodable account is cached as empty and reported as ErrNoData, so a
// token without metadata costs one lookup per TTL.
func (s *Service) Metadata(ctx context.Context, mint string) (solana.TokenMetadata, error) {
	meta, err := cached(ctx, s, s.metadata, mint, func(ctx context.Context) (solana.TokenMetadata, error) {
		addr, err := solana.MetadataAddress(solana.Pubkey(mint))
		if err != nil {
			return solana.TokenMetadata{}, fmt.Errorf("chaindata: derive metadata: %w", err)
		}
		s.metaFetches.Add(1)
		data, err := s.rpc.GetAccountData(ctx, addr)
		s.observer.PaidCall("account_info", err)
		if err != nil {
			if errors.Is(err, solana.ErrAccountNotFound) {
				return solana.TokenMetadata{Mint: solana.Pubkey(mint)}, nil
			}
			return solana.TokenMetadata{}, err
		}
		meta, err := solana.DecodeMetadata(solana.Pubkey(mint), data)
		if err != nil {
			log.Debug().Err(err).Str("mint", mint).Msg("chaindata: metadata undecodable")
			return solana.TokenMetadata{Mint: solana.Pubkey(mint)}, nil
		}
		return *meta, nil
	})
	if err != nil {
		return meta, err
	}
	if meta.Name == "" && meta.Symbol == "" {
		return meta, ErrNoData
	}
	return meta, nil
}

// Holders returns the largest holders of mint.
func (s *Service) Holders(ctx context.Context, mint string) (HolderData, error) {
	return cached(ctx, s, s.holders, mint, func(ctx context.Context) (HolderData, error) {
		s.holderFetches.Add(1)
		top, err := s.rpc.GetTopHolders(ctx, solana.Pubkey(mint), s.config.TopHolders)
		s.observer.PaidCall("top_holders", err)
		if err != nil {
			return HolderData{}, err
		}
		return HolderData{Mint: mint, Top: top, Count: -1, FetchedAt: s.clock()}, nil
	})
}

// HolderCount returns the number of accounts holding mint.
func (s *Service) HolderCount(ctx context.Context, mint string) (int, error) {
	hd, err := cached(ctx, s, s.holders, mint+":count", func(ctx context.Context) (HolderData, error) {
		s.holderFetches.Add(1)
		n, err := s.rpc.GetHolderCount(ctx, solana.Pubkey(mint))
		s.observer.PaidCall("holder_count", err)
		if err != nil {
			return HolderData{}, err
		}
		return HolderData{Mint: mint, Count: n, FetchedAt: s.clock()}, nil
	})
	if err != nil {
		return 0, err
	}
	return hd.Count, nil
}

// TokenData enriches a snapshot from the chain: the bonding curve while the
// token is on it, the market provider once it has graduated or when the
// curve cannot be decoded. Name and symbol come from the metadata account
// when the snapshot has neither. The returned snapshot only carries fetched
// fields and is meant to be merged.
func (s *Service) TokenData(ctx context.Context, snap token.Snapshot) (token.Snapshot, error) {
	out, err := s.priceData(ctx, snap)
	if snap.Name == "" && snap.Symbol == "" {
		meta, merr := s.Metadata(ctx, snap.Mint)
		switch {
		case merr == nil:
			out.Name = meta.Name
			out.Symbol = meta.Symbol
			out.URI = meta.URI
		case !errors.Is(merr, ErrNoData):
			log.Debug().Err(merr).Str("mint", snap.Mint).Msg("chaindata: metadata fetch failed")
		}
	}
	return out, err
}

func (s *Service) priceData(ctx context.Context, snap token.Snapshot) (token.Snapshot, error) {
	out := token.Snapshot{Mint: snap.Mint}

	if !snap.EffectiveStage().Graduated() {
		cs, err := s.Curve(ctx, snap.Mint, snap.BondingCurve)
		if err == nil {
			out.Source = "curve"
			out.BondingCurve = cs.Address
			out.PriceSOL = cs.PriceSOL
			out.PriceUSD = cs.PriceUSD
			out.MarketCapSOL = cs.MarketCapSOL
			out.MarketCapUSD = cs.MarketCapUSD
			out.LiquiditySOL = cs.LiquiditySOL
			out.LiquidityUSD = cs.LiquidityUSD
			out.ProgressPct = cs.ProgressPct
			out.UpdatedAt = cs.FetchedAt
			return out, nil
		}
		if !errors.Is(err, ErrNoData) {
			log.Debug().Err(err).Str("mint", snap.Mint).Msg("chaindata: curve fetch failed, trying market data")
		}
	}

	md, err := s.MarketData(ctx, snap.Mint)
	if err != nil {
		return out, err
	}
	out.Source = "market"
	out.PriceUSD = md.PriceUSD
	out.PriceSOL = md.PriceNative
	out.MarketCapUSD = md.MarketCapUSD
	out.LiquidityUSD = md.LiquidityUSD
	out.MarketCapSOL = md.ToSOL(md.MarketCapUSD.InexactFloat64())
	out.LiquiditySOL = md.ToSOL(md.LiquidityUSD.InexactFloat64())
	out.Volume5mSOL = md.ToSOL(md.Volume5mUSD)
	out.Volume1hSOL = md.ToSOL(md.Volume1hUSD)
	out.PriceChange5mPct = md.PriceChange5mPct
	out.UpdatedAt = md.FetchedAt
	return out, nil
}

// Purge drops expired entries from all four caches.
func (s *Service) Purge() int {
	return s.metadata.Purge() + s.curves.Purge() + s.markets.Purge() + s.holders.Purge()
}

// Stats is a point-in-time view of fetch and cache activity.
type Stats struct {
	CurveFetches   int64         `json:"curve_fetches"`
	MarketFetches  int64         `json:"market_fetches"`
	HolderFetches  int64         `json:"holder_fetches"`
	MetaFetches    int64         `json:"metadata_fetches"`
	StaleServed    int64         `json:"stale_served"`
	CoalescedCalls int64         `json:"coalesced_calls"`
	Caches         []cache.Stats `json:"caches"`
}

func (s *Service) Stats() Stats {
	return Stats{
		CurveFetches:   s.curveFetches.Load(),
		MarketFetches:  s.marketFetches.Load(),
		HolderFetches:  s.holderFetches.Load(),
		MetaFetches:    s.metaFetches.Load(),
		StaleServed:    s.staleServed.Load(),
		CoalescedCalls: s.coalescedCalls.Load(),
		Caches: []cache.Stats{
			s.metadata.Stats(),
			s.curves.Stats(),
			s.markets.Stats(),
			s.holders.Stats(),
		},
	}
}
