package conviction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/chaindata"
	"github.com/nexus-trading/pumpsignal/internal/kol"
	"github.com/nexus-trading/pumpsignal/internal/rugguard"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Conviction scorer: free signals first, paid signals only for tokens that
// already look promising.
// ---------------------------------------------------------------------------

// Breakdown keys.
const (
	KeyWalletActivity = "wallet_activity"
	KeyVolumeVelocity = "volume_velocity"
	KeyMomentum       = "momentum"
	KeyDistribution   = "distribution"
	KeyBundlePenalty  = "bundle_penalty"
	KeyHolderPenalty  = "holder_penalty"
	KeyKOLHolderBonus = "kol_holder_bonus"
)

// WalletActivity scores tracked-wallet buying of a token.
type WalletActivity interface {
	Score(ctx context.Context, mint string, windowHours float64) (kol.Activity, error)
	Wallets() map[string]bool
}

// BuyerStats exposes the free distribution data kept by the ingestor.
type BuyerStats interface {
	UniqueBuyers(mint string) int
	RecentBuys(mint string) []token.Trade
}

// ChainData is the paid distribution data source.
type ChainData interface {
	HolderCount(ctx context.Context, mint string) (int, error)
	Holders(ctx context.Context, mint string) (chaindata.HolderData, error)
}

// Config configures the scorer.
type Config struct {
	PreExitThreshold   int           `yaml:"pre_exit_threshold"`
	PostExitThreshold  int           `yaml:"post_exit_threshold"`
	ConditionalMinBase int           `yaml:"conditional_min_base"`
	WalletWindowHours  float64       `yaml:"wallet_window_hours"`
	ScoreTimeout       time.Duration `yaml:"score_timeout"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		PreExitThreshold:   75,
		PostExitThreshold:  65,
		ConditionalMinBase: 50,
		WalletWindowHours:  1,
		ScoreTimeout:       15 * time.Second,
	}
}

// Threshold returns the pass mark for a stage.
func (c Config) Threshold(stage token.Stage) int {
	if stage.Graduated() {
		return c.PostExitThreshold
	}
	return c.PreExitThreshold
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	if c.PreExitThreshold < c.PostExitThreshold {
		return fmt.Errorf("conviction: pre_exit_threshold (%d) must be >= post_exit_threshold (%d)",
			c.PreExitThreshold, c.PostExitThreshold)
	}
	if c.PreExitThreshold == c.PostExitThreshold {
		return fmt.Errorf("conviction: pre_exit_threshold and post_exit_threshold must differ (both %d)",
			c.PreExitThreshold)
	}
	if c.PreExitThreshold > 100 || c.PostExitThreshold <= 0 {
		return fmt.Errorf("conviction: thresholds must be within 1..100")
	}
	return nil
}

// Result is an immutable scoring outcome.
type Result struct {
	Mint           string                        `json:"mint"`
	Score          int                           `json:"score"`
	Base           int                           `json:"base"`
	Breakdown      map[string]int                `json:"breakdown"`
	Stage          token.Stage                   `json:"stage"`
	Threshold      int                           `json:"threshold"`
	MeetsThreshold bool                          `json:"meets_threshold"`
	Rejected       bool                          `json:"rejected"`
	UniqueBuyers   int                           `json:"unique_buyers"`
	HolderCount    int                           `json:"holder_count,omitempty"`
	KOLWallets     []string                      `json:"kol_wallets,omitempty"`
	Bundle         *rugguard.BundleAssessment    `json:"bundle,omitempty"`
	Holders        *rugguard.HolderConcentration `json:"holders,omitempty"`
	Err            string                        `json:"error,omitempty"`
	ScoredAt       time.Time                     `json:"scored_at"`
}

// Scorer computes conviction scores.
type Scorer struct {
	config Config
	wallet WalletActivity
	buyers BuyerStats
	chain  ChainData
	guard  *rugguard.Guard
}

// NewScorer creates a scorer. chain may be nil, which disables every paid
// signal.
func NewScorer(config Config, wallet WalletActivity, buyers BuyerStats, chain ChainData, guard *rugguard.Guard) *Scorer {
	def := DefaultConfig()
	if config.PreExitThreshold == 0 && config.PostExitThreshold == 0 {
		config.PreExitThreshold = def.PreExitThreshold
		config.PostExitThreshold = def.PostExitThreshold
	}
	if config.ConditionalMinBase <= 0 {
		config.ConditionalMinBase = def.ConditionalMinBase
	}
	if config.WalletWindowHours <= 0 {
		config.WalletWindowHours = def.WalletWindowHours
	}
	if config.ScoreTimeout <= 0 {
		config.ScoreTimeout = def.ScoreTimeout
	}
	if guard == nil {
		guard = rugguard.New(rugguard.DefaultConfig())
	}
	return &Scorer{config: config, wallet: wallet, buyers: buyers, chain: chain, guard: guard}
}

// Config returns the effective configuration.
func (s *Scorer) Config() Config { return s.config }

// Score scores a snapshot. It never fails: any error or panic yields a zero
// result that does not meet the threshold.
func (s *Scorer) Score(ctx context.Context, snap token.Snapshot) (res Result) {
	stage := snap.EffectiveStage()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("mint", snap.Mint).Msg("scorer: recovered from panic")
			res = s.zero(snap.Mint, stage, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.ScoreTimeout)
	defer cancel()

	res, err := s.score(ctx, snap, stage)
	if err != nil {
		log.Warn().Err(err).Str("mint", snap.Mint).Msg("scorer: scoring failed")
		return s.zero(snap.Mint, stage, err)
	}
	return res
}

func (s *Scorer) zero(mint string, stage token.Stage, err error) Result {
	return Result{
		Mint:      mint,
		Breakdown: map[string]int{},
		Stage:     stage,
		Threshold: s.config.Threshold(stage),
		Err:       err.Error(),
		ScoredAt:  time.Now(),
	}
}

func (s *Scorer) score(ctx context.Context, snap token.Snapshot, stage token.Stage) (Result, error) {
	if snap.Mint == "" {
		return Result{}, errors.New("empty mint")
	}

	res := Result{
		Mint:      snap.Mint,
		Breakdown: make(map[string]int, 7),
		Stage:     stage,
		Threshold: s.config.Threshold(stage),
		ScoredAt:  time.Now(),
	}

	// Free tier.
	var act kol.Activity
	if s.wallet != nil {
		var err error
		act, err = s.wallet.Score(ctx, snap.Mint, s.config.WalletWindowHours)
		if err != nil {
			return Result{}, fmt.Errorf("wallet activity: %w", err)
		}
	}
	walletScore := clamp(act.Score, 0, kol.MaxScore)
	res.KOLWallets = act.Wallets
	res.Breakdown[KeyWalletActivity] = walletScore
	res.Breakdown[KeyVolumeVelocity] = VolumeVelocity(snap)
	res.Breakdown[KeyMomentum] = Momentum(snap.PriceChange5mPct)
	res.Base = walletScore + res.Breakdown[KeyVolumeVelocity] + res.Breakdown[KeyMomentum]

	res.UniqueBuyers = snap.UniqueBuyers
	var recent []token.Trade
	if s.buyers != nil {
		if n := s.buyers.UniqueBuyers(snap.Mint); n > res.UniqueBuyers {
			res.UniqueBuyers = n
		}
		recent = s.buyers.RecentBuys(snap.Mint)
	}

	// Conditional tier.
	res.Breakdown[KeyDistribution] = 0
	if res.Base >= s.config.ConditionalMinBase {
		res.Breakdown[KeyDistribution] = s.distribution(ctx, snap.Mint, stage, &res)
	}

	// Rug checks.
	bundle := s.guard.Assess(snap.Mint, recent, res.UniqueBuyers)
	res.Bundle = &bundle
	res.Breakdown[KeyBundlePenalty] = bundle.Penalty

	res.Breakdown[KeyHolderPenalty] = 0
	res.Breakdown[KeyKOLHolderBonus] = 0
	gate := rugguard.HolderGateInput{
		Stage:        stage,
		BaseScore:    res.Base,
		UniqueBuyers: res.UniqueBuyers,
		KOLCount:     len(act.Wallets),
	}
	if s.chain != nil && s.guard.ShouldCheckHolders(gate) {
		hd, err := s.chain.Holders(ctx, snap.Mint)
		if err != nil {
			log.Debug().Err(err).Str("mint", snap.Mint).Msg("scorer: holder data unavailable, skipping concentration check")
		} else {
			var kols map[string]bool
			if s.wallet != nil {
				kols = s.wallet.Wallets()
			}
			hc := rugguard.Concentration(hd.Top, kols, s.guard.Excluded(snap.BondingCurve))
			res.Holders = &hc
			res.Breakdown[KeyHolderPenalty] = hc.Penalty
			res.Breakdown[KeyKOLHolderBonus] = hc.KOLBonus
			if hc.HardDrop {
				res.Rejected = true
			}
		}
	}

	total := 0
	for _, v := range res.Breakdown {
		total += v
	}
	res.Score = clamp(total, 0, 100)
	res.MeetsThreshold = !res.Rejected && res.Score >= res.Threshold

	log.Debug().
		Str("mint", snap.Mint).
		Str("stage", stage.String()).
		Int("score", res.Score).
		Int("base", res.Base).
		Int("threshold", res.Threshold).
		Bool("meets", res.MeetsThreshold).
		Bool("rejected", res.Rejected).
		Msg("scorer: scored")

	return res, nil
}

// distribution is the conditional tier: the free unique-buyer count while on
// the curve, the paid holder count after graduation.
func (s *Scorer) distribution(ctx context.Context, mint string, stage token.Stage, res *Result) int {
	if !stage.Graduated() {
		return BuyerBucket(res.UniqueBuyers)
	}
	if s.chain == nil {
		return 0
	}
	n, err := s.chain.HolderCount(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("scorer: holder count unavailable, skipping conditional tier")
		return 0
	}
	res.HolderCount = n
	return BuyerBucket(n)
}

// VolumeVelocity compares 5m volume to the 1h run rate, falling back to
// turnover against liquidity.
func VolumeVelocity(snap token.Snapshot) int {
	if snap.Volume1hSOL > 0 {
		ratio := snap.Volume5mSOL / (snap.Volume1hSOL / 12)
		switch {
		case ratio >= 2:
			return 10
		case ratio >= 1.25:
			return 5
		}
	}
	if snap.LiquiditySOL > 0 && snap.Volume1hSOL/snap.LiquiditySOL >= 3 {
		return 5
	}
	return 0
}

// Momentum scores the 5m price change.
func Momentum(change5mPct float64) int {
	switch {
	case change5mPct >= 50:
		return 10
	case change5mPct >= 20:
		return 5
	default:
		return 0
	}
}

// BuyerBucket maps a buyer or holder count to conditional points.
func BuyerBucket(n int) int {
	switch {
	case n >= 50:
		return 15
	case n >= 30:
		return 10
	case n >= 15:
		return 5
	default:
		return 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
