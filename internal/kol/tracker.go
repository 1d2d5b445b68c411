package kol

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Wallet activity: tracked KOL / smart-money wallets buying a token.
// Feeds the free wallet-activity component of the conviction score.
// ---------------------------------------------------------------------------

// WalletTier classifies tracked wallets.
type WalletTier string

const (
	TierKOL        WalletTier = "KOL"         // Key Opinion Leader
	TierSmartMoney WalletTier = "SMART_MONEY" // historically profitable
	TierWhale      WalletTier = "WHALE"       // large capital
	TierInsider    WalletTier = "INSIDER"     // known early buyer
)

func (t WalletTier) String() string { return string(t) }

// MaxScore is the ceiling of the wallet-activity component.
const MaxScore = 40

// TrackedWallet is a wallet whose buys count towards conviction.
type TrackedWallet struct {
	Address string     `json:"address" yaml:"address"`
	Tier    WalletTier `json:"tier" yaml:"tier"`
	Label   string     `json:"label" yaml:"label"`
	AddedAt time.Time  `json:"added_at" yaml:"-"`
}

// Buy is a tracked wallet's buy of a token.
type Buy struct {
	Wallet    string    `json:"wallet"`
	Mint      string    `json:"mint"`
	AmountSOL float64   `json:"amount_sol"`
	At        time.Time `json:"at"`
}

// Activity is the wallet-activity verdict for a token.
type Activity struct {
	Score   int      `json:"score"` // 0..MaxScore
	Wallets []string `json:"wallets"`
}

// Config configures the wallet tracker.
type Config struct {
	MaxTrackedWallets int                `yaml:"max_tracked_wallets"`
	MaxBuyHistory     int                `yaml:"max_buy_history"`
	TierPoints        map[WalletTier]int `yaml:"tier_points"`
	Wallets           []TrackedWallet    `yaml:"wallets"`
}

// DefaultConfig returns defaults. A single KOL buy scores 15; three distinct
// KOLs saturate the component.
func DefaultConfig() Config {
	return Config{
		MaxTrackedWallets: 1000,
		MaxBuyHistory:     10000,
		TierPoints: map[WalletTier]int{
			TierKOL:        15,
			TierSmartMoney: 12,
			TierWhale:      10,
			TierInsider:    8,
		},
	}
}

// activity aggregates tracked buys per token.
type activity struct {
	wallets   map[string]WalletTier
	amountSOL float64
	firstBuy  time.Time
	lastBuy   time.Time
}

// Tracker records buys of tracked wallets and scores wallet activity.
type Tracker struct {
	config Config
	now    func() time.Time

	mu      sync.RWMutex
	wallets map[string]*TrackedWallet
	buys    []Buy // ring buffer
	tokens  map[string]*activity
}

// NewTracker creates a tracker seeded with the configured wallets.
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.MaxTrackedWallets <= 0 {
		config.MaxTrackedWallets = def.MaxTrackedWallets
	}
	if config.MaxBuyHistory <= 0 {
		config.MaxBuyHistory = def.MaxBuyHistory
	}
	if len(config.TierPoints) == 0 {
		config.TierPoints = def.TierPoints
	}

	t := &Tracker{
		config:  config,
		now:     time.Now,
		wallets: make(map[string]*TrackedWallet),
		tokens:  make(map[string]*activity),
	}
	for _, w := range config.Wallets {
		t.AddWallet(w)
	}
	return t
}

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// AddWallet registers a wallet for tracking. Wallets without a tier are
// treated as KOLs.
func (t *Tracker) AddWallet(wallet TrackedWallet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.wallets[wallet.Address]; !ok && len(t.wallets) >= t.config.MaxTrackedWallets {
		return
	}
	if wallet.Tier == "" {
		wallet.Tier = TierKOL
	}
	wallet.AddedAt = t.now()
	t.wallets[wallet.Address] = &wallet

	log.Debug().
		Str("address", wallet.Address).
		Str("tier", string(wallet.Tier)).
		Str("label", wallet.Label).
		Msg("kol: wallet added")
}

// RemoveWallet stops tracking a wallet.
func (t *Tracker) RemoveWallet(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.wallets, address)
}

// IsTracked reports whether address is a tracked wallet.
func (t *Tracker) IsTracked(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.wallets[address]
	return ok
}

// RecordBuy records a buy. Returns false when the wallet is not tracked.
// The returned count is the number of distinct tracked wallets that bought
// the token so far, including this one.
func (t *Tracker) RecordBuy(buy Buy) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wallet, ok := t.wallets[buy.Wallet]
	if !ok {
		return 0, false
	}
	if buy.At.IsZero() {
		buy.At = t.now()
	}

	if len(t.buys) >= t.config.MaxBuyHistory {
		t.buys = t.buys[1:]
	}
	t.buys = append(t.buys, buy)

	act, exists := t.tokens[buy.Mint]
	if !exists {
		act = &activity{wallets: make(map[string]WalletTier), firstBuy: buy.At}
		t.tokens[buy.Mint] = act
	}
	act.wallets[buy.Wallet] = wallet.Tier
	act.amountSOL += buy.AmountSOL
	act.lastBuy = buy.At

	log.Debug().
		Str("wallet", buy.Wallet).
		Str("mint", buy.Mint).
		Str("tier", string(wallet.Tier)).
		Float64("amount_sol", buy.AmountSOL).
		Int("wallets", len(act.wallets)).
		Msg("kol: buy recorded")

	return len(act.wallets), true
}

// Score returns the wallet-activity score of mint over the last windowHours:
// tier points summed over distinct tracked buyers, capped at MaxScore.
func (t *Tracker) Score(ctx context.Context, mint string, windowHours float64) (Activity, error) {
	if err := ctx.Err(); err != nil {
		return Activity{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().Add(-time.Duration(windowHours * float64(time.Hour)))
	seen := make(map[string]bool)
	score := 0
	for i := len(t.buys) - 1; i >= 0; i-- {
		b := t.buys[i]
		if b.At.Before(cutoff) {
			break
		}
		if b.Mint != mint || seen[b.Wallet] {
			continue
		}
		seen[b.Wallet] = true
		if w, ok := t.wallets[b.Wallet]; ok {
			score += t.config.TierPoints[w.Tier]
		}
	}
	if score > MaxScore {
		score = MaxScore
	}

	wallets := make([]string, 0, len(seen))
	for w := range seen {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	return Activity{Score: score, Wallets: wallets}, nil
}

// Wallets returns the addresses of all tracked wallets.
func (t *Tracker) Wallets() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]bool, len(t.wallets))
	for addr := range t.wallets {
		out[addr] = true
	}
	return out
}

// Cleanup drops per-token activity with no buy within maxAge.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := t.now().Add(-maxAge)
	for mint, act := range t.tokens {
		if act.lastBuy.Before(cutoff) {
			delete(t.tokens, mint)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("kol: cleaned up stale token activity")
	}
	return removed
}

// TrackerStats is a point-in-time view of the tracker.
type TrackerStats struct {
	TrackedWallets int            `json:"tracked_wallets"`
	ActiveTokens   int            `json:"active_tokens"`
	TotalBuys      int            `json:"total_buys"`
	TierBreakdown  map[string]int `json:"tier_breakdown"`
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tiers := make(map[string]int)
	for _, w := range t.wallets {
		tiers[string(w.Tier)]++
	}

	return TrackerStats{
		TrackedWallets: len(t.wallets),
		ActiveTokens:   len(t.tokens),
		TotalBuys:      len(t.buys),
		TierBreakdown:  tiers,
	}
}
