package rugguard

import (
	"time"

	"github.com/nexus-trading/pumpsignal/internal/token"
)

// Config configures the rug guard.
type Config struct {
	MinBundleTrades int      `yaml:"min_bundle_trades"`
	GateMinKOLs     int      `yaml:"gate_min_kols"`
	GateMinBuyers   int      `yaml:"gate_min_buyers"`
	PreExitGate     int      `yaml:"pre_exit_gate"`  // base score needed on the curve
	PostExitGate    int      `yaml:"post_exit_gate"` // base score needed after graduation
	Excluded        []string `yaml:"excluded_accounts"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		MinBundleTrades: 5,
		GateMinKOLs:     2,
		GateMinBuyers:   30,
		PreExitGate:     50,
		PostExitGate:    50,
	}
}

// Guard holds the configured rug checks and the last bundle result per mint.
type Guard struct {
	config   Config
	excluded map[string]bool
	bundles  bundleCache
	now      func() time.Time
}

// New creates a rug guard.
func New(config Config) *Guard {
	def := DefaultConfig()
	if config.MinBundleTrades <= 0 {
		config.MinBundleTrades = def.MinBundleTrades
	}
	if config.GateMinKOLs <= 0 {
		config.GateMinKOLs = def.GateMinKOLs
	}
	if config.GateMinBuyers <= 0 {
		config.GateMinBuyers = def.GateMinBuyers
	}

	g := &Guard{
		config:   config,
		excluded: make(map[string]bool, len(config.Excluded)),
		now:      time.Now,
	}
	for _, a := range config.Excluded {
		g.excluded[a] = true
	}
	return g
}

// Assess runs bundle detection for mint and remembers the result.
func (g *Guard) Assess(mint string, trades []token.Trade, uniqueBuyers int) BundleAssessment {
	a := AssessBundle(trades, uniqueBuyers, g.config.MinBundleTrades)
	a.AssessedAt = g.now()
	g.bundles.store(mint, a)
	return a
}

// LastBundle returns the most recent bundle assessment of mint.
func (g *Guard) LastBundle(mint string) (BundleAssessment, bool) {
	return g.bundles.get(mint)
}

// Forget drops the remembered result of mint.
func (g *Guard) Forget(mint string) {
	g.bundles.forget(mint)
}

// Excluded returns the accounts never counted as holders for a token with
// the given bonding curve.
func (g *Guard) Excluded(bondingCurve string) map[string]bool {
	out := make(map[string]bool, len(g.excluded)+1)
	for a := range g.excluded {
		out[a] = true
	}
	if bondingCurve != "" {
		out[bondingCurve] = true
	}
	return out
}
