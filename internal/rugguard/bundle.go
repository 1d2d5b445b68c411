package rugguard

import (
	"strconv"
	"sync"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Bundle detection: many buys landing in the same slot point at a single
// actor splitting a buy across wallets.
// ---------------------------------------------------------------------------

// Severity grades how strongly a token's early buys are bundled.
type Severity string

const (
	SeverityNone    Severity = "none"
	SeverityMinor   Severity = "minor"
	SeverityMedium  Severity = "medium"
	SeverityMassive Severity = "massive"
)

func (s Severity) String() string { return string(s) }

// SlotFallback is the bucket width used when a trade carries no slot.
const SlotFallback = 400 * time.Millisecond

// BundleAssessment is the bundling verdict for a token.
type BundleAssessment struct {
	Severity        Severity  `json:"severity"`
	Penalty         int       `json:"penalty"` // 0..-40
	SameSlotCount   int       `json:"same_slot_count"`
	Trades          int       `json:"trades"`
	UniqueBuyers    int       `json:"unique_buyers"`
	OverrideApplied bool      `json:"override_applied"`
	AssessedAt      time.Time `json:"assessed_at"`
}

// AssessBundle grades the largest same-slot group of buys. Fewer than
// minTrades buys yields no penalty. Broad organic demand (many unique
// buyers) softens the penalty.
func AssessBundle(trades []token.Trade, uniqueBuyers, minTrades int) BundleAssessment {
	a := BundleAssessment{Severity: SeverityNone, UniqueBuyers: uniqueBuyers}

	groups := make(map[string]int)
	for _, tr := range trades {
		if !tr.IsBuy() {
			continue
		}
		a.Trades++
		groups[slotKey(tr)]++
	}
	if a.Trades < minTrades {
		return a
	}

	for _, n := range groups {
		if n > a.SameSlotCount {
			a.SameSlotCount = n
		}
	}
	a.Severity, a.Penalty = severityFor(a.SameSlotCount)

	switch {
	case uniqueBuyers > 100 && a.Penalty < 0:
		a.Penalty /= 2 // truncates toward zero: -25 becomes -12
		a.OverrideApplied = true
	case uniqueBuyers > 50 && a.Penalty <= -25:
		a.Penalty += 10
		a.OverrideApplied = true
	}
	return a
}

func severityFor(maxGroup int) (Severity, int) {
	switch {
	case maxGroup <= 3:
		return SeverityNone, 0
	case maxGroup <= 10:
		return SeverityMinor, -10
	case maxGroup <= 20:
		return SeverityMedium, -25
	default:
		return SeverityMassive, -40
	}
}

// slotKey groups by slot, or by receipt time bucket when the feed omits it.
func slotKey(tr token.Trade) string {
	if tr.Slot > 0 {
		return "s" + strconv.FormatUint(tr.Slot, 10)
	}
	return "t" + strconv.FormatInt(tr.At.UnixNano()/int64(SlotFallback), 10)
}

// bundleCache keeps the last assessment per mint for reporting.
type bundleCache struct {
	mu   sync.RWMutex
	last map[string]BundleAssessment
}

func (c *bundleCache) store(mint string, a BundleAssessment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = make(map[string]BundleAssessment)
	}
	prev, ok := c.last[mint]
	c.last[mint] = a
	if a.Severity != SeverityNone && (!ok || prev.Severity != a.Severity) {
		log.Info().
			Str("mint", mint).
			Str("severity", a.Severity.String()).
			Int("same_slot", a.SameSlotCount).
			Int("penalty", a.Penalty).
			Bool("override", a.OverrideApplied).
			Msg("rugguard: bundle detected")
	}
}

func (c *bundleCache) get(mint string) (BundleAssessment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.last[mint]
	return a, ok
}

func (c *bundleCache) forget(mint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, mint)
}
