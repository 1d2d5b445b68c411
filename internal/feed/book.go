package feed

import (
	"sync"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/token"
)

// ---------------------------------------------------------------------------
// Per-mint trade book: the free distribution and flow data derived from
// the feed itself.
// ---------------------------------------------------------------------------

const (
	volumeWindow   = time.Hour
	momentumWindow = 5 * time.Minute
)

type tradePoint struct {
	at       time.Time
	sol      float64
	priceSOL float64
}

type book struct {
	buyers    map[string]struct{}
	recent    []token.Trade // last N buys, oldest first
	points    []tradePoint  // trades inside volumeWindow, oldest first
	lastTrade time.Time
}

// flow is the derived state of one book.
type flow struct {
	UniqueBuyers     int
	Volume5mSOL      float64
	Volume1hSOL      float64
	PriceChange5mPct float64
}

// books holds the trade books of every mint seen on the feed.
type books struct {
	mu        sync.RWMutex
	byMint    map[string]*book
	maxRecent int
}

func newBooks(maxRecent int) *books {
	return &books{byMint: make(map[string]*book), maxRecent: maxRecent}
}

// record applies a trade and returns the resulting flow. priceSOL may be
// zero when the payload carried no reserves.
func (b *books) record(tr token.Trade, priceSOL float64) flow {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.byMint[tr.Mint]
	if !ok {
		bk = &book{buyers: make(map[string]struct{})}
		b.byMint[tr.Mint] = bk
	}

	if tr.IsBuy() {
		bk.buyers[tr.Trader] = struct{}{}
		if len(bk.recent) >= b.maxRecent {
			bk.recent = bk.recent[1:]
		}
		bk.recent = append(bk.recent, tr)
	}
	bk.points = append(bk.points, tradePoint{at: tr.At, sol: tr.SOLAmount, priceSOL: priceSOL})
	if tr.At.After(bk.lastTrade) {
		bk.lastTrade = tr.At
	}
	bk.prune(tr.At)
	return bk.flow(tr.At)
}

// prune drops points older than the volume window.
func (bk *book) prune(now time.Time) {
	cutoff := now.Add(-volumeWindow)
	i := 0
	for i < len(bk.points) && bk.points[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bk.points = bk.points[i:]
	}
}

func (bk *book) flow(now time.Time) flow {
	f := flow{UniqueBuyers: len(bk.buyers)}

	cut5m := now.Add(-momentumWindow)
	cut1h := now.Add(-volumeWindow)
	var ref, last float64
	for _, p := range bk.points {
		if p.at.Before(cut1h) {
			continue
		}
		f.Volume1hSOL += p.sol
		if p.priceSOL > 0 {
			// Reference price: last price at or before the 5m mark, otherwise
			// the first price inside the window.
			if !p.at.After(cut5m) || ref == 0 {
				ref = p.priceSOL
			}
			last = p.priceSOL
		}
		if p.at.After(cut5m) {
			f.Volume5mSOL += p.sol
		}
	}
	if ref > 0 && last > 0 {
		f.PriceChange5mPct = (last - ref) / ref * 100
	}
	return f
}

func (b *books) uniqueBuyers(mint string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bk, ok := b.byMint[mint]; ok {
		return len(bk.buyers)
	}
	return 0
}

func (b *books) recentBuys(mint string) []token.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bk, ok := b.byMint[mint]
	if !ok {
		return nil
	}
	out := make([]token.Trade, len(bk.recent))
	copy(out, bk.recent)
	return out
}

// cleanup drops books with no trade since cutoff, except keep.
func (b *books) cleanup(cutoff time.Time, keep func(mint string) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for mint, bk := range b.byMint {
		if bk.lastTrade.Before(cutoff) && !keep(mint) {
			delete(b.byMint, mint)
			removed++
		}
	}
	return removed
}

func (b *books) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byMint)
}
