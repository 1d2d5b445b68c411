package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/kol"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Token lifecycle tracker: owns every TokenState, turns feed events into
// re-analyses and guarantees at most one signal per token
// ---------------------------------------------------------------------------

// Scorer scores a merged snapshot.
type Scorer interface {
	Score(ctx context.Context, snap token.Snapshot) conviction.Result
}

// Enricher fetches chain or market data for a snapshot.
type Enricher interface {
	TokenData(ctx context.Context, snap token.Snapshot) (token.Snapshot, error)
}

// Wallets records buys of tracked wallets.
type Wallets interface {
	IsTracked(wallet string) bool
	RecordBuy(buy kol.Buy) (int, bool)
}

// Subscriber opens and closes per-token trade channels on the feed.
type Subscriber interface {
	Subscribe(mint string)
	Unsubscribe(mint string)
}

// EvaluationSink receives every scoring pass.
type EvaluationSink interface {
	Record(ev Evaluation)
}

// Observer receives tracker events. Implemented by the metrics layer.
type Observer interface {
	Event(kind string)
	Reanalysis(reason string)
	Scored(stage string, score int)
	SignalEmitted(stage string)
}

// OnSignal is called once per token when its score first meets the
// threshold. It runs outside the tracker lock.
type OnSignal func(snap token.Snapshot, res conviction.Result)

// Config configures the tracker.
type Config struct {
	MaxAge           time.Duration `yaml:"max_age"`            // unsignaled tokens are dropped after this
	PostSignalWindow time.Duration `yaml:"post_signal_window"` // signaled tokens are kept this long
	TrackNewTokens   bool          `yaml:"track_new_tokens"`
	MaxTracked       int           `yaml:"max_tracked"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:           2 * time.Hour,
		PostSignalWindow: 30 * time.Minute,
		TrackNewTokens:   true,
		MaxTracked:       5000,
	}
}

// Tracker is the token lifecycle tracker.
type Tracker struct {
	config   Config
	scorer   Scorer
	onSignal OnSignal
	now      func() time.Time

	enricher   Enricher
	wallets    Wallets
	subscriber Subscriber
	sink       EvaluationSink
	observer   Observer

	mu      sync.Mutex
	states  map[string]*TokenState
	pending map[string]token.Snapshot // launches seen but not tracked

	// Every mint signaled by this process. Cleanup never prunes it, so a
	// token re-tracked after its state was removed cannot signal again.
	signaled map[string]time.Time

	wg sync.WaitGroup

	// Stats.
	reanalyses atomic.Int64
	coalesced  atomic.Int64
	signals    atomic.Int64
	removed    atomic.Int64
	rejected   atomic.Int64
	byReason   sync.Map // Reason -> *atomic.Int64
}

// New creates a tracker.
func New(config Config, scorer Scorer, onSignal OnSignal) *Tracker {
	def := DefaultConfig()
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.PostSignalWindow <= 0 {
		config.PostSignalWindow = def.PostSignalWindow
	}
	if config.MaxTracked <= 0 {
		config.MaxTracked = def.MaxTracked
	}
	return &Tracker{
		config:   config,
		scorer:   scorer,
		onSignal: onSignal,
		now:      time.Now,
		states:   make(map[string]*TokenState),
		pending:  make(map[string]token.Snapshot),
		signaled: make(map[string]time.Time),
	}
}

// SetEnricher sets the chain/market data source. Without one the tracker
// scores feed data only.
func (t *Tracker) SetEnricher(e Enricher) { t.enricher = e }

// SetWallets sets the tracked-wallet recorder.
func (t *Tracker) SetWallets(w Wallets) { t.wallets = w }

// SetSubscriber sets the feed subscription control.
func (t *Tracker) SetSubscriber(s Subscriber) { t.subscriber = s }

// SetSink sets the evaluation sink.
func (t *Tracker) SetSink(s EvaluationSink) { t.sink = s }

// SetObserver sets the metrics observer.
func (t *Tracker) SetObserver(o Observer) { t.observer = o }

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Run consumes feed events until the channel closes or ctx is cancelled,
// then waits for in-flight re-analyses.
func (t *Tracker) Run(ctx context.Context, events <-chan token.Event) {
	defer t.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent dispatches a single feed event.
func (t *Tracker) HandleEvent(ctx context.Context, ev token.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("mint", ev.Mint).Msg("tracker: event handler panic recovered")
		}
	}()

	if t.observer != nil {
		t.observer.Event(string(ev.Kind))
	}

	switch ev.Kind {
	case token.EventNewToken:
		t.mu.Lock()
		if _, tracked := t.states[ev.Mint]; !tracked {
			p := t.pending[ev.Mint]
			p.Merge(ev.Snapshot)
			t.pending[ev.Mint] = p
		}
		t.mu.Unlock()

		if ev.Trade != nil && t.kolBuy(ev.Trade) {
			t.StartTracking(ctx, ev.Mint, ev.Snapshot)
			return
		}
		if t.config.TrackNewTokens {
			t.track(ctx, ev.Mint, ev.Snapshot, false)
		}

	case token.EventTrade:
		if ev.Trade != nil && t.kolBuy(ev.Trade) {
			t.StartTracking(ctx, ev.Mint, ev.Snapshot)
			return
		}
		t.OnTrade(ctx, ev.Mint, ev.Snapshot)

	case token.EventMigration:
		t.mu.Lock()
		if st, ok := t.states[ev.Mint]; ok {
			st.Snapshot.Merge(ev.Snapshot)
			st.LastUpdatedAt = t.now()
		} else if p, ok := t.pending[ev.Mint]; ok {
			p.Merge(ev.Snapshot)
			t.pending[ev.Mint] = p
		}
		t.mu.Unlock()
		log.Info().Str("mint", ev.Mint).Msg("tracker: token graduated")
	}
}

// kolBuy records a buy by a tracked wallet. Returns false for everything else.
func (t *Tracker) kolBuy(tr *token.Trade) bool {
	if t.wallets == nil || !tr.IsBuy() || !t.wallets.IsTracked(tr.Trader) {
		return false
	}
	_, ok := t.wallets.RecordBuy(kol.Buy{Wallet: tr.Trader, Mint: tr.Mint, AmountSOL: tr.SOLAmount, At: tr.At})
	return ok
}

// StartTracking starts a session for mint after a qualifying buy. If the
// token is already tracked the buy counts as a repeat buy: the KOL buy count
// is incremented and one re-analysis is triggered. Returns whether a new
// session was started.
func (t *Tracker) StartTracking(ctx context.Context, mint string, snap token.Snapshot) bool {
	return t.track(ctx, mint, snap, true)
}

func (t *Tracker) track(ctx context.Context, mint string, snap token.Snapshot, kolBuy bool) bool {
	now := t.now()

	t.mu.Lock()
	if st, ok := t.states[mint]; ok {
		st.Snapshot.Merge(snap)
		st.LastUpdatedAt = now
		if !kolBuy {
			t.mu.Unlock()
			return false
		}
		st.KOLBuyCount++
		t.mu.Unlock()
		t.trigger(ctx, mint, ReasonRepeatBuy)
		return false
	}
	if len(t.states) >= t.config.MaxTracked {
		t.mu.Unlock()
		log.Warn().Str("mint", mint).Int("max", t.config.MaxTracked).Msg("tracker: at capacity, not tracking")
		return false
	}

	merged := t.pending[mint]
	delete(t.pending, mint)
	merged.Merge(snap)
	if merged.Mint == "" {
		merged.Mint = mint
	}
	st := &TokenState{
		Mint:           mint,
		Snapshot:       merged,
		UniqueBuyers:   merged.UniqueBuyers,
		FirstTrackedAt: now,
		LastUpdatedAt:  now,
	}
	if kolBuy {
		st.KOLBuyCount = 1
	}
	if at, ok := t.signaled[mint]; ok {
		st.SignalSent = true
		st.SignalAt = at
	}
	t.states[mint] = st
	t.mu.Unlock()

	if t.subscriber != nil {
		t.subscriber.Subscribe(mint)
	}

	log.Info().
		Str("mint", mint).
		Str("symbol", merged.Symbol).
		Bool("kol_buy", kolBuy).
		Msg("tracker: tracking started")

	t.trigger(ctx, mint, ReasonInitial)
	return true
}

// OnTrade merges a trade update into a tracked token and triggers a
// re-analysis. A change of buyer bucket is reported as a holder change.
func (t *Tracker) OnTrade(ctx context.Context, mint string, snap token.Snapshot) {
	t.mu.Lock()
	st, ok := t.states[mint]
	if !ok {
		t.mu.Unlock()
		return
	}
	prevBuyers := st.UniqueBuyers
	st.Snapshot.Merge(snap)
	if snap.UniqueBuyers > st.UniqueBuyers {
		st.UniqueBuyers = snap.UniqueBuyers
	}
	st.LastUpdatedAt = t.now()
	reason := ReasonTradeUpdate
	if conviction.BuyerBucket(st.UniqueBuyers) != conviction.BuyerBucket(prevBuyers) {
		reason = ReasonHolderChange
	}
	t.mu.Unlock()

	t.trigger(ctx, mint, reason)
}

// OnHolderCountChange records a new holder count for a tracked token and
// triggers a re-analysis if it changed.
func (t *Tracker) OnHolderCountChange(ctx context.Context, mint string, holders int) {
	t.mu.Lock()
	st, ok := t.states[mint]
	if !ok || holders == st.UniqueBuyers {
		t.mu.Unlock()
		return
	}
	st.UniqueBuyers = holders
	st.Snapshot.UniqueBuyers = holders
	st.LastUpdatedAt = t.now()
	t.mu.Unlock()

	t.trigger(ctx, mint, ReasonHolderChange)
}

// trigger schedules a re-analysis. If one is already running for the mint
// the trigger is folded into a single follow-up pass.
func (t *Tracker) trigger(ctx context.Context, mint string, reason Reason) {
	t.mu.Lock()
	st, ok := t.states[mint]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st.running {
		st.dirty = true
		st.dirtyReason = reason
		t.mu.Unlock()
		t.coalesced.Add(1)
		return
	}
	st.running = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.analyzeLoop(ctx, mint, reason)
}

func (t *Tracker) analyzeLoop(ctx context.Context, mint string, reason Reason) {
	defer t.wg.Done()
	for {
		t.reanalyze(ctx, mint, reason)

		t.mu.Lock()
		st, ok := t.states[mint]
		if !ok {
			t.mu.Unlock()
			return
		}
		if !st.dirty || ctx.Err() != nil {
			st.running = false
			st.dirty = false
			t.mu.Unlock()
			return
		}
		st.dirty = false
		reason = st.dirtyReason
		t.mu.Unlock()
	}
}

func (t *Tracker) reanalyze(ctx context.Context, mint string, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("mint", mint).Msg("tracker: re-analysis panic recovered")
		}
	}()

	t.reanalyses.Add(1)
	t.reasonCounter(reason).Add(1)
	if t.observer != nil {
		t.observer.Reanalysis(reason.String())
	}

	t.mu.Lock()
	st, ok := t.states[mint]
	if !ok {
		t.mu.Unlock()
		return
	}
	snap := st.Snapshot
	if st.UniqueBuyers > snap.UniqueBuyers {
		snap.UniqueBuyers = st.UniqueBuyers
	}
	t.mu.Unlock()

	// Blocking calls below; the state is re-read afterwards.
	var enriched token.Snapshot
	if t.needsEnrichment(snap) {
		data, err := t.enricher.TokenData(ctx, snap)
		if err != nil {
			log.Debug().Err(err).Str("mint", mint).Msg("tracker: enrichment unavailable, scoring feed data")
		} else {
			enriched = data
			snap.Merge(enriched)
		}
	}

	res := t.scorer.Score(ctx, snap)

	t.mu.Lock()
	st, ok = t.states[mint]
	if !ok {
		t.mu.Unlock()
		return
	}
	if enriched.Mint != "" {
		st.Snapshot.Merge(enriched)
	}
	st.Score = res.Score
	st.LastResult = res
	st.Reanalyses++
	if res.Holders != nil {
		st.HolderCheckedAt = res.ScoredAt
		st.HolderTop10Pct = res.Holders.Top10Pct
	}
	_, already := t.signaled[mint]
	emit := res.MeetsThreshold && !st.SignalSent && !already
	if emit {
		st.SignalSent = true
		st.SignalAt = t.now()
		t.signaled[mint] = st.SignalAt
	}
	signalSnap := st.Snapshot
	kolBuys := st.KOLBuyCount
	t.mu.Unlock()

	if res.Rejected {
		t.rejected.Add(1)
	}
	if t.observer != nil {
		t.observer.Scored(res.Stage.String(), res.Score)
	}
	if t.sink != nil {
		t.sink.Record(Evaluation{
			Mint:          mint,
			Symbol:        signalSnap.Symbol,
			Reason:        reason,
			Result:        res,
			KOLBuyCount:   kolBuys,
			SignalEmitted: emit,
			At:            res.ScoredAt,
		})
	}

	log.Debug().
		Str("mint", mint).
		Str("reason", reason.String()).
		Int("score", res.Score).
		Int("threshold", res.Threshold).
		Bool("signal", emit).
		Msg("tracker: re-analysis complete")

	if !emit {
		return
	}

	t.signals.Add(1)
	if t.observer != nil {
		t.observer.SignalEmitted(res.Stage.String())
	}
	log.Info().
		Str("mint", mint).
		Str("symbol", signalSnap.Symbol).
		Str("stage", res.Stage.String()).
		Int("score", res.Score).
		Int("kol_buys", kolBuys).
		Msg("tracker: SIGNAL")

	if t.onSignal != nil {
		t.onSignal(signalSnap, res)
	}
}

// needsEnrichment reports whether the feed snapshot lacks the market
// fields the scorer relies on. Graduated tokens always need market data.
func (t *Tracker) needsEnrichment(snap token.Snapshot) bool {
	if t.enricher == nil {
		return false
	}
	return snap.EffectiveStage().Graduated() || snap.PriceSOL == 0 || snap.LiquiditySOL == 0
}

func (t *Tracker) reasonCounter(r Reason) *atomic.Int64 {
	v, _ := t.byReason.LoadOrStore(r, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// State returns a copy of the state of mint.
func (t *Tracker) State(mint string) (TokenState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[mint]
	if !ok {
		return TokenState{}, false
	}
	return *st, true
}

// Cleanup removes signaled tokens past the post-signal window and
// unsignaled tokens past the max age, and closes their trade channels.
func (t *Tracker) Cleanup() int {
	now := t.now()
	var removed []string

	t.mu.Lock()
	for mint, st := range t.states {
		switch {
		case st.SignalSent && now.Sub(st.SignalAt) > t.config.PostSignalWindow:
		case !st.SignalSent && now.Sub(st.FirstTrackedAt) > t.config.MaxAge:
		default:
			continue
		}
		delete(t.states, mint)
		removed = append(removed, mint)
	}
	for mint, p := range t.pending {
		if now.Sub(p.UpdatedAt) > t.config.MaxAge {
			delete(t.pending, mint)
		}
	}
	t.mu.Unlock()

	if t.subscriber != nil {
		for _, mint := range removed {
			t.subscriber.Unsubscribe(mint)
		}
	}
	if len(removed) > 0 {
		t.removed.Add(int64(len(removed)))
		log.Info().Int("removed", len(removed)).Msg("tracker: cleaned up token states")
	}
	return len(removed)
}

// Wait blocks until in-flight re-analyses finish.
func (t *Tracker) Wait() { t.wg.Wait() }

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Tracked    int              `json:"tracked"`
	Signaled   int              `json:"signaled"`
	Pending    int              `json:"pending"`
	Reanalyses int64            `json:"reanalyses"`
	ByReason   map[string]int64 `json:"by_reason"`
	Coalesced  int64            `json:"coalesced"`
	Signals    int64            `json:"signals"`
	Rejected   int64            `json:"rejected"`
	Removed    int64            `json:"removed"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	tracked := len(t.states)
	pending := len(t.pending)
	signaled := 0
	for _, st := range t.states {
		if st.SignalSent {
			signaled++
		}
	}
	t.mu.Unlock()

	byReason := make(map[string]int64)
	t.byReason.Range(func(k, v any) bool {
		byReason[k.(Reason).String()] = v.(*atomic.Int64).Load()
		return true
	})

	return Stats{
		Tracked:    tracked,
		Signaled:   signaled,
		Pending:    pending,
		Reanalyses: t.reanalyses.Load(),
		ByReason:   byReason,
		Coalesced:  t.coalesced.Load(),
		Signals:    t.signals.Load(),
		Rejected:   t.rejected.Load(),
		Removed:    t.removed.Load(),
	}
}
