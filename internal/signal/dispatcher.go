package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/storage"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Dispatcher: save, publish, mark posted. Failures are logged and never
// retried. A failed save does not hold back the publish; a duplicate does.
// ---------------------------------------------------------------------------

// DispatcherConfig configures the dispatcher.
type DispatcherConfig struct {
	Timeout time.Duration `yaml:"timeout"` // per-signal budget for all three steps
}

// DefaultDispatcherConfig returns defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Timeout: 10 * time.Second}
}

// Dispatcher hands signals to storage and the publisher.
type Dispatcher struct {
	config    DispatcherConfig
	store     Persistence
	publisher Publisher

	wg sync.WaitGroup

	dispatched   atomic.Int64
	saveFailed   atomic.Int64
	duplicates   atomic.Int64
	publishFails atomic.Int64
	posted       atomic.Int64
}

// NewDispatcher creates a dispatcher. store may be nil, in which case
// signals are only published.
func NewDispatcher(config DispatcherConfig, store Persistence, publisher Publisher) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = DefaultDispatcherConfig().Timeout
	}
	if publisher == nil {
		publisher = LogPublisher{}
	}
	return &Dispatcher{config: config, store: store, publisher: publisher}
}

// OnSignal dispatches a signal in the background. Matches tracker.OnSignal.
func (d *Dispatcher) OnSignal(snap token.Snapshot, res conviction.Result) {
	rec := NewRecord(snap, res)
	d.dispatched.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(rec)
	}()
}

func (d *Dispatcher) dispatch(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("mint", rec.Mint).Msg("signal: dispatch panic recovered")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	saved := false
	if d.store != nil {
		err := d.store.SaveSignal(ctx, rec)
		switch {
		case err == nil:
			saved = true
		case errors.Is(err, storage.ErrDuplicateKey):
			d.duplicates.Add(1)
			log.Warn().Str("mint", rec.Mint).Str("stage", rec.Stage.String()).Msg("signal: already stored, not publishing")
			return
		default:
			// Persistence is best effort; the signal still goes out.
			d.saveFailed.Add(1)
			log.Error().Err(err).Str("mint", rec.Mint).Str("id", rec.ID.String()).Msg("signal: save failed, publishing anyway")
		}
	}

	msgID, err := d.publisher.Publish(ctx, rec)
	if err != nil {
		d.publishFails.Add(1)
		log.Error().Err(err).Str("mint", rec.Mint).Str("id", rec.ID.String()).Msg("signal: publish failed")
		return
	}

	if saved {
		if err := d.store.MarkPosted(ctx, rec.ID, msgID, time.Now()); err != nil {
			log.Warn().Err(err).Str("mint", rec.Mint).Str("id", rec.ID.String()).Msg("signal: mark posted failed")
			return
		}
	}
	d.posted.Add(1)

	log.Info().
		Str("id", rec.ID.String()).
		Str("mint", rec.Mint).
		Str("symbol", rec.Symbol).
		Int("score", rec.Score).
		Str("message_id", msgID).
		Msg("signal: posted")
}

// Wait blocks until in-flight dispatches finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// DispatcherStats holds dispatch counters.
type DispatcherStats struct {
	Dispatched    int64 `json:"dispatched"`
	SaveFailed    int64 `json:"save_failed"`
	Duplicates    int64 `json:"duplicates"`
	PublishFailed int64 `json:"publish_failed"`
	Posted        int64 `json:"posted"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched:    d.dispatched.Load(),
		SaveFailed:    d.saveFailed.Load(),
		Duplicates:    d.duplicates.Load(),
		PublishFailed: d.publishFails.Load(),
		Posted:        d.posted.Load(),
	}
}
