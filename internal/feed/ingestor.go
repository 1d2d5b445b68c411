package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Event ingestor: one long-lived websocket to the launch feed with static
// launch/migration channels and per-token trade channels opened on demand
// ---------------------------------------------------------------------------

// Config configures the ingestor.
type Config struct {
	Endpoint              string        `yaml:"endpoint"`
	APIKey                string        `yaml:"api_key"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"` // fixed, no backoff
	PingInterval          time.Duration `yaml:"ping_interval"`
	ReadTimeout           time.Duration `yaml:"read_timeout"`
	MaxTokenSubscriptions int           `yaml:"max_token_subscriptions"`
	EventBuffer           int           `yaml:"event_buffer"`
	RecentBuys            int           `yaml:"recent_buys"`
	TrackedAccounts       []string      `yaml:"tracked_accounts"` // wallets whose trades are always streamed
}

// DefaultConfig returns defaults for the public PumpPortal feed.
func DefaultConfig() Config {
	return Config{
		Endpoint:              "wss://pumpportal.fun/api/data",
		ReconnectDelay:        5 * time.Second,
		PingInterval:          30 * time.Second,
		ReadTimeout:           90 * time.Second,
		MaxTokenSubscriptions: 500,
		EventBuffer:           1024,
		RecentBuys:            50,
	}
}

// Ingestor streams launch, trade and migration events. It also keeps the
// per-mint trade books used as free distribution data.
type Ingestor struct {
	config Config
	now    func() time.Time

	mu      sync.RWMutex // guards conn and events close
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Active per-token trade subscriptions, replayed after every reconnect.
	subMu  sync.Mutex
	active map[string]time.Time
	order  []string        // subscription order, oldest first
	pinned map[string]bool // tracked tokens, exempt from eviction

	books *books

	events chan token.Event
	closed atomic.Bool

	// Stats.
	messagesRecv atomic.Int64
	eventsOut    atomic.Int64
	dropped      atomic.Int64
	malformed    atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewIngestor creates an ingestor.
func NewIngestor(config Config) *Ingestor {
	def := DefaultConfig()
	if config.Endpoint == "" {
		config.Endpoint = def.Endpoint
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.MaxTokenSubscriptions <= 0 {
		config.MaxTokenSubscriptions = def.MaxTokenSubscriptions
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = def.EventBuffer
	}
	if config.RecentBuys <= 0 {
		config.RecentBuys = def.RecentBuys
	}

	return &Ingestor{
		config: config,
		now:    time.Now,
		active: make(map[string]time.Time),
		pinned: make(map[string]bool),
		books:  newBooks(config.RecentBuys),
		events: make(chan token.Event, config.EventBuffer),
	}
}

// Start runs the connection loop in the background and returns the event
// channel. The channel is closed once ctx is cancelled and the loop exits.
func (in *Ingestor) Start(ctx context.Context) <-chan token.Event {
	go in.runLoop(ctx)
	go func() {
		<-ctx.Done()
		in.disconnect()
	}()
	return in.events
}

func (in *Ingestor) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: runLoop panic recovered")
		}
		in.disconnect()
		// Write lock synchronizes with the non-blocking send in emit.
		in.mu.Lock()
		if in.closed.CompareAndSwap(false, true) {
			close(in.events)
		}
		in.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := in.connect(ctx); err != nil {
			attempt++
			in.reconnects.Add(1)
			log.Warn().Err(err).Int("attempt", attempt).Dur("delay", in.config.ReconnectDelay).Msg("feed: connection failed")
			if !sleep(ctx, in.config.ReconnectDelay) {
				return
			}
			continue
		}
		attempt = 0

		if err := in.subscribeAll(); err != nil {
			log.Warn().Err(err).Msg("feed: subscribe failed, reconnecting")
			in.disconnect()
			if !sleep(ctx, in.config.ReconnectDelay) {
				return
			}
			continue
		}

		in.readLoop(ctx)
		in.disconnect()
		if ctx.Err() != nil {
			return
		}

		in.reconnects.Add(1)
		log.Info().Dur("delay", in.config.ReconnectDelay).Msg("feed: disconnected, reconnecting")
		if !sleep(ctx, in.config.ReconnectDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (in *Ingestor) connect(ctx context.Context) error {
	endpoint := in.config.Endpoint
	if in.config.APIKey != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("feed: parse endpoint: %w", err)
		}
		q := u.Query()
		q.Set("api-key", in.config.APIKey)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	in.mu.Lock()
	in.conn = conn
	in.mu.Unlock()
	in.connected.Store(true)

	log.Info().Str("endpoint", in.config.Endpoint).Msg("feed: connected")
	return nil
}

func (in *Ingestor) disconnect() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn != nil {
		in.conn.Close()
		in.conn = nil
	}
	in.connected.Store(false)
}

// subscribeAll sends the static channels and replays the active per-token
// subscriptions.
func (in *Ingestor) subscribeAll() error {
	if err := in.send(controlMessage{Method: MethodSubscribeNewToken}); err != nil {
		return err
	}
	if err := in.send(controlMessage{Method: MethodSubscribeMigration}); err != nil {
		return err
	}
	if len(in.config.TrackedAccounts) > 0 {
		if err := in.send(controlMessage{Method: MethodSubscribeAccountTrade, Keys: in.config.TrackedAccounts}); err != nil {
			return err
		}
	}

	in.subMu.Lock()
	keys := make([]string, len(in.order))
	copy(keys, in.order)
	in.subMu.Unlock()
	if len(keys) > 0 {
		if err := in.send(controlMessage{Method: MethodSubscribeTokenTrade, Keys: keys}); err != nil {
			return err
		}
	}

	log.Info().
		Int("tokens", len(keys)).
		Int("accounts", len(in.config.TrackedAccounts)).
		Msg("feed: subscriptions sent")
	return nil
}

var errNotConnected = errors.New("feed: not connected")

func (in *Ingestor) send(msg controlMessage) error {
	in.mu.RLock()
	conn := in.conn
	in.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	in.writeMu.Lock()
	defer in.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("feed: write %s: %w", msg.Method, err)
	}
	return nil
}

// Subscribe opens and pins the trade channel of mint. Pinned channels are
// never evicted by newer launches; they stay open until Unsubscribe.
// Idempotent.
func (in *Ingestor) Subscribe(mint string) {
	in.subscribe(mint, true)
}

// subscribe opens the trade channel of mint. When the cap is reached the
// oldest unpinned subscription is closed first.
func (in *Ingestor) subscribe(mint string, pin bool) {
	in.subMu.Lock()
	if _, ok := in.active[mint]; ok {
		if pin {
			in.pinned[mint] = true
		}
		in.subMu.Unlock()
		return
	}
	var evicted []string
	for len(in.order) >= in.config.MaxTokenSubscriptions {
		i := in.oldestUnpinned()
		if i < 0 {
			log.Warn().Int("pinned", len(in.pinned)).Msg("feed: subscription cap held by tracked tokens")
			break
		}
		oldest := in.order[i]
		in.order = append(in.order[:i], in.order[i+1:]...)
		delete(in.active, oldest)
		evicted = append(evicted, oldest)
	}
	in.active[mint] = in.now()
	in.order = append(in.order, mint)
	if pin {
		in.pinned[mint] = true
	}
	in.subMu.Unlock()

	if len(evicted) > 0 {
		if err := in.send(controlMessage{Method: MethodUnsubscribeTokenTrade, Keys: evicted}); err != nil && !errors.Is(err, errNotConnected) {
			log.Debug().Err(err).Int("keys", len(evicted)).Msg("feed: unsubscribe of evicted tokens failed")
		}
	}
	// While disconnected the key is sent with the replay on reconnect.
	if err := in.send(controlMessage{Method: MethodSubscribeTokenTrade, Keys: []string{mint}}); err != nil && !errors.Is(err, errNotConnected) {
		log.Debug().Err(err).Str("mint", mint).Msg("feed: token subscribe failed")
	}
}

// oldestUnpinned returns the index in order of the oldest unpinned key, or
// -1. Caller holds subMu.
func (in *Ingestor) oldestUnpinned() int {
	for i, m := range in.order {
		if !in.pinned[m] {
			return i
		}
	}
	return -1
}

// Unsubscribe closes the trade channel of mint.
func (in *Ingestor) Unsubscribe(mint string) {
	in.subMu.Lock()
	if _, ok := in.active[mint]; !ok {
		in.subMu.Unlock()
		return
	}
	delete(in.active, mint)
	delete(in.pinned, mint)
	for i, m := range in.order {
		if m == mint {
			in.order = append(in.order[:i], in.order[i+1:]...)
			break
		}
	}
	in.subMu.Unlock()

	if err := in.send(controlMessage{Method: MethodUnsubscribeTokenTrade, Keys: []string{mint}}); err != nil && !errors.Is(err, errNotConnected) {
		log.Debug().Err(err).Str("mint", mint).Msg("feed: token unsubscribe failed")
	}
}

// Subscribed reports whether the trade channel of mint is open.
func (in *Ingestor) Subscribed(mint string) bool {
	in.subMu.Lock()
	defer in.subMu.Unlock()
	_, ok := in.active[mint]
	return ok
}

func (in *Ingestor) readLoop(ctx context.Context) {
	in.mu.RLock()
	conn := in.conn
	in.mu.RUnlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go in.pingLoop(conn, done)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(in.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("feed: connection closed")
			} else {
				log.Warn().Err(err).Msg("feed: read error")
			}
			in.connected.Store(false)
			return
		}

		in.messagesRecv.Add(1)
		in.handleMessage(message)
	}
}

func (in *Ingestor) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(in.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			in.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			in.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				return
			}
		}
	}
}

// handleMessage parses one payload, updates the trade book and emits the
// event. Malformed payloads are counted and dropped.
func (in *Ingestor) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: handleMessage panic recovered")
		}
	}()

	ev, err := parseMessage(data, in.now())
	if err != nil {
		if !errors.Is(err, errIgnored) {
			in.malformed.Add(1)
			log.Debug().Err(err).Int("bytes", len(data)).Msg("feed: dropping malformed payload")
		}
		return
	}

	if ev.Trade != nil {
		f := in.books.record(*ev.Trade, ev.Snapshot.PriceSOL)
		ev.Snapshot.UniqueBuyers = f.UniqueBuyers
		ev.Snapshot.Volume5mSOL = f.Volume5mSOL
		ev.Snapshot.Volume1hSOL = f.Volume1hSOL
		ev.Snapshot.PriceChange5mPct = f.PriceChange5mPct
	}

	switch ev.Kind {
	case token.EventNewToken:
		in.subscribe(ev.Mint, false)
	case token.EventMigration:
		in.Unsubscribe(ev.Mint)
	}

	in.emit(ev)
}

func (in *Ingestor) emit(ev token.Event) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed.Load() {
		return
	}
	select {
	case in.events <- ev:
		in.eventsOut.Add(1)
	default:
		in.dropped.Add(1)
		log.Warn().Str("mint", ev.Mint).Str("kind", string(ev.Kind)).Msg("feed: event channel full, dropping event")
	}
}

// UniqueBuyers returns the distinct buyers seen for mint.
func (in *Ingestor) UniqueBuyers(mint string) int {
	return in.books.uniqueBuyers(mint)
}

// RecentBuys returns the most recent buys of mint, oldest first.
func (in *Ingestor) RecentBuys(mint string) []token.Trade {
	return in.books.recentBuys(mint)
}

// Cleanup drops trade books idle for maxAge unless the token is still
// subscribed.
func (in *Ingestor) Cleanup(maxAge time.Duration) int {
	removed := in.books.cleanup(in.now().Add(-maxAge), in.Subscribed)
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("feed: cleaned up idle trade books")
	}
	return removed
}

// Stats returns ingestor statistics.
type Stats struct {
	Connected     bool  `json:"connected"`
	MessagesRecv  int64 `json:"messages_recv"`
	EventsOut     int64 `json:"events_out"`
	Dropped       int64 `json:"dropped"`
	Malformed     int64 `json:"malformed"`
	Reconnects    int64 `json:"reconnects"`
	Subscriptions int   `json:"subscriptions"`
	Books         int   `json:"books"`
}

func (in *Ingestor) Stats() Stats {
	in.subMu.Lock()
	subs := len(in.active)
	in.subMu.Unlock()
	return Stats{
		Connected:     in.connected.Load(),
		MessagesRecv:  in.messagesRecv.Load(),
		EventsOut:     in.eventsOut.Load(),
		Dropped:       in.dropped.Load(),
		Malformed:     in.malformed.Load(),
		Reconnects:    in.reconnects.Load(),
		Subscriptions: subs,
		Books:         in.books.len(),
	}
}

// Connected reports whether the feed connection is up.
func (in *Ingestor) Connected() bool { return in.connected.Load() }
