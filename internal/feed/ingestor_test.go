package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed is a websocket server recording control messages and exposing
// each accepted connection to the test.
type fakeFeed struct {
	server  *httptest.Server
	control chan controlMessage
	conns   chan *websocket.Conn
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{
		control: make(chan controlMessage, 100),
		conns:   make(chan *websocket.Conn, 10),
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			var msg controlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.control <- msg
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeFeed) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (f *fakeFeed) nextControl(t *testing.T) controlMessage {
	t.Helper()
	select {
	case m := <-f.control:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no control message")
		return controlMessage{}
	}
}

func nextEvent(t *testing.T, events <-chan token.Event) token.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return token.Event{}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.EventBuffer = 16
	return cfg
}

func TestIngestor_SubscribesAndStreams(t *testing.T) {
	feed := newFakeFeed(t)
	ing := NewIngestor(testConfig(feed.url()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := ing.Start(ctx)
	conn := feed.nextConn(t)

	assert.Equal(t, MethodSubscribeNewToken, feed.nextControl(t).Method)
	assert.Equal(t, MethodSubscribeMigration, feed.nextControl(t).Method)

	send(t, conn, map[string]any{
		"signature": "s1", "mint": "MintA", "traderPublicKey": "dev", "txType": "create",
		"solAmount": 1.5, "bondingCurveKey": "CurveA", "vTokensInBondingCurve": 1.0e9, "vSolInBondingCurve": 31.5,
		"name": "Alpha", "symbol": "ALP",
	})

	ev := nextEvent(t, events)
	assert.Equal(t, token.EventNewToken, ev.Kind)
	assert.Equal(t, "ALP", ev.Snapshot.Symbol)
	assert.Equal(t, 1, ev.Snapshot.UniqueBuyers)

	sub := feed.nextControl(t)
	assert.Equal(t, MethodSubscribeTokenTrade, sub.Method)
	assert.Equal(t, []string{"MintA"}, sub.Keys)
	assert.True(t, ing.Subscribed("MintA"))

	// A malformed payload is dropped without killing the loop.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"txType":"buy",`)))
	send(t, conn, map[string]any{"message": "Successfully subscribed to keys."})

	send(t, conn, map[string]any{
		"signature": "s2", "mint": "MintA", "traderPublicKey": "w1", "txType": "buy",
		"solAmount": 0.5, "vTokensInBondingCurve": 0.99e9, "vSolInBondingCurve": 32.0,
	})
	ev = nextEvent(t, events)
	assert.Equal(t, token.EventTrade, ev.Kind)
	require.NotNil(t, ev.Trade)
	assert.Equal(t, "w1", ev.Trade.Trader)
	assert.Equal(t, 2, ev.Snapshot.UniqueBuyers)
	assert.InDelta(t, 2.0, ev.Snapshot.Volume5mSOL, 1e-9)
	assert.Equal(t, 2, ing.UniqueBuyers("MintA"))
	assert.Len(t, ing.RecentBuys("MintA"), 2)

	send(t, conn, map[string]any{"signature": "s3", "mint": "MintA", "txType": "migrate"})
	ev = nextEvent(t, events)
	assert.Equal(t, token.EventMigration, ev.Kind)

	unsub := feed.nextControl(t)
	assert.Equal(t, MethodUnsubscribeTokenTrade, unsub.Method)
	assert.Equal(t, []string{"MintA"}, unsub.Keys)
	assert.False(t, ing.Subscribed("MintA"))

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(3), stats.EventsOut)
}

func TestIngestor_ReplaysSubscriptionsOnReconnect(t *testing.T) {
	feed := newFakeFeed(t)
	cfg := testConfig(feed.url())
	cfg.TrackedAccounts = []string{"kol1"}
	ing := NewIngestor(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ing.Subscribe("MintA") // before the connection exists
	ing.Start(ctx)
	conn := feed.nextConn(t)

	assert.Equal(t, MethodSubscribeNewToken, feed.nextControl(t).Method)
	assert.Equal(t, MethodSubscribeMigration, feed.nextControl(t).Method)
	acc := feed.nextControl(t)
	assert.Equal(t, MethodSubscribeAccountTrade, acc.Method)
	assert.Equal(t, []string{"kol1"}, acc.Keys)
	replay := feed.nextControl(t)
	assert.Equal(t, MethodSubscribeTokenTrade, replay.Method)
	assert.Equal(t, []string{"MintA"}, replay.Keys)

	ing.Subscribe("MintB")
	assert.Equal(t, []string{"MintB"}, feed.nextControl(t).Keys)

	// Drop the connection; the ingestor reconnects after the fixed delay and
	// replays the same channel set.
	conn.Close()
	feed.nextConn(t)

	assert.Equal(t, MethodSubscribeNewToken, feed.nextControl(t).Method)
	assert.Equal(t, MethodSubscribeMigration, feed.nextControl(t).Method)
	assert.Equal(t, MethodSubscribeAccountTrade, feed.nextControl(t).Method)
	replay = feed.nextControl(t)
	assert.Equal(t, MethodSubscribeTokenTrade, replay.Method)
	assert.Equal(t, []string{"MintA", "MintB"}, replay.Keys)

	assert.Eventually(t, func() bool { return ing.Stats().Reconnects >= 1 }, time.Second, 10*time.Millisecond)
}

func TestIngestor_SubscriptionCapEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokenSubscriptions = 2
	ing := NewIngestor(cfg)

	ing.subscribe("a", false)
	ing.subscribe("b", false)
	ing.subscribe("a", false) // idempotent
	ing.subscribe("c", false)

	assert.False(t, ing.Subscribed("a"))
	assert.True(t, ing.Subscribed("b"))
	assert.True(t, ing.Subscribed("c"))
	assert.Equal(t, 2, ing.Stats().Subscriptions)

	ing.Unsubscribe("b")
	ing.Unsubscribe("missing")
	assert.Equal(t, 1, ing.Stats().Subscriptions)
}

func TestIngestor_TrackedMintSurvivesNewerLaunches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokenSubscriptions = 3
	ing := NewIngestor(cfg)

	// Opened at launch, then pinned when tracking starts.
	ing.subscribe("tracked", false)
	ing.Subscribe("tracked")

	for _, mint := range []string{"l1", "l2", "l3", "l4", "l5"} {
		ing.subscribe(mint, false)
	}

	assert.True(t, ing.Subscribed("tracked"))
	assert.False(t, ing.Subscribed("l1"))
	assert.False(t, ing.Subscribed("l2"))
	assert.False(t, ing.Subscribed("l3"))
	assert.True(t, ing.Subscribed("l4"))
	assert.True(t, ing.Subscribed("l5"))
	assert.Equal(t, 3, ing.Stats().Subscriptions)

	// Unsubscribe releases the pin; the key can then be evicted like any launch.
	ing.Unsubscribe("tracked")
	ing.subscribe("tracked", false)
	ing.subscribe("l6", false)
	assert.False(t, ing.Subscribed("l4"))
	ing.subscribe("l7", false)
	assert.False(t, ing.Subscribed("l5"))
	ing.subscribe("l8", false)
	assert.False(t, ing.Subscribed("tracked"))
}

func TestIngestor_AllPinnedExceedsCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTokenSubscriptions = 1
	ing := NewIngestor(cfg)

	ing.Subscribe("a")
	ing.Subscribe("b")

	assert.True(t, ing.Subscribed("a"))
	assert.True(t, ing.Subscribed("b"))
	assert.Equal(t, 2, ing.Stats().Subscriptions)
}

func TestIngestor_ClosesEventsOnCancel(t *testing.T) {
	feed := newFakeFeed(t)
	ing := NewIngestor(testConfig(feed.url()))
	ctx, cancel := context.WithCancel(context.Background())

	events := ing.Start(ctx)
	feed.nextConn(t)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("event channel not closed")
	}
	assert.False(t, ing.Connected())
}

func TestIngestor_DropsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	ing := NewIngestor(cfg)

	ing.handleMessage([]byte(`{"mint":"m","txType":"buy","traderPublicKey":"w1","solAmount":1}`))
	ing.handleMessage([]byte(`{"mint":"m","txType":"buy","traderPublicKey":"w2","solAmount":1}`))

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.EventsOut)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, ing.UniqueBuyers("m"), "the book is updated even when the event is dropped")
}
