package chaindata

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/pumpsignal/internal/solana"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// stubMarket serves fixed market data per mint.
type stubMarket struct {
	mu    sync.Mutex
	data  map[string]*MarketData
	calls atomic.Int32
}

func newStubMarket() *stubMarket {
	return &stubMarket{data: map[string]*MarketData{
		string(solana.SOLMint): {Mint: string(solana.SOLMint), PriceUSD: decimal.NewFromInt(150), PriceNative: 1},
	}}
}

func (m *stubMarket) set(md MarketData) {
	m.mu.Lock()
	m.data[md.Mint] = &md
	m.mu.Unlock()
}

func (m *stubMarket) TokenMarket(_ context.Context, mint string) (*MarketData, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.data[mint]
	if !ok {
		return nil, ErrNoData
	}
	cp := *md
	return &cp, nil
}

const (
	testMint  = "MintAAAA"
	testCurve = "CurveAAAA"
)

func newTestService(t *testing.T) (*Service, *solana.StubRPCClient, *stubMarket, *fakeClock) {
	t.Helper()
	rpc := solana.NewStubRPCClient()
	market := newStubMarket()
	clk := newFakeClock()
	svc := NewService(DefaultConfig(), rpc, market, WithClock(clk.Now))
	return svc, rpc, market, clk
}

func TestCurve_CacheWithinTTL(t *testing.T) {
	svc, rpc, _, clk := newTestService(t)
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: freshTokenReserve, 16: freshQuoteReserve}))
	ctx := context.Background()

	_, err := svc.Curve(ctx, testMint, testCurve)
	require.NoError(t, err)
	clk.Advance(4 * time.Second)
	_, err = svc.Curve(ctx, testMint, testCurve)
	require.NoError(t, err)
	assert.Equal(t, 1, rpc.Calls("getAccountInfo"), "second call within 5s is served from cache")

	clk.Advance(2 * time.Second) // 6s after the fetch
	_, err = svc.Curve(ctx, testMint, testCurve)
	require.NoError(t, err)
	assert.Equal(t, 2, rpc.Calls("getAccountInfo"))
}

func TestCurve_ConcurrentCallsCoalesce(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: freshTokenReserve, 16: freshQuoteReserve}))
	rpc.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Curve(context.Background(), testMint, testCurve)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rpc.Calls("getAccountInfo"))
	assert.Equal(t, int64(1), svc.Stats().CurveFetches)
}

func TestCurve_Valuation(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	// 42.5 SOL in the curve: half way to the 85 SOL graduation point.
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: 500_000_000_000_000, 16: 42_500_000_000}))

	cs, err := svc.Curve(context.Background(), testMint, testCurve)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, cs.ProgressPct, 1e-9)
	assert.InDelta(t, 42.5, cs.MarketCapSOL, 1e-9)
	assert.InDelta(t, 42.5/5e8, cs.PriceSOL, 1e-15)
	assert.InDelta(t, 42.5*150, cs.MarketCapUSD.InexactFloat64(), 1e-6)
	assert.True(t, cs.LiquidityUSD.Equal(cs.MarketCapUSD))
	assert.InDelta(t, 42.5/5e8*150, cs.PriceUSD.InexactFloat64(), 1e-12)
}

func TestCurve_ProgressCapped(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: 200_000_000_000_000, 16: 120_000_000_000}))

	cs, err := svc.Curve(context.Background(), testMint, testCurve)
	require.NoError(t, err)
	assert.Equal(t, 100.0, cs.ProgressPct)
}

func TestCurve_ServesStaleOnFailure(t *testing.T) {
	svc, rpc, _, clk := newTestService(t)
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: freshTokenReserve, 16: freshQuoteReserve}))
	ctx := context.Background()

	first, err := svc.Curve(ctx, testMint, testCurve)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	rpc.SetFailNext()
	second, err := svc.Curve(ctx, testMint, testCurve)
	require.NoError(t, err, "transient failure falls back to the cached value")
	assert.Equal(t, first.Reserves, second.Reserves)
	assert.Equal(t, int64(1), svc.Stats().StaleServed)
}

func TestCurve_FailureWithoutCacheErrors(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	rpc.SetFailNext()
	_, err := svc.Curve(context.Background(), testMint, testCurve)
	assert.Error(t, err)
}

func TestCurve_UndecodableIsNoData(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	rpc.SetAccount(testCurve, make([]byte, 49))

	_, err := svc.Curve(context.Background(), testMint, testCurve)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = svc.Curve(context.Background(), testMint, "MissingCurve")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestTokenData_FallsBackToMarket(t *testing.T) {
	svc, rpc, market, _ := newTestService(t)
	rpc.SetAccount(testCurve, make([]byte, 49)) // undecodable
	market.set(MarketData{
		Mint:             testMint,
		PriceUSD:         decimal.NewFromFloat(0.003),
		PriceNative:      0.00002,
		LiquidityUSD:     decimal.NewFromInt(30000),
		MarketCapUSD:     decimal.NewFromInt(300000),
		Volume5mUSD:      15000,
		Volume1hUSD:      60000,
		PriceChange5mPct: 25,
	})

	snap, err := svc.TokenData(context.Background(), token.Snapshot{Mint: testMint, BondingCurve: testCurve})
	require.NoError(t, err)
	assert.Equal(t, "market", snap.Source)
	assert.InDelta(t, 200.0, snap.LiquiditySOL, 1e-6) // 30000 USD at 150 USD/SOL
	assert.InDelta(t, 100.0, snap.Volume5mSOL, 1e-6)
	assert.InDelta(t, 400.0, snap.Volume1hSOL, 1e-6)
	assert.Equal(t, 25.0, snap.PriceChange5mPct)
}

func TestTokenData_GraduatedSkipsCurve(t *testing.T) {
	svc, rpc, market, _ := newTestService(t)
	market.set(MarketData{Mint: testMint, PriceUSD: decimal.NewFromFloat(0.01), PriceNative: 0.0001})

	snap, err := svc.TokenData(context.Background(), token.Snapshot{Mint: testMint, Stage: token.StageGraduated})
	require.NoError(t, err)
	assert.Equal(t, "market", snap.Source)
	assert.Equal(t, 0, rpc.Calls("getAccountInfo"))
}

func TestTokenData_CurveSource(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: freshTokenReserve, 16: freshQuoteReserve}))

	snap, err := svc.TokenData(context.Background(), token.Snapshot{Mint: testMint, BondingCurve: testCurve})
	require.NoError(t, err)
	assert.Equal(t, "curve", snap.Source)
	assert.Equal(t, testCurve, snap.BondingCurve)
	assert.InDelta(t, 30.0, snap.LiquiditySOL, 1e-9)
}

// metadataMint returns a valid mint with a Metaplex metadata account
// registered on rpc.
func metadataMint(t *testing.T, rpc *solana.StubRPCClient, name, symbol string) string {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	mint := solana.Pubkey(base58.Encode(raw))
	addr, err := solana.MetadataAddress(mint)
	require.NoError(t, err)

	data := make([]byte, 1+32+32)
	data[0] = 4 // metadata v1 key
	for _, s := range []string{name, symbol, "https://example.com/" + symbol + ".json"} {
		n := make([]byte, 4)
		binary.LittleEndian.PutUint32(n, uint32(len(s)))
		data = append(append(data, n...), s...)
	}
	rpc.SetAccount(addr, data)
	return string(mint)
}

func TestTokenData_MetadataCachedWithinTTL(t *testing.T) {
	svc, rpc, market, clk := newTestService(t)
	mint := metadataMint(t, rpc, "Alpha", "ALP")
	market.set(MarketData{Mint: mint, PriceUSD: decimal.NewFromFloat(0.01), PriceNative: 0.0001})
	ctx := context.Background()
	snap := token.Snapshot{Mint: mint, Stage: token.StageGraduated}

	out, err := svc.TokenData(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", out.Name)
	assert.Equal(t, "ALP", out.Symbol)
	assert.Equal(t, "https://example.com/ALP.json", out.URI)
	assert.Equal(t, 1, rpc.Calls("getAccountInfo"))

	clk.Advance(59 * time.Minute)
	out, err = svc.TokenData(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, "ALP", out.Symbol)
	assert.Equal(t, 1, rpc.Calls("getAccountInfo"), "metadata served from cache within 60m")
	assert.Equal(t, int64(1), svc.Stats().MetaFetches)

	clk.Advance(2 * time.Minute)
	_, err = svc.TokenData(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, rpc.Calls("getAccountInfo"))
}

func TestTokenData_KnownSymbolSkipsMetadata(t *testing.T) {
	svc, rpc, market, _ := newTestService(t)
	mint := metadataMint(t, rpc, "Alpha", "ALP")
	market.set(MarketData{Mint: mint, PriceUSD: decimal.NewFromFloat(0.01), PriceNative: 0.0001})

	out, err := svc.TokenData(context.Background(), token.Snapshot{Mint: mint, Symbol: "ALP", Stage: token.StageGraduated})
	require.NoError(t, err)
	assert.Empty(t, out.Name)
	assert.Equal(t, 0, rpc.Calls("getAccountInfo"))
}

func TestMetadata_MissingAccountCachedAsNoData(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	mint := solana.Pubkey(base58.Encode(make([]byte, 32)))
	ctx := context.Background()

	_, err := svc.Metadata(ctx, string(mint))
	assert.ErrorIs(t, err, ErrNoData)
	_, err = svc.Metadata(ctx, string(mint))
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, 1, rpc.Calls("getAccountInfo"))
}

func TestHolderCount_CachedForHours(t *testing.T) {
	svc, rpc, _, clk := newTestService(t)
	rpc.SetHolderCount(testMint, 64)
	ctx := context.Background()

	n, err := svc.HolderCount(ctx, testMint)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	clk.Advance(119 * time.Minute)
	_, err = svc.HolderCount(ctx, testMint)
	require.NoError(t, err)
	assert.Equal(t, 1, rpc.Calls("getProgramAccounts"))

	clk.Advance(2 * time.Minute)
	_, err = svc.HolderCount(ctx, testMint)
	require.NoError(t, err)
	assert.Equal(t, 2, rpc.Calls("getProgramAccounts"))
}

func TestHolders_TopHolders(t *testing.T) {
	svc, rpc, _, _ := newTestService(t)
	rpc.SetHolders(testMint, []solana.HolderInfo{
		{Address: "acc1", Owner: "w1", Percentage: 12},
		{Address: "acc2", Owner: "w2", Percentage: 8},
	})

	hd, err := svc.Holders(context.Background(), testMint)
	require.NoError(t, err)
	assert.Len(t, hd.Top, 2)
	assert.Equal(t, -1, hd.Count)
}

func TestMarketData_NoProvider(t *testing.T) {
	svc := NewService(DefaultConfig(), solana.NewStubRPCClient(), nil)
	_, err := svc.MarketData(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestPurge(t *testing.T) {
	svc, rpc, _, clk := newTestService(t)
	rpc.SetAccount(testCurve, curveBytes(map[int]uint64{8: freshTokenReserve, 16: freshQuoteReserve}))
	_, err := svc.Curve(context.Background(), testMint, testCurve)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, svc.Purge(), "only the curve entry expired")
}
