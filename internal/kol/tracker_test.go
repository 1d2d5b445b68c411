package kol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, wallets ...TrackedWallet) (*Tracker, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	tr := NewTracker(Config{Wallets: wallets})
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestNewTracker_SeedsWallets(t *testing.T) {
	tr := NewTracker(Config{Wallets: []TrackedWallet{
		{Address: "k1", Tier: TierKOL},
		{Address: "s1", Tier: TierSmartMoney},
		{Address: "x1"},
	}})

	stats := tr.Stats()
	assert.Equal(t, 3, stats.TrackedWallets)
	assert.Equal(t, 2, stats.TierBreakdown["KOL"], "wallets without a tier default to KOL")
	assert.True(t, tr.IsTracked("s1"))
	assert.False(t, tr.IsTracked("nobody"))
}

func TestAddWallet_MaxCapacity(t *testing.T) {
	tr := NewTracker(Config{MaxTrackedWallets: 2})
	tr.AddWallet(TrackedWallet{Address: "w1"})
	tr.AddWallet(TrackedWallet{Address: "w2"})
	tr.AddWallet(TrackedWallet{Address: "w3"}) // over capacity
	tr.AddWallet(TrackedWallet{Address: "w1", Tier: TierWhale})

	assert.Equal(t, 2, tr.Stats().TrackedWallets)
	assert.Equal(t, 1, tr.Stats().TierBreakdown["WHALE"], "re-adding an existing wallet updates it")
}

func TestRemoveWallet(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.AddWallet(TrackedWallet{Address: "w1"})
	tr.RemoveWallet("w1")
	assert.False(t, tr.IsTracked("w1"))
}

func TestRecordBuy_UntrackedWallet(t *testing.T) {
	tr, _ := newTestTracker(t)
	n, ok := tr.RecordBuy(Buy{Wallet: "unknown", Mint: "mint1", AmountSOL: 1})
	assert.False(t, ok)
	assert.Equal(t, 0, n)
}

func TestRecordBuy_DistinctWallets(t *testing.T) {
	tr, _ := newTestTracker(t,
		TrackedWallet{Address: "k1", Tier: TierKOL},
		TrackedWallet{Address: "k2", Tier: TierKOL},
	)

	n, ok := tr.RecordBuy(Buy{Wallet: "k1", Mint: "mint1", AmountSOL: 2})
	require.True(t, ok)
	assert.Equal(t, 1, n)

	n, _ = tr.RecordBuy(Buy{Wallet: "k1", Mint: "mint1", AmountSOL: 1})
	assert.Equal(t, 1, n, "repeat buy from the same wallet")

	n, _ = tr.RecordBuy(Buy{Wallet: "k2", Mint: "mint1", AmountSOL: 1})
	assert.Equal(t, 2, n)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		buyers  []string
		score   int
		wallets int
	}{
		{"no buys", nil, 0, 0},
		{"one kol", []string{"k1"}, 15, 1},
		{"kol and whale", []string{"k1", "w1"}, 25, 2},
		{"repeat buyer counted once", []string{"k1", "k1"}, 15, 1},
		{"capped", []string{"k1", "k2", "k3", "s1"}, MaxScore, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t,
				TrackedWallet{Address: "k1", Tier: TierKOL},
				TrackedWallet{Address: "k2", Tier: TierKOL},
				TrackedWallet{Address: "k3", Tier: TierKOL},
				TrackedWallet{Address: "s1", Tier: TierSmartMoney},
				TrackedWallet{Address: "w1", Tier: TierWhale},
			)
			for _, b := range tt.buyers {
				tr.RecordBuy(Buy{Wallet: b, Mint: "mint1", AmountSOL: 1})
			}
			tr.RecordBuy(Buy{Wallet: "k2", Mint: "other", AmountSOL: 1})

			act, err := tr.Score(context.Background(), "mint1", 1)
			require.NoError(t, err)
			assert.Equal(t, tt.score, act.Score)
			assert.Len(t, act.Wallets, tt.wallets)
		})
	}
}

func TestScore_Window(t *testing.T) {
	tr, now := newTestTracker(t,
		TrackedWallet{Address: "k1", Tier: TierKOL},
		TrackedWallet{Address: "k2", Tier: TierKOL},
	)
	tr.RecordBuy(Buy{Wallet: "k1", Mint: "mint1", At: now.Add(-2 * time.Hour)})
	tr.RecordBuy(Buy{Wallet: "k2", Mint: "mint1", At: now.Add(-10 * time.Minute)})

	act, err := tr.Score(context.Background(), "mint1", 1)
	require.NoError(t, err)
	assert.Equal(t, 15, act.Score)
	assert.Equal(t, []string{"k2"}, act.Wallets)
}

func TestScore_CancelledContext(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Score(ctx, "mint1", 1)
	assert.Error(t, err)
}

func TestWallets(t *testing.T) {
	tr, _ := newTestTracker(t, TrackedWallet{Address: "k1"}, TrackedWallet{Address: "k2"})
	assert.Equal(t, map[string]bool{"k1": true, "k2": true}, tr.Wallets())
}

func TestCleanup(t *testing.T) {
	tr, now := newTestTracker(t, TrackedWallet{Address: "k1"})
	tr.RecordBuy(Buy{Wallet: "k1", Mint: "old", At: now.Add(-3 * time.Hour)})
	tr.RecordBuy(Buy{Wallet: "k1", Mint: "new", At: now.Add(-time.Minute)})

	removed := tr.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tr.Stats().ActiveTokens)
}

func TestWalletTier_String(t *testing.T) {
	assert.Equal(t, "KOL", TierKOL.String())
	assert.Equal(t, "SMART_MONEY", TierSmartMoney.String())
}
