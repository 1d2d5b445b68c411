package conviction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/nexus-trading/pumpsignal/internal/chaindata"
	"github.com/nexus-trading/pumpsignal/internal/kol"
	"github.com/nexus-trading/pumpsignal/internal/rugguard"
	"github.com/nexus-trading/pumpsignal/internal/solana"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWallets struct {
	score   int
	wallets []string
	err     error
	panics  bool
}

func (f *fakeWallets) Score(context.Context, string, float64) (kol.Activity, error) {
	if f.panics {
		panic("boom")
	}
	return kol.Activity{Score: f.score, Wallets: f.wallets}, f.err
}

func (f *fakeWallets) Wallets() map[string]bool {
	out := make(map[string]bool)
	for _, w := range f.wallets {
		out[w] = true
	}
	return out
}

type fakeBuyers struct {
	unique int
	recent []token.Trade
}

func (f *fakeBuyers) UniqueBuyers(string) int         { return f.unique }
func (f *fakeBuyers) RecentBuys(string) []token.Trade { return f.recent }

type fakeChain struct {
	holderCount int
	countErr    error
	top         []solana.HolderInfo
	holdersErr  error

	countCalls   atomic.Int32
	holdersCalls atomic.Int32
}

func (f *fakeChain) HolderCount(context.Context, string) (int, error) {
	f.countCalls.Add(1)
	return f.holderCount, f.countErr
}

func (f *fakeChain) Holders(_ context.Context, mint string) (chaindata.HolderData, error) {
	f.holdersCalls.Add(1)
	if f.holdersErr != nil {
		return chaindata.HolderData{}, f.holdersErr
	}
	return chaindata.HolderData{Mint: mint, Top: f.top, Count: -1}, nil
}

// spread returns ten holders sharing pct of supply.
func spread(pct float64, owners ...string) []solana.HolderInfo {
	out := make([]solana.HolderInfo, 10)
	for i := range out {
		owner := fmt.Sprintf("holder%d", i)
		if i < len(owners) {
			owner = owners[i]
		}
		out[i] = solana.HolderInfo{Address: solana.Pubkey("ata" + owner), Owner: solana.Pubkey(owner), Percentage: pct / 10}
	}
	return out
}

// hot is a bonding-curve snapshot earning full velocity and momentum points.
func hot(mint string) token.Snapshot {
	return token.Snapshot{
		Mint:             mint,
		Stage:            token.StageBondingCurve,
		Volume5mSOL:      20,
		Volume1hSOL:      60, // run rate 5/5m, ratio 4x
		PriceChange5mPct: 60,
	}
}

func TestScore_FullConditionalTier(t *testing.T) {
	chain := &fakeChain{top: spread(30)}
	s := NewScorer(DefaultConfig(), &fakeWallets{score: 40, wallets: []string{"k1"}}, &fakeBuyers{unique: 55}, chain, nil)

	res := s.Score(context.Background(), hot("mint1"))

	assert.Equal(t, 60, res.Base)
	assert.Equal(t, 40, res.Breakdown[KeyWalletActivity])
	assert.Equal(t, 10, res.Breakdown[KeyVolumeVelocity])
	assert.Equal(t, 10, res.Breakdown[KeyMomentum])
	assert.Equal(t, 15, res.Breakdown[KeyDistribution])
	assert.Equal(t, 75, res.Score)
	assert.Equal(t, 75, res.Threshold)
	assert.True(t, res.MeetsThreshold)
	assert.Equal(t, 0, int(chain.countCalls.Load()), "pre-exit uses the free buyer count")
	assert.Equal(t, 1, int(chain.holdersCalls.Load()), "55 buyers and base 60 open the holder gate")
	require.NotNil(t, res.Holders)
	assert.Empty(t, res.Err)
}

func TestScore_BelowConditionalBase(t *testing.T) {
	chain := &fakeChain{holderCount: 500}
	s := NewScorer(DefaultConfig(), &fakeWallets{score: 35}, &fakeBuyers{unique: 80}, chain, nil)

	snap := hot("mint1")
	snap.PriceChange5mPct = 0
	res := s.Score(context.Background(), snap)

	assert.Equal(t, 45, res.Base)
	assert.Equal(t, 0, res.Breakdown[KeyDistribution])
	assert.Equal(t, 45, res.Score)
	assert.False(t, res.MeetsThreshold)
	assert.Equal(t, 0, int(chain.holdersCalls.Load()))
}

func TestScore_PostExitFetchesHolderCount(t *testing.T) {
	chain := &fakeChain{holderCount: 35, top: spread(20)}
	s := NewScorer(DefaultConfig(), &fakeWallets{score: 40}, &fakeBuyers{unique: 5}, chain, nil)

	snap := hot("mint1")
	snap.Stage = token.StageGraduated
	snap.PriceChange5mPct = 25
	res := s.Score(context.Background(), snap)

	assert.Equal(t, 55, res.Base)
	assert.Equal(t, 10, res.Breakdown[KeyDistribution])
	assert.Equal(t, 35, res.HolderCount)
	assert.Equal(t, 65, res.Score)
	assert.Equal(t, 65, res.Threshold)
	assert.True(t, res.MeetsThreshold)
	assert.Equal(t, 1, int(chain.countCalls.Load()))
}

func TestScore_PostExitHolderCountFailureSkipsTier(t *testing.T) {
	chain := &fakeChain{countErr: solana.ErrRateLimited, holdersErr: errors.New("timeout")}
	s := NewScorer(DefaultConfig(), &fakeWallets{score: 40}, nil, chain, nil)

	snap := hot("mint1")
	snap.Stage = token.StageGraduated
	res := s.Score(context.Background(), snap)

	assert.Equal(t, 60, res.Score)
	assert.Equal(t, 0, res.Breakdown[KeyDistribution])
	assert.Nil(t, res.Holders)
	assert.Empty(t, res.Err, "paid-data failures degrade the score, they do not fail it")
}

func TestScore_BundlePenalty(t *testing.T) {
	var recent []token.Trade
	for i := 0; i < 12; i++ {
		recent = append(recent, token.Trade{Side: token.SideBuy, Slot: 77})
	}
	s := NewScorer(DefaultConfig(), &fakeWallets{score: 40}, &fakeBuyers{unique: 20, recent: recent}, nil, nil)

	res := s.Score(context.Background(), hot("mint1"))
	require.NotNil(t, res.Bundle)
	assert.Equal(t, rugguard.SeverityMedium, res.Bundle.Severity)
	assert.Equal(t, -25, res.Breakdown[KeyBundlePenalty])
	assert.Equal(t, 60+5-25, res.Score)
	assert.False(t, res.MeetsThreshold)
}

func TestScore_HolderHardDrop(t *testing.T) {
	chain := &fakeChain{top: spread(85)}
	s := NewScorer(DefaultConfig(), &fakeWallets{score: 40}, &fakeBuyers{unique: 60}, chain, nil)

	res := s.Score(context.Background(), hot("mint1"))
	assert.True(t, res.Rejected)
	assert.False(t, res.MeetsThreshold)
	assert.Equal(t, 75, res.Score)
}

func TestScore_KOLHolderBonus(t *testing.T) {
	chain := &fakeChain{top: spread(55, "k1", "k2")}
	wallets := &fakeWallets{score: 30, wallets: []string{"k1", "k2"}}
	s := NewScorer(DefaultConfig(), wallets, &fakeBuyers{unique: 10}, chain, nil)

	res := s.Score(context.Background(), hot("mint1"))
	assert.Equal(t, 20, res.Breakdown[KeyKOLHolderBonus])
	assert.Equal(t, -10, res.Breakdown[KeyHolderPenalty])
	assert.Equal(t, 50+0+20-10, res.Score)
}

func TestScore_ClampedToHundred(t *testing.T) {
	chain := &fakeChain{top: spread(10, "k1", "k2", "k3")}
	wallets := &fakeWallets{score: 40, wallets: []string{"k1", "k2", "k3"}}
	s := NewScorer(DefaultConfig(), wallets, &fakeBuyers{unique: 90}, chain, nil)

	res := s.Score(context.Background(), hot("mint1"))
	assert.Equal(t, 100, res.Score)
}

func TestScore_FailuresYieldZero(t *testing.T) {
	t.Run("wallet error", func(t *testing.T) {
		s := NewScorer(DefaultConfig(), &fakeWallets{score: 40, err: errors.New("down")}, nil, nil, nil)
		res := s.Score(context.Background(), hot("mint1"))
		assert.Equal(t, 0, res.Score)
		assert.False(t, res.MeetsThreshold)
		assert.NotEmpty(t, res.Err)
	})
	t.Run("panic", func(t *testing.T) {
		s := NewScorer(DefaultConfig(), &fakeWallets{panics: true}, nil, nil, nil)
		res := s.Score(context.Background(), hot("mint1"))
		assert.Equal(t, 0, res.Score)
		assert.False(t, res.MeetsThreshold)
		assert.Contains(t, res.Err, "panic")
	})
	t.Run("empty mint", func(t *testing.T) {
		s := NewScorer(DefaultConfig(), &fakeWallets{}, nil, nil, nil)
		res := s.Score(context.Background(), token.Snapshot{})
		assert.Equal(t, 0, res.Score)
		assert.NotEmpty(t, res.Err)
	})
}

func TestVolumeVelocity(t *testing.T) {
	tests := []struct {
		name string
		snap token.Snapshot
		want int
	}{
		{"no volume", token.Snapshot{}, 0},
		{"2x run rate", token.Snapshot{Volume5mSOL: 10, Volume1hSOL: 60}, 10},
		{"1.25x run rate", token.Snapshot{Volume5mSOL: 6.25, Volume1hSOL: 60}, 5},
		{"flat", token.Snapshot{Volume5mSOL: 5, Volume1hSOL: 60}, 0},
		{"turnover fallback", token.Snapshot{Volume5mSOL: 5, Volume1hSOL: 60, LiquiditySOL: 20}, 5},
		{"low turnover", token.Snapshot{Volume5mSOL: 5, Volume1hSOL: 60, LiquiditySOL: 21}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VolumeVelocity(tt.snap))
		})
	}
}

func TestMomentum(t *testing.T) {
	assert.Equal(t, 0, Momentum(-30))
	assert.Equal(t, 0, Momentum(19.9))
	assert.Equal(t, 5, Momentum(20))
	assert.Equal(t, 5, Momentum(49.9))
	assert.Equal(t, 10, Momentum(50))
}

func TestBuyerBucket(t *testing.T) {
	assert.Equal(t, 0, BuyerBucket(14))
	assert.Equal(t, 5, BuyerBucket(15))
	assert.Equal(t, 10, BuyerBucket(30))
	assert.Equal(t, 15, BuyerBucket(50))
	assert.Equal(t, 15, BuyerBucket(55))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.PostExitThreshold = 80
	assert.Error(t, cfg.Validate(), "post-exit above pre-exit")

	cfg = DefaultConfig()
	cfg.PostExitThreshold = cfg.PreExitThreshold
	assert.Error(t, cfg.Validate(), "equal thresholds")
}

func TestConfig_Threshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 75, cfg.Threshold(token.StageBondingCurve))
	assert.Equal(t, 65, cfg.Threshold(token.StageGraduated))
	assert.Equal(t, 75, cfg.Threshold(""))
}
