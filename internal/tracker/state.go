package tracker

import (
	"time"

	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/token"
)

// Reason names a re-analysis trigger.
type Reason string

const (
	ReasonInitial      Reason = "initial"
	ReasonTradeUpdate  Reason = "trade_update"
	ReasonHolderChange Reason = "holder_change"
	ReasonRepeatBuy    Reason = "repeat_buy"
)

func (r Reason) String() string { return string(r) }

// TokenState is the lifecycle record of one tracked token.
type TokenState struct {
	Mint           string            `json:"mint"`
	Snapshot       token.Snapshot    `json:"snapshot"`
	Score          int               `json:"score"`
	LastResult     conviction.Result `json:"last_result"`
	SignalSent     bool              `json:"signal_sent"`
	SignalAt       time.Time         `json:"signal_at,omitempty"`
	KOLBuyCount    int               `json:"kol_buy_count"`
	UniqueBuyers   int               `json:"unique_buyers"`
	FirstTrackedAt time.Time         `json:"first_tracked_at"`
	LastUpdatedAt  time.Time         `json:"last_updated_at"`
	Reanalyses     int               `json:"reanalyses"`

	HolderCheckedAt time.Time `json:"holder_checked_at,omitempty"`
	HolderTop10Pct  float64   `json:"holder_top10_pct,omitempty"`

	// Re-analysis coalescing.
	running     bool
	dirty       bool
	dirtyReason Reason
}

// Evaluation is one scoring pass, handed to the evaluation sink.
type Evaluation struct {
	Mint          string            `json:"mint"`
	Symbol        string            `json:"symbol"`
	Reason        Reason            `json:"reason"`
	Result        conviction.Result `json:"result"`
	KOLBuyCount   int               `json:"kol_buy_count"`
	SignalEmitted bool              `json:"signal_emitted"`
	At            time.Time         `json:"at"`
}
