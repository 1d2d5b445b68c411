package token

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the graduation stage of a bonding-curve token.
type Stage string

const (
	StageBondingCurve Stage = "bonding_curve" // still priced by the curve
	StageGraduated    Stage = "graduated"     // migrated to open-market trading
)

// Graduated reports whether the token has exited the bonding curve.
func (s Stage) Graduated() bool { return s == StageGraduated }

func (s Stage) String() string { return string(s) }

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single buy or sell observed on the feed.
type Trade struct {
	Signature   string    `json:"signature"`
	Mint        string    `json:"mint"`
	Trader      string    `json:"trader"`
	Side        Side      `json:"side"`
	SOLAmount   float64   `json:"sol_amount"`
	TokenAmount float64   `json:"token_amount"`
	Slot        uint64    `json:"slot"`
	At          time.Time `json:"at"`
}

// IsBuy reports whether the trade is a buy.
func (t Trade) IsBuy() bool { return t.Side == SideBuy }

// ---------------------------------------------------------------------------
// Snapshot: the merged feature record for one token
// ---------------------------------------------------------------------------

// Snapshot is the latest known market and distribution state of a token.
// Zero values mean "unknown"; Merge only overwrites with known values.
type Snapshot struct {
	Mint         string `json:"mint"`
	Name         string `json:"name,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	URI          string `json:"uri,omitempty"`
	Creator      string `json:"creator,omitempty"`
	BondingCurve string `json:"bonding_curve,omitempty"`
	Stage        Stage  `json:"stage"`

	PriceUSD     decimal.Decimal `json:"price_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`

	// SOL-denominated fields are floats: they only feed ratio checks.
	PriceSOL         float64 `json:"price_sol"`
	MarketCapSOL     float64 `json:"market_cap_sol"`
	LiquiditySOL     float64 `json:"liquidity_sol"`
	Volume5mSOL      float64 `json:"volume_5m_sol"`
	Volume1hSOL      float64 `json:"volume_1h_sol"`
	PriceChange5mPct float64 `json:"price_change_5m_pct"`
	ProgressPct      float64 `json:"progress_pct"`

	UniqueBuyers int       `json:"unique_buyers"`
	Source       string    `json:"source,omitempty"` // feed|curve|market
	UpdatedAt    time.Time `json:"updated_at"`
}

// Merge copies every known field of other onto s. The stage never moves
// back from graduated to bonding_curve.
func (s *Snapshot) Merge(other Snapshot) {
	if other.Mint != "" {
		s.Mint = other.Mint
	}
	if other.Name != "" {
		s.Name = other.Name
	}
	if other.Symbol != "" {
		s.Symbol = other.Symbol
	}
	if other.URI != "" {
		s.URI = other.URI
	}
	if other.Creator != "" {
		s.Creator = other.Creator
	}
	if other.BondingCurve != "" {
		s.BondingCurve = other.BondingCurve
	}
	if other.Stage != "" && !s.Stage.Graduated() {
		s.Stage = other.Stage
	}
	if !other.PriceUSD.IsZero() {
		s.PriceUSD = other.PriceUSD
	}
	if !other.MarketCapUSD.IsZero() {
		s.MarketCapUSD = other.MarketCapUSD
	}
	if !other.LiquidityUSD.IsZero() {
		s.LiquidityUSD = other.LiquidityUSD
	}
	if other.PriceSOL != 0 {
		s.PriceSOL = other.PriceSOL
	}
	if other.MarketCapSOL != 0 {
		s.MarketCapSOL = other.MarketCapSOL
	}
	if other.LiquiditySOL != 0 {
		s.LiquiditySOL = other.LiquiditySOL
	}
	if other.Volume5mSOL != 0 {
		s.Volume5mSOL = other.Volume5mSOL
	}
	if other.Volume1hSOL != 0 {
		s.Volume1hSOL = other.Volume1hSOL
	}
	if other.PriceChange5mPct != 0 {
		s.PriceChange5mPct = other.PriceChange5mPct
	}
	if other.ProgressPct != 0 {
		s.ProgressPct = other.ProgressPct
	}
	if other.UniqueBuyers > s.UniqueBuyers {
		s.UniqueBuyers = other.UniqueBuyers
	}
	if other.Source != "" {
		s.Source = other.Source
	}
	if other.UpdatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = other.UpdatedAt
	}
}

// EffectiveStage returns the snapshot stage, defaulting to bonding_curve.
func (s Snapshot) EffectiveStage() Stage {
	if s.Stage == "" {
		return StageBondingCurve
	}
	return s.Stage
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventKind tags a feed event.
type EventKind string

const (
	EventNewToken  EventKind = "new_token"
	EventTrade     EventKind = "trade"
	EventMigration EventKind = "migration"
)

// Event is emitted by the feed ingestor for every message worth evaluating.
// Trade is set for EventTrade, and for EventNewToken when the creator
// bought in the create transaction.
type Event struct {
	Kind       EventKind `json:"kind"`
	Mint       string    `json:"mint"`
	Snapshot   Snapshot  `json:"snapshot"`
	Trade      *Trade    `json:"trade,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Stage returns the stage the event implies for its token.
func (e Event) Stage() Stage {
	if e.Kind == EventMigration {
		return StageGraduated
	}
	return e.Snapshot.EffectiveStage()
}
