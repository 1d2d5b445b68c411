package signal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/shopspring/decimal"
)

// Record is a persisted, published conviction signal.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	Mint         string          `json:"mint"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Stage        token.Stage     `json:"stage"`
	Score        int             `json:"score"`
	Threshold    int             `json:"threshold"`
	Breakdown    map[string]int  `json:"breakdown"`
	KOLWallets   []string        `json:"kol_wallets,omitempty"`
	UniqueBuyers int             `json:"unique_buyers"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	CreatedAt    time.Time       `json:"created_at"`

	// Set once published.
	MessageID string     `json:"message_id,omitempty"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
}

// NewRecord builds a record from the snapshot and result that triggered it.
func NewRecord(snap token.Snapshot, res conviction.Result) Record {
	breakdown := make(map[string]int, len(res.Breakdown))
	for k, v := range res.Breakdown {
		breakdown[k] = v
	}
	created := res.ScoredAt
	if created.IsZero() {
		created = time.Now()
	}
	return Record{
		ID:           uuid.New(),
		Mint:         snap.Mint,
		Symbol:       snap.Symbol,
		Name:         snap.Name,
		Stage:        res.Stage,
		Score:        res.Score,
		Threshold:    res.Threshold,
		Breakdown:    breakdown,
		KOLWallets:   res.KOLWallets,
		UniqueBuyers: res.UniqueBuyers,
		PriceUSD:     snap.PriceUSD,
		MarketCapUSD: snap.MarketCapUSD,
		CreatedAt:    created,
	}
}

// Persistence stores signals.
type Persistence interface {
	SaveSignal(ctx context.Context, rec Record) error
	MarkPosted(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
}

// Publisher announces signals. Returns a message identifier.
type Publisher interface {
	Publish(ctx context.Context, rec Record) (string, error)
}
