package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/token"
)

// Control methods understood by the feed.
const (
	MethodSubscribeNewToken       = "subscribeNewToken"
	MethodSubscribeMigration      = "subscribeMigration"
	MethodSubscribeTokenTrade     = "subscribeTokenTrade"
	MethodUnsubscribeTokenTrade   = "unsubscribeTokenTrade"
	MethodSubscribeAccountTrade   = "subscribeAccountTrade"
	MethodUnsubscribeAccountTrade = "unsubscribeAccountTrade"
)

// controlMessage is a subscribe/unsubscribe request.
type controlMessage struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

// wireMessage is a feed payload. Creates, trades and migrations share one
// flat shape distinguished by txType.
type wireMessage struct {
	Signature       string  `json:"signature"`
	Mint            string  `json:"mint"`
	TraderPublicKey string  `json:"traderPublicKey"`
	TxType          string  `json:"txType"`
	TokenAmount     float64 `json:"tokenAmount"`
	SolAmount       float64 `json:"solAmount"`
	BondingCurveKey string  `json:"bondingCurveKey"`
	VTokens         float64 `json:"vTokensInBondingCurve"`
	VSol            float64 `json:"vSolInBondingCurve"`
	MarketCapSol    float64 `json:"marketCapSol"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	URI             string  `json:"uri"`
	Pool            string  `json:"pool"`
	Slot            *uint64 `json:"slot"`
	Message         string  `json:"message"`
}

// errIgnored marks payloads that are valid but carry no event
// (subscription acknowledgements and the like).
var errIgnored = errors.New("feed: ignored payload")

// parseMessage converts a raw payload into a token event and the trade it
// carries, if any.
func parseMessage(data []byte, receivedAt time.Time) (token.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return token.Event{}, fmt.Errorf("feed: decode: %w", err)
	}
	if msg.TxType == "" {
		return token.Event{}, errIgnored
	}
	if msg.Mint == "" {
		return token.Event{}, fmt.Errorf("feed: %s message without mint", msg.TxType)
	}

	ev := token.Event{Mint: msg.Mint, ReceivedAt: receivedAt}
	snap := token.Snapshot{
		Mint:         msg.Mint,
		BondingCurve: msg.BondingCurveKey,
		MarketCapSOL: msg.MarketCapSol,
		LiquiditySOL: msg.VSol,
		Source:       "feed",
		UpdatedAt:    receivedAt,
	}
	if msg.VTokens > 0 {
		snap.PriceSOL = msg.VSol / msg.VTokens
	}

	switch msg.TxType {
	case "create":
		ev.Kind = token.EventNewToken
		snap.Name = msg.Name
		snap.Symbol = msg.Symbol
		snap.URI = msg.URI
		snap.Creator = msg.TraderPublicKey
		snap.Stage = token.StageBondingCurve
		if msg.SolAmount > 0 {
			ev.Trade = msg.trade(token.SideBuy, receivedAt)
		}
	case "buy", "sell":
		ev.Kind = token.EventTrade
		if msg.TraderPublicKey == "" {
			return token.Event{}, fmt.Errorf("feed: trade without trader")
		}
		ev.Trade = msg.trade(token.Side(msg.TxType), receivedAt)
	case "migrate", "migration":
		ev.Kind = token.EventMigration
		snap = token.Snapshot{Mint: msg.Mint, Stage: token.StageGraduated, Source: "feed", UpdatedAt: receivedAt}
	default:
		return token.Event{}, fmt.Errorf("feed: unknown txType %q", msg.TxType)
	}

	ev.Snapshot = snap
	return ev, nil
}

func (m wireMessage) trade(side token.Side, at time.Time) *token.Trade {
	tr := &token.Trade{
		Signature:   m.Signature,
		Mint:        m.Mint,
		Trader:      m.TraderPublicKey,
		Side:        side,
		SOLAmount:   m.SolAmount,
		TokenAmount: m.TokenAmount,
		At:          at,
	}
	if m.Slot != nil {
		tr.Slot = *m.Slot
	}
	return tr
}
