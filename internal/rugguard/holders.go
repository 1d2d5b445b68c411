package rugguard

import (
	"github.com/nexus-trading/pumpsignal/internal/solana"
	"github.com/nexus-trading/pumpsignal/internal/token"
)

// ---------------------------------------------------------------------------
// Holder concentration: a paid check, gated on the token already looking
// promising.
// ---------------------------------------------------------------------------

// HolderGateInput is what the gate decides on.
type HolderGateInput struct {
	Stage        token.Stage
	BaseScore    int
	UniqueBuyers int
	KOLCount     int
}

// ShouldCheckHolders reports whether the holder check is worth paying for.
func (g *Guard) ShouldCheckHolders(in HolderGateInput) bool {
	switch {
	case in.KOLCount >= g.config.GateMinKOLs:
		return true
	case in.Stage.Graduated():
		return in.BaseScore >= g.config.PostExitGate
	default:
		return in.UniqueBuyers >= g.config.GateMinBuyers && in.BaseScore >= g.config.PreExitGate
	}
}

// HolderConcentration is the concentration verdict for a token.
type HolderConcentration struct {
	Top10Pct  float64  `json:"top10_pct"`
	Penalty   int      `json:"penalty"`   // 0..-35
	KOLBonus  int      `json:"kol_bonus"` // +10 per KOL in the top 10
	KOLs      []string `json:"kols,omitempty"`
	HardDrop  bool     `json:"hard_drop"`
	Holders   int      `json:"holders"` // holders considered after exclusions
	Available bool     `json:"available"`
}

// Concentration grades the top-10 share of supply. Excluded accounts (the
// bonding curve and any configured pool or burn accounts) never count as
// holders. Each tracked wallet in the top 10 earns a bonus and softens the
// penalty.
func Concentration(top []solana.HolderInfo, kolWallets, excluded map[string]bool) HolderConcentration {
	hc := HolderConcentration{Available: true}

	for _, h := range top {
		if excluded[string(h.Address)] || excluded[string(h.Owner)] {
			continue
		}
		if hc.Holders == 10 {
			break
		}
		hc.Holders++
		hc.Top10Pct += h.Percentage
		switch {
		case h.Owner != "" && kolWallets[string(h.Owner)]:
			hc.KOLs = append(hc.KOLs, string(h.Owner))
		case kolWallets[string(h.Address)]:
			hc.KOLs = append(hc.KOLs, string(h.Address))
		}
	}

	switch {
	case hc.Top10Pct > 80:
		hc.HardDrop = true
		return hc
	case hc.Top10Pct > 70:
		hc.Penalty = -35
	case hc.Top10Pct > 50:
		hc.Penalty = -20
	case hc.Top10Pct > 40:
		hc.Penalty = -10
	}

	n := len(hc.KOLs)
	hc.KOLBonus = 10 * n
	hc.Penalty += 5 * n
	if hc.Penalty > 0 {
		hc.Penalty = 0
	}
	return hc
}
