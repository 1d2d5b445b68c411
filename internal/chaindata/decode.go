package chaindata

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Bonding-curve account decoding
//
// The curve account layout is not published by the program, so the decoder
// probes a short ordered table of offset pairs and keeps the first one whose
// two little-endian u64 values look like real virtual reserves.
// ---------------------------------------------------------------------------

// OffsetPair locates the token and quote reserves inside the account data.
type OffsetPair struct {
	Token int
	Quote int
}

// CurveOffsets is probed in order. The first entry matches the layout
// observed on mainnet: 8-byte discriminator, then virtual token and
// virtual SOL reserves.
var CurveOffsets = []OffsetPair{
	{Token: 8, Quote: 16},
	{Token: 24, Quote: 32},
	{Token: 0, Quote: 8},
	{Token: 16, Quote: 24},
}

// Plausible reserve magnitudes. Token reserves are checked in whole tokens
// (raw units / 10^TokenDecimals); quote reserves in lamports.
const (
	TokenDecimals = 6

	MinTokenReserve = 1e5
	MaxTokenReserve = 1e12
	MinQuoteReserve = 1e8  // 0.1 SOL
	MaxQuoteReserve = 2e11 // 200 SOL
)

// CurveReserves is a successfully decoded curve account.
type CurveReserves struct {
	TokenReserve uint64     // raw token units
	QuoteReserve uint64     // lamports
	Layout       OffsetPair // pair that validated
}

// TokenReserveUI returns the token reserve in whole tokens.
func (r CurveReserves) TokenReserveUI() float64 {
	return float64(r.TokenReserve) / pow10(TokenDecimals)
}

// QuoteReserveSOL returns the quote reserve in SOL.
func (r CurveReserves) QuoteReserveSOL() float64 {
	return float64(r.QuoteReserve) / 1e9
}

// PriceSOL returns the SOL price of one whole token.
func (r CurveReserves) PriceSOL() float64 {
	tokens := r.TokenReserveUI()
	if tokens == 0 {
		return 0
	}
	return r.QuoteReserveSOL() / tokens
}

// DecodeCurve decodes raw curve account bytes. ok is false when no
// candidate layout yields plausible reserves; that is a "no data" outcome,
// not an error.
func DecodeCurve(data []byte) (CurveReserves, bool) {
	for _, pair := range CurveOffsets {
		token, ok := readU64(data, pair.Token)
		if !ok {
			continue
		}
		quote, ok := readU64(data, pair.Quote)
		if !ok {
			continue
		}
		if plausible(token, quote) {
			return CurveReserves{TokenReserve: token, QuoteReserve: quote, Layout: pair}, true
		}
	}
	return CurveReserves{}, false
}

func plausible(token, quote uint64) bool {
	tokens := float64(token) / pow10(TokenDecimals)
	lamports := float64(quote)
	return tokens >= MinTokenReserve && tokens <= MaxTokenReserve &&
		lamports >= MinQuoteReserve && lamports <= MaxQuoteReserve
}

func readU64(data []byte, off int) (uint64, bool) {
	if off < 0 || off+8 > len(data) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[off : off+8]), true
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
