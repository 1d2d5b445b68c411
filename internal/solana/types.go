package solana

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// ParsePubkey validates that s is a base58 encoded 32-byte key.
func ParsePubkey(s string) (Pubkey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("solana: decode pubkey %q: %w", s, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("solana: pubkey %q has %d bytes, want 32", s, len(raw))
	}
	return Pubkey(s), nil
}

// Bytes returns the raw 32 bytes of the key.
func (p Pubkey) Bytes() ([]byte, error) {
	raw, err := base58.Decode(string(p))
	if err != nil {
		return nil, fmt.Errorf("solana: decode pubkey: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("solana: pubkey has %d bytes, want 32", len(raw))
	}
	return raw, nil
}

func (p Pubkey) String() string { return string(p) }

// Short returns the first 8 characters for log fields.
func (p Pubkey) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

var (
	// ErrAccountNotFound is returned when an account does not exist on chain.
	ErrAccountNotFound = errors.New("solana: account not found")
	// ErrRateLimited is returned when the endpoint keeps answering 429.
	ErrRateLimited = errors.New("solana: rate limited")
)

// ---------------------------------------------------------------------------
// Account views
// ---------------------------------------------------------------------------

// MintInfo is the decoded SPL mint account.
type MintInfo struct {
	Mint            Pubkey          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"` // raw units
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
}

// UISupply returns the supply scaled by decimals.
func (m MintInfo) UISupply() decimal.Decimal {
	return m.Supply.Shift(-int32(m.Decimals))
}

// TokenMetadata is the Metaplex metadata of a mint.
type TokenMetadata struct {
	Mint   Pubkey `json:"mint"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

// HolderInfo describes a token account among the largest holders.
// Owner is the wallet controlling the token account when known.
type HolderInfo struct {
	Address    Pubkey          `json:"address"`
	Owner      Pubkey          `json:"owner,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	Percentage float64         `json:"percentage"` // % of total supply
}

// Well-known program and mint addresses.
const (
	SOLMint           Pubkey = "So11111111111111111111111111111111111111112"
	TokenProgramID    Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	PumpProgramID     Pubkey = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	MetaplexProgramID Pubkey = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"
)

// LamportsPerSOL converts lamports to SOL.
const LamportsPerSOL = 1_000_000_000
