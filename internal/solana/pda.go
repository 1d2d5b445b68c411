package solana

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Program derived addresses
// ---------------------------------------------------------------------------

const pdaMarker = "ProgramDerivedAddress"

// FindProgramAddress derives the canonical PDA for seeds under program,
// searching bumps from 255 down until the hash lands off the ed25519 curve.
func FindProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, uint8, error) {
	programID, err := program.Bytes()
	if err != nil {
		return "", 0, err
	}
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write([]byte(pdaMarker))
		sum := h.Sum(nil)

		if !isOnCurve(sum) {
			return Pubkey(base58.Encode(sum)), uint8(bump), nil
		}
	}
	return "", 0, fmt.Errorf("solana: no viable bump for program %s", program.Short())
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// BondingCurveAddress returns the curve account of a pump-style mint.
func BondingCurveAddress(mint Pubkey) (Pubkey, error) {
	raw, err := mint.Bytes()
	if err != nil {
		return "", err
	}
	addr, _, err := FindProgramAddress([][]byte{[]byte("bonding-curve"), raw}, PumpProgramID)
	return addr, err
}

// MetadataAddress returns the Metaplex metadata account of a mint.
func MetadataAddress(mint Pubkey) (Pubkey, error) {
	raw, err := mint.Bytes()
	if err != nil {
		return "", err
	}
	program, err := MetaplexProgramID.Bytes()
	if err != nil {
		return "", err
	}
	addr, _, err := FindProgramAddress([][]byte{[]byte("metadata"), program, raw}, MetaplexProgramID)
	return addr, err
}

// ---------------------------------------------------------------------------
// Account decoders
// ---------------------------------------------------------------------------

var errShortAccount = errors.New("solana: account data too short")

const (
	metadataKeyV1     = 4
	metadataNameStart = 1 + 32 + 32 // key + update authority + mint
	mintAccountLen    = 82
)

// DecodeMetadata parses the name, symbol and uri of a Metaplex metadata account.
func DecodeMetadata(mint Pubkey, data []byte) (*TokenMetadata, error) {
	if len(data) < metadataNameStart+4 {
		return nil, errShortAccount
	}
	if data[0] != metadataKeyV1 {
		return nil, fmt.Errorf("solana: unexpected metadata key %d", data[0])
	}

	off := metadataNameStart
	name, off, err := readBorshString(data, off)
	if err != nil {
		return nil, fmt.Errorf("solana: metadata name: %w", err)
	}
	symbol, off, err := readBorshString(data, off)
	if err != nil {
		return nil, fmt.Errorf("solana: metadata symbol: %w", err)
	}
	uri, _, err := readBorshString(data, off)
	if err != nil {
		return nil, fmt.Errorf("solana: metadata uri: %w", err)
	}

	return &TokenMetadata{Mint: mint, Name: name, Symbol: symbol, URI: uri}, nil
}

func readBorshString(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", off, errShortAccount
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if n < 0 || off+n > len(data) {
		return "", off, errShortAccount
	}
	s := strings.TrimRight(string(data[off:off+n]), "\x00")
	return s, off + n, nil
}

// DecodeMint parses an SPL mint account.
func DecodeMint(mint Pubkey, data []byte) (*MintInfo, error) {
	if len(data) < mintAccountLen {
		return nil, errShortAccount
	}
	info := &MintInfo{
		Mint:     mint,
		Supply:   decimal.NewFromUint64(binary.LittleEndian.Uint64(data[36:44])),
		Decimals: data[44],
	}
	if binary.LittleEndian.Uint32(data[0:4]) == 1 {
		info.MintAuthority = Pubkey(base58.Encode(data[4:36]))
	}
	if binary.LittleEndian.Uint32(data[46:50]) == 1 {
		info.FreezeAuthority = Pubkey(base58.Encode(data[50:82]))
	}
	return info, nil
}
