package solana

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the subset of Solana JSON-RPC the signal pipeline pays for.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetAccountData returns the raw bytes of an account.
	// Returns ErrAccountNotFound if the account does not exist.
	GetAccountData(ctx context.Context, address Pubkey) ([]byte, error)

	// GetMintInfo returns the decoded mint account of a token.
	GetMintInfo(ctx context.Context, mint Pubkey) (*MintInfo, error)

	// GetTopHolders returns up to limit of the largest token accounts,
	// with owners resolved and percentages of total supply.
	GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error)

	// GetHolderCount returns the number of token accounts holding a mint.
	GetHolderCount(ctx context.Context, mint Pubkey) (int, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint         string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"` // requests per second limit
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	BreakerFailures  uint32        `yaml:"breaker_failures"` // consecutive failures before opening
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	HolderScanMaxAcc int           `yaml:"holder_scan_max_accounts"` // 0 = unbounded
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:        "https://api.mainnet-beta.solana.com",
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		RateLimitRPS:    10,
		RateLimitBurst:  10,
		BreakerFailures: 10,
		BreakerCooldown: 30 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is an in-memory RPC client for tests and -stub runs.
type StubRPCClient struct {
	mu           sync.RWMutex
	accounts     map[Pubkey][]byte
	mints        map[Pubkey]*MintInfo
	holders      map[Pubkey][]HolderInfo
	holderCounts map[Pubkey]int
	failNext     bool
	failAll      bool
	delay        time.Duration
	calls        map[string]int
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		accounts:     make(map[Pubkey][]byte),
		mints:        make(map[Pubkey]*MintInfo),
		holders:      make(map[Pubkey][]HolderInfo),
		holderCounts: make(map[Pubkey]int),
		calls:        make(map[string]int),
	}
}

// SetAccount registers raw account data.
func (s *StubRPCClient) SetAccount(address Pubkey, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[address] = data
}

// SetMint registers a mint account.
func (s *StubRPCClient) SetMint(info MintInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints[info.Mint] = &info
}

// SetHolders registers the largest holders of a mint.
func (s *StubRPCClient) SetHolders(mint Pubkey, holders []HolderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// SetHolderCount registers the holder count of a mint.
func (s *StubRPCClient) SetHolderCount(mint Pubkey, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holderCounts[mint] = n
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// SetFailAll makes every call fail until reset with false.
func (s *StubRPCClient) SetFailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// SetDelay adds latency to every call.
func (s *StubRPCClient) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns how many times method was invoked.
func (s *StubRPCClient) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

// begin records the call, applies latency and reports a simulated failure.
func (s *StubRPCClient) begin(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	delay := s.delay
	fail := s.failAll || s.failNext
	s.failNext = false
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}

// --- Interface implementation ---

func (s *StubRPCClient) GetAccountData(ctx context.Context, address Pubkey) ([]byte, error) {
	if err := s.begin(ctx, "getAccountInfo"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return data, nil
}

func (s *StubRPCClient) GetMintInfo(ctx context.Context, mint Pubkey) (*MintInfo, error) {
	if err := s.begin(ctx, "getMint"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.mints[mint]; ok {
		return info, nil
	}
	return nil, ErrAccountNotFound
}

func (s *StubRPCClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	if err := s.begin(ctx, "getTokenLargestAccounts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	holders := s.holders[mint]
	if len(holders) > limit {
		holders = holders[:limit]
	}
	return holders, nil
}

func (s *StubRPCClient) GetHolderCount(ctx context.Context, mint Pubkey) (int, error) {
	if err := s.begin(ctx, "getProgramAccounts"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holderCounts[mint], nil
}

func (s *StubRPCClient) Health(ctx context.Context) error {
	return s.begin(ctx, "getHealth")
}
