package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Live RPC Client: real Solana JSON-RPC with rate limiting & retry
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint. Every call waits on
// a token-bucket limiter and runs behind a circuit breaker so a failing
// provider stops burning credits.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	// Unique request ID generator.
	nextID atomic.Int64

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	rateLimited   atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	def := DefaultRPCConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = def.RateLimitRPS
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = int(config.RateLimitRPS)
		if config.RateLimitBurst < 1 {
			config.RateLimitBurst = 1
		}
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = def.BreakerFailures
	}
	if config.BreakerCooldown == 0 {
		config.BreakerCooldown = def.BreakerCooldown
	}

	c := &LiveRPCClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "solana-rpc",
		Timeout: config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		// 429 and caller cancellation say nothing about endpoint health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRateLimited) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("rpc: circuit breaker state change")
		},
	})

	return c
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a rate-limited, retried JSON-RPC call behind the breaker.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetry(ctx, method, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("rpc: %s: %w", method, err)
		}
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (c *LiveRPCClient) doWithRetry(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, retry, err := c.doOnce(ctx, method, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

// doOnce performs a single HTTP round trip. retry reports whether the
// failure is worth another attempt.
func (c *LiveRPCClient) doOnce(ctx context.Context, method string, body []byte) (json.RawMessage, bool, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("rpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.errorCount.Add(1)
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("rpc: %s http error: %w", method, err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.errorCount.Add(1)
		return nil, true, fmt.Errorf("rpc: %s read response: %w", method, err)
	}

	c.requestCount.Add(1)
	c.latencySum.Add(time.Since(start).Microseconds())
	c.lastRequestAt.Store(time.Now().UnixMilli())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.rateLimited.Add(1)
		return nil, true, fmt.Errorf("rpc: %s: %w", method, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		c.errorCount.Add(1)
		return nil, resp.StatusCode >= 500, fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.errorCount.Add(1)
		return nil, true, fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, false, fmt.Errorf("rpc: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, false, nil
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// GetAccountData fetches an account with base64 encoding and decodes it.
func (c *LiveRPCClient) GetAccountData(ctx context.Context, address Pubkey) ([]byte, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(address),
		map[string]any{"encoding": "base64", "commitment": "confirmed"},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Data  []string `json:"data"` // [base64_data, "base64"]
			Owner string   `json:"owner"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse account info: %w", err)
	}
	if accountResp.Value == nil || len(accountResp.Value.Data) == 0 {
		return nil, ErrAccountNotFound
	}

	data, err := base64.StdEncoding.DecodeString(accountResp.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("rpc: decode account data: %w", err)
	}
	return data, nil
}

// GetMintInfo fetches and decodes a mint account.
func (c *LiveRPCClient) GetMintInfo(ctx context.Context, mint Pubkey) (*MintInfo, error) {
	data, err := c.GetAccountData(ctx, mint)
	if err != nil {
		return nil, err
	}
	return DecodeMint(mint, data)
}

// GetTopHolders returns the largest token accounts for a mint, resolving
// each token account to its owner wallet.
func (c *LiveRPCClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	supply, err := c.tokenSupply(ctx, mint)
	if err != nil {
		return nil, err
	}

	holders := make([]HolderInfo, 0, limit)
	addrs := make([]string, 0, limit)
	for i, h := range resp.Value {
		if i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		pct := 0.0
		if supply.IsPositive() {
			pct = balance.Div(supply).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		holders = append(holders, HolderInfo{
			Address:    Pubkey(h.Address),
			Balance:    balance,
			Percentage: pct,
		})
		addrs = append(addrs, h.Address)
	}

	owners, err := c.tokenAccountOwners(ctx, addrs)
	if err != nil {
		// Owners only refine KOL matching; percentages are still valid.
		log.Debug().Err(err).Str("mint", mint.Short()).Msg("rpc: owner lookup failed")
		return holders, nil
	}
	for i := range holders {
		holders[i].Owner = owners[string(holders[i].Address)]
	}
	return holders, nil
}

func (c *LiveRPCClient) tokenSupply(ctx context.Context, mint Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getTokenSupply", []any{string(mint)})
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse supply: %w", err)
	}
	supply, err := decimal.NewFromString(resp.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse supply amount: %w", err)
	}
	return supply, nil
}

func (c *LiveRPCClient) tokenAccountOwners(ctx context.Context, accounts []string) (map[string]Pubkey, error) {
	owners := make(map[string]Pubkey, len(accounts))
	if len(accounts) == 0 {
		return owners, nil
	}
	result, err := c.call(ctx, "getMultipleAccounts", []any{
		accounts,
		map[string]any{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []*struct {
			Data struct {
				Parsed struct {
					Info struct {
						Owner string `json:"owner"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse owners: %w", err)
	}
	for i, v := range resp.Value {
		if v == nil || i >= len(accounts) {
			continue
		}
		owners[accounts[i]] = Pubkey(v.Data.Parsed.Info.Owner)
	}
	return owners, nil
}

// tokenAccountSize is the byte length of an SPL token account.
const tokenAccountSize = 165

// GetHolderCount counts token accounts of a mint with a zero-length data
// slice. This is the most expensive call the client makes.
func (c *LiveRPCClient) GetHolderCount(ctx context.Context, mint Pubkey) (int, error) {
	result, err := c.call(ctx, "getProgramAccounts", []any{
		string(TokenProgramID),
		map[string]any{
			"encoding":  "base64",
			"dataSlice": map[string]any{"offset": 0, "length": 0},
			"filters": []any{
				map[string]any{"dataSize": tokenAccountSize},
				map[string]any{"memcmp": map[string]any{"offset": 0, "bytes": string(mint)}},
			},
		},
	})
	if err != nil {
		return 0, err
	}

	var accounts []json.RawMessage
	if err := json.Unmarshal(result, &accounts); err != nil {
		return 0, fmt.Errorf("rpc: parse program accounts: %w", err)
	}
	n := len(accounts)
	if c.config.HolderScanMaxAcc > 0 && n > c.config.HolderScanMaxAcc {
		n = c.config.HolderScanMaxAcc
	}
	return n, nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64  `json:"request_count"`
	ErrorCount    int64  `json:"error_count"`
	RateLimited   int64  `json:"rate_limited"`
	AvgLatencyUs  int64  `json:"avg_latency_us"`
	LastRequestAt int64  `json:"last_request_at"`
	BreakerState  string `json:"breaker_state"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		RateLimited:   c.rateLimited.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		BreakerState:  c.breaker.State().String(),
	}
}
