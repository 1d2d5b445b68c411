package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nexus-trading/pumpsignal/internal/signal"
	"github.com/nexus-trading/pumpsignal/internal/storage"
	"github.com/nexus-trading/pumpsignal/internal/token"
	"github.com/shopspring/decimal"
)

// SignalStore persists signals in the signals table.
type SignalStore struct {
	pool *Pool
}

// NewSignalStore creates a SignalStore.
func NewSignalStore(pool *Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

var _ signal.Persistence = (*SignalStore)(nil)

// SaveSignal inserts a signal. Returns storage.ErrDuplicateKey if the id, or
// the mint at the same stage, was already stored.
func (s *SignalStore) SaveSignal(ctx context.Context, rec signal.Record) error {
	query := `
		INSERT INTO signals (
			id, mint, symbol, name, stage, score, threshold, breakdown,
			kol_wallets, unique_buyers, price_usd, market_cap_usd, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	wallets := rec.KOLWallets
	if wallets == nil {
		wallets = []string{}
	}
	breakdown := rec.Breakdown
	if breakdown == nil {
		breakdown = map[string]int{}
	}

	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.Mint,
		rec.Symbol,
		rec.Name,
		string(rec.Stage),
		rec.Score,
		rec.Threshold,
		breakdown,
		wallets,
		rec.UniqueBuyers,
		rec.PriceUSD,
		rec.MarketCapUSD,
		rec.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// MarkPosted records the publish outcome. Returns storage.ErrNotFound if
// the signal does not exist.
func (s *SignalStore) MarkPosted(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signals SET message_id = $2, posted_at = $3 WHERE id = $1`,
		id, messageID, at)
	if err != nil {
		return fmt.Errorf("mark signal posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const signalColumns = `id, mint, symbol, name, stage, score, threshold, breakdown,
	kol_wallets, unique_buyers, price_usd, market_cap_usd, created_at, message_id, posted_at`

// GetByID returns a signal. Returns storage.ErrNotFound if it does not exist.
func (s *SignalStore) GetByID(ctx context.Context, id uuid.UUID) (*signal.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	rec, err := scanSignal(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signal by id: %w", err)
	}
	return rec, nil
}

// Recent returns the latest signals, newest first.
func (s *SignalStore) Recent(ctx context.Context, limit int) ([]signal.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	defer rows.Close()

	var out []signal.Record
	for rows.Next() {
		rec, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanSignal(row pgx.Row) (*signal.Record, error) {
	var (
		rec       signal.Record
		stage     string
		price     decimal.NullDecimal
		mcap      decimal.NullDecimal
		messageID *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Mint,
		&rec.Symbol,
		&rec.Name,
		&stage,
		&rec.Score,
		&rec.Threshold,
		&rec.Breakdown,
		&rec.KOLWallets,
		&rec.UniqueBuyers,
		&price,
		&mcap,
		&rec.CreatedAt,
		&messageID,
		&rec.PostedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Stage = token.Stage(stage)
	rec.PriceUSD = price.Decimal
	rec.MarketCapUSD = mcap.Decimal
	if messageID != nil {
		rec.MessageID = *messageID
	}
	return &rec, nil
}
