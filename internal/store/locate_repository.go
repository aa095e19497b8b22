package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgresLocateSource reads `t_locate_info` from the upstream database.
type PostgresLocateSource struct {
	db *pgxpool.Pool
}

func NewPostgresLocateSource(db *pgxpool.Pool) *PostgresLocateSource {
	return &PostgresLocateSource{db: db}
}

// ListLocateInfoSince returns rows updated strictly after since, oldest first.
func (s *PostgresLocateSource) ListLocateInfoSince(ctx context.Context, since time.Time, limit int) ([]domain.LocateInfo, error) {
	query := `
		SELECT id, publisher_name, long, lat, alt, updated_at, inserted_at
		FROM t_locate_info
		WHERE updated_at > $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query locate info: %w", err)
	}
	defer rows.Close()

	var result []domain.LocateInfo
	for rows.Next() {
		var row domain.LocateInfo
		if err := rows.Scan(&row.ID, &row.PublisherName, &row.Long, &row.Lat, &row.Alt, &row.UpdatedAt, &row.InsertedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// PostgresReplicationRepository owns `t_trace` and `locate_info` in the destination database.
type PostgresReplicationRepository struct {
	db *pgxpool.Pool
}

func NewPostgresReplicationRepository(db *pgxpool.Pool) *PostgresReplicationRepository {
	return &PostgresReplicationRepository{db: db}
}

func (r *PostgresReplicationRepository) GetTraceProgress(ctx context.Context, traceID int64) (time.Time, error) {
	var progress time.Time
	err := r.db.QueryRow(ctx, `SELECT progress FROM t_trace WHERE id = $1`, traceID).Scan(&progress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrTraceNotFound
		}
		return time.Time{}, err
	}
	return progress, nil
}

func (r *PostgresReplicationRepository) SetTraceProgress(ctx context.Context, traceID int64, progress time.Time) error {
	result, err := r.db.Exec(ctx, `UPDATE t_trace SET progress = $2 WHERE id = $1`, traceID, progress)
	if err != nil {
		return fmt.Errorf("failed to update trace progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTraceNotFound
	}
	return nil
}

// UpsertLocateInfo writes a row keyed by its source id, which the destination stores as text.
func (r *PostgresReplicationRepository) UpsertLocateInfo(ctx context.Context, row domain.LocateInfo) error {
	query := `
		INSERT INTO locate_info (id, publisher_name, long, lat, alt, updated_at, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			publisher_name = EXCLUDED.publisher_name,
			long = EXCLUDED.long,
			lat = EXCLUDED.lat,
			alt = EXCLUDED.alt,
			updated_at = EXCLUDED.updated_at,
			inserted_at = EXCLUDED.inserted_at
	`
	_, err := r.db.Exec(ctx, query,
		LocateInfoKey(row.ID),
		row.PublisherName,
		row.Long,
		row.Lat,
		row.Alt,
		row.UpdatedAt,
		row.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert locate info %d: %w", row.ID, err)
	}
	return nil
}

// LocateInfoKey renders a source id the way the destination table keys it.
func LocateInfoKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseNumeric(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid numeric %q: %w", raw, err)
	}
	return value, nil
}
