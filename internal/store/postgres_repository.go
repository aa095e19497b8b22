/**
 * @description
 * This file provides the PostgreSQL implementation of the mint `Repository` interface.
 * It reads the device registry, binding registry and nonce table, and owns the
 * `t_mint_records` journal together with the aggregate ledger update.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pointsmint/mint-service/internal/domain"
)

// reconcilableStatuses are the journal states a confirmed mint can be reconciled from.
var reconcilableStatuses = []string{
	domain.MintStatusPending,
	domain.MintStatusReconciliationFailed,
	domain.MintStatusMintAmbiguous,
}

// txHashConstraint is the unique index that keeps one transaction hash on one record.
const txHashConstraint = "t_mint_records_tx_hash_key"

const mintRecordColumns = `id, owner_address, publisher_name, amount::text, base_units, tx_hash, status, failure_reason, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindDeviceByPublisherName returns the first registry row for the device name.
func (r *PostgresRepository) FindDeviceByPublisherName(ctx context.Context, publisherName string) (*domain.Device, error) {
	var device domain.Device
	query := `SELECT id, publisher_name, COALESCE(initialized, false) FROM device_info WHERE publisher_name = $1 ORDER BY id LIMIT 1`
	err := r.db.QueryRow(ctx, query, publisherName).Scan(&device.ID, &device.PublisherName, &device.Initialized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &device, nil
}

func (r *PostgresRepository) HasDeviceBinding(ctx context.Context, ownerAddress, publisherName string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM device_binding WHERE owner_address = $1 AND publisher_name = $2)`
	if err := r.db.QueryRow(ctx, query, ownerAddress, publisherName).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepository) FindNonceByAddress(ctx context.Context, address string) (*domain.NonceRecord, error) {
	var record domain.NonceRecord
	query := `SELECT public_address, nonce FROM t_nonces WHERE public_address = $1 LIMIT 1`
	err := r.db.QueryRow(ctx, query, address).Scan(&record.PublicAddress, &record.Nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNonceNotFound
		}
		return nil, err
	}
	return &record, nil
}

// RotateNonce is a compare-and-swap on the stored nonce. Exactly one concurrent caller
// holding the same expected value observes true.
func (r *PostgresRepository) RotateNonce(ctx context.Context, address, expected, next string) (bool, error) {
	query := `UPDATE t_nonces SET nonce = $3 WHERE public_address = $1 AND nonce = $2`
	result, err := r.db.Exec(ctx, query, address, expected, next)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CreateMintRecord(ctx context.Context, record *domain.MintRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = domain.MintStatusPending
	}
	query := `
		INSERT INTO t_mint_records (id, owner_address, publisher_name, amount, base_units, status)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		record.ID,
		record.OwnerAddress,
		record.PublisherName,
		record.Amount.String(),
		record.BaseUnits,
		record.Status,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mint record: %w", err)
	}
	return nil
}

// UpdateMintRecordStatus never moves a record out of the reconciled state.
func (r *PostgresRepository) UpdateMintRecordStatus(ctx context.Context, id uuid.UUID, params UpdateMintRecordParams) error {
	query := `
		UPDATE t_mint_records
		SET status = $2,
			tx_hash = COALESCE($3, tx_hash),
			failure_reason = COALESCE($4, failure_reason),
			updated_at = NOW()
		WHERE id = $1 AND status <> $5
	`
	result, err := r.db.Exec(ctx, query, id, params.Status, params.TxHash, params.FailureReason, domain.MintStatusReconciled)
	if err != nil {
		if isTxHashConflict(err) {
			return ErrTxHashInUse
		}
		return fmt.Errorf("failed to update mint record status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrFinal(ctx, id)
	}
	return nil
}

func (r *PostgresRepository) missingOrFinal(ctx context.Context, id uuid.UUID) error {
	record, err := r.FindMintRecordByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status %s", ErrMintRecordNotReconcilable, record.Status)
}

func (r *PostgresRepository) ReconcileMintRecord(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerAddress  string
		publisherName string
		amount        string
		status        string
	)
	lockQuery := `
		SELECT owner_address, publisher_name, amount::text, status
		FROM t_mint_records
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, lockQuery, id).Scan(&ownerAddress, &publisherName, &amount, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMintRecordNotFound
		}
		return false, fmt.Errorf("failed to lock mint record: %w", err)
	}
	if status == domain.MintStatusReconciled {
		return false, nil
	}
	if !isReconcilable(status) {
		return false, fmt.Errorf("%w: status %s", ErrMintRecordNotReconcilable, status)
	}

	if txHash != "" {
		var inUse bool
		inUseQuery := `SELECT EXISTS (SELECT 1 FROM t_mint_records WHERE tx_hash = $1 AND id <> $2)`
		if err := tx.QueryRow(ctx, inUseQuery, txHash, id).Scan(&inUse); err != nil {
			return false, fmt.Errorf("failed to check transaction hash: %w", err)
		}
		if inUse {
			return false, ErrTxHashInUse
		}
	}

	markQuery := `
		UPDATE t_mint_records
		SET status = $2, tx_hash = COALESCE(NULLIF($3, ''), tx_hash), failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`
	result, err := tx.Exec(ctx, markQuery, id, domain.MintStatusReconciled, txHash, reconcilableStatuses)
	if err != nil {
		if isTxHashConflict(err) {
			return false, ErrTxHashInUse
		}
		return false, fmt.Errorf("failed to mark mint record reconciled: %w", err)
	}
	if result.RowsAffected() != 1 {
		return false, fmt.Errorf("%w: concurrent update", ErrMintRecordNotReconcilable)
	}

	if _, err := tx.Exec(ctx, `SELECT updatedatabaseaftermintpoints($1, $2, $3::numeric)`, publisherName, ownerAddress, amount); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return false, fmt.Errorf("aggregate update rejected (%s): %w", pgErr.Code, err)
		}
		return false, fmt.Errorf("failed to apply aggregate update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return true, nil
}

func isTxHashConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == txHashConstraint
}

func isReconcilable(status string) bool {
	for _, candidate := range reconcilableStatuses {
		if status == candidate {
			return true
		}
	}
	return false
}

func (r *PostgresRepository) FindMintRecordByID(ctx context.Context, id uuid.UUID) (*domain.MintRecord, error) {
	query := `SELECT ` + mintRecordColumns + ` FROM t_mint_records WHERE id = $1`
	record, err := scanMintRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMintRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListMintRecordsByStatus returns the oldest records in the given states last updated before olderThan.
func (r *PostgresRepository) ListMintRecordsByStatus(ctx context.Context, statuses []string, olderThan time.Time, limit int) ([]domain.MintRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + mintRecordColumns + `
		FROM t_mint_records
		WHERE status = ANY($1) AND updated_at <= $2
		ORDER BY created_at
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, statuses, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.MintRecord
	for rows.Next() {
		record, err := scanMintRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func scanMintRecord(row pgx.Row) (*domain.MintRecord, error) {
	var (
		record domain.MintRecord
		amount string
	)
	err := row.Scan(
		&record.ID,
		&record.OwnerAddress,
		&record.PublisherName,
		&amount,
		&record.BaseUnits,
		&record.TxHash,
		&record.Status,
		&record.FailureReason,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	value, err := parseNumeric(amount)
	if err != nil {
		return nil, err
	}
	record.Amount = value
	return &record, nil
}
