/**
 * @description
 * This file defines the repository interfaces used by the mint-service and the replicator.
 * The business logic depends only on these interfaces, which keeps the pipeline testable
 * without a database.
 *
 * @dependencies
 * - github.com/google/uuid: For mint record identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/domain"
)

var (
	ErrDeviceNotFound            = errors.New("device not found")
	ErrNonceNotFound             = errors.New("nonce not found")
	ErrMintRecordNotFound        = errors.New("mint record not found")
	ErrMintRecordNotReconcilable = errors.New("mint record is not in a reconcilable state")
	ErrTxHashInUse               = errors.New("transaction hash already belongs to another mint record")
	ErrTraceNotFound             = errors.New("trace progress not found")
)

// Repository defines the data access needed by the mint pipeline.
type Repository interface {
	// Eligibility
	FindDeviceByPublisherName(ctx context.Context, publisherName string) (*domain.Device, error)
	HasDeviceBinding(ctx context.Context, ownerAddress, publisherName string) (bool, error)

	// Nonces
	FindNonceByAddress(ctx context.Context, address string) (*domain.NonceRecord, error)
	// RotateNonce replaces expected with next only if expected is still the stored value.
	RotateNonce(ctx context.Context, address, expected, next string) (bool, error)

	// Mint journal
	CreateMintRecord(ctx context.Context, record *domain.MintRecord) error
	UpdateMintRecordStatus(ctx context.Context, id uuid.UUID, params UpdateMintRecordParams) error
	// ReconcileMintRecord marks the record reconciled and applies the aggregate update in one
	// transaction. It returns false when the record was already reconciled, and ErrTxHashInUse
	// when another record already carries txHash.
	ReconcileMintRecord(ctx context.Context, id uuid.UUID, txHash string) (bool, error)
	FindMintRecordByID(ctx context.Context, id uuid.UUID) (*domain.MintRecord, error)
	ListMintRecordsByStatus(ctx context.Context, statuses []string, olderThan time.Time, limit int) ([]domain.MintRecord, error)
}

type UpdateMintRecordParams struct {
	Status        string
	TxHash        *string
	FailureReason *string
}

// LocateSource reads location samples from the upstream database.
type LocateSource interface {
	ListLocateInfoSince(ctx context.Context, since time.Time, limit int) ([]domain.LocateInfo, error)
}

// ReplicationRepository owns the replication watermark and the destination table.
type ReplicationRepository interface {
	GetTraceProgress(ctx context.Context, traceID int64) (time.Time, error)
	SetTraceProgress(ctx context.Context, traceID int64, progress time.Time) error
	UpsertLocateInfo(ctx context.Context, row domain.LocateInfo) error
}
