/**
 * @description
 * This file implements the reconciler. It repairs reconciliation debt, ambiguous mints and
 * pending mints abandoned by a crashed process, on operator request, from the replay queue,
 * and from the scheduled sweep. Every repair starts from the ledger's view of the transaction
 * and never submits a mint.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: Transaction hashes and addresses.
 * - internal/store: The mint journal.
 * - pkg/ledgerclient: Transaction lookup on the points contract.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/internal/store"
	"github.com/pointsmint/mint-service/pkg/ledgerclient"
)

var (
	ErrMissingTxHash      = errors.New("mint record has no transaction hash to verify")
	ErrSweepInProgress    = errors.New("reconciliation sweep already running")
	ErrReceiptCheckFailed = errors.New("ledger receipt lookup failed")
	ErrTxHashMismatch     = errors.New("transaction does not match mint record")
	ErrMintInFlight       = errors.New("mint is still in flight")
)

const (
	scheduledSweepBudget = 4 * time.Minute
	defaultPendingGrace  = 10 * time.Minute
)

// RepairOutcome describes what a repair attempt did to a mint record.
type RepairOutcome string

const (
	RepairReconciled        RepairOutcome = "reconciled"
	RepairAlreadyReconciled RepairOutcome = "already_reconciled"
	RepairMarkedFailed      RepairOutcome = "marked_failed"
	RepairPending           RepairOutcome = "pending"
)

// repairableStatuses are the journal states the sweep visits.
var repairableStatuses = []string{
	domain.MintStatusReconciliationFailed,
	domain.MintStatusMintAmbiguous,
	domain.MintStatusPending,
}

// Reconciler repairs reconciliation debt and ambiguous mints.
type Reconciler struct {
	repo         store.Repository
	minter       Minter
	sweepLimit   int
	minAge       time.Duration
	pendingGrace time.Duration
	now          func() time.Time

	sweepMu sync.Mutex
}

func NewReconciler(repo store.Repository, minter Minter, sweepLimit int, minAge time.Duration) *Reconciler {
	if sweepLimit <= 0 {
		sweepLimit = 50
	}
	if minAge < 0 {
		minAge = 0
	}
	return &Reconciler{
		repo:         repo,
		minter:       minter,
		sweepLimit:   sweepLimit,
		minAge:       minAge,
		pendingGrace: defaultPendingGrace,
		now:          time.Now,
	}
}

// WithPendingGrace sets how long a pending record is left to the request that created it.
// It should exceed the longest a mint request can take to confirm.
func (r *Reconciler) WithPendingGrace(grace time.Duration) *Reconciler {
	if grace > 0 {
		r.pendingGrace = grace
	}
	return r
}

// Repair checks the ledger for the record's transaction and applies the result to the journal.
// txHash is used only when the record does not carry a hash of its own.
func (r *Reconciler) Repair(ctx context.Context, recordID uuid.UUID, txHash string) (RepairOutcome, error) {
	record, err := r.repo.FindMintRecordByID(ctx, recordID)
	if err != nil {
		return "", err
	}
	return r.repairRecord(ctx, record, txHash)
}

func (r *Reconciler) repairRecord(ctx context.Context, record *domain.MintRecord, fallbackHash string) (RepairOutcome, error) {
	switch record.Status {
	case domain.MintStatusReconciled:
		return RepairAlreadyReconciled, nil
	case domain.MintStatusMintFailed:
		return "", fmt.Errorf("%w: status %s", store.ErrMintRecordNotReconcilable, record.Status)
	case domain.MintStatusPending:
		if r.now().Sub(record.UpdatedAt) < r.pendingGrace {
			return "", ErrMintInFlight
		}
		if !hasTxHash(record) {
			// The hash is journaled before broadcast, so this mint was never sent.
			return r.markFailed(ctx, record, "", "mint abandoned before broadcast")
		}
		fallbackHash = ""
	}

	hash := fallbackHash
	if hasTxHash(record) {
		hash = *record.TxHash
	}
	if hash == "" {
		return "", ErrMissingTxHash
	}
	hash = common.HexToHash(hash).Hex()

	lookup, err := r.minter.LookupMint(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ledgerclient.ErrNotPointsMint) {
			return "", fmt.Errorf("%w: %v", ErrTxHashMismatch, err)
		}
		return "", fmt.Errorf("%w: %v", ErrReceiptCheckFailed, err)
	}
	if lookup.Known() && !mintMatchesRecord(lookup, record) {
		return "", fmt.Errorf("%w: %s mints %s to %s, record expects %s to %s",
			ErrTxHashMismatch, hash, lookup.Amount, lookup.To.Hex(), record.BaseUnits, record.OwnerAddress)
	}

	switch lookup.State {
	case ledgerclient.ReceiptSucceeded:
		applied, err := r.repo.ReconcileMintRecord(ctx, record.ID, hash)
		if err != nil {
			return "", fmt.Errorf("reconcile mint record %s: %w", record.ID, err)
		}
		if !applied {
			return RepairAlreadyReconciled, nil
		}
		log.Printf("level=info component=reconciler msg=\"reconciliation debt repaired\" record_id=%s tx_hash=%s", record.ID, hash)
		return RepairReconciled, nil
	case ledgerclient.ReceiptFailed:
		return r.markFailed(ctx, record, hash, "transaction reverted on ledger")
	default:
		if record.Status == domain.MintStatusPending {
			// Hand the abandoned mint to the ambiguous queue so operators can see it.
			reason := "mint abandoned after broadcast; receipt not found"
			params := store.UpdateMintRecordParams{Status: domain.MintStatusMintAmbiguous, TxHash: &hash, FailureReason: &reason}
			if err := r.repo.UpdateMintRecordStatus(ctx, record.ID, params); err != nil {
				return "", fmt.Errorf("mark mint record %s ambiguous: %w", record.ID, err)
			}
			log.Printf("level=error component=reconciler alert=mint_outcome_ambiguous msg=\"abandoned mint has no receipt\" record_id=%s tx_hash=%s", record.ID, hash)
		}
		return RepairPending, nil
	}
}

func (r *Reconciler) markFailed(ctx context.Context, record *domain.MintRecord, hash, reason string) (RepairOutcome, error) {
	params := store.UpdateMintRecordParams{Status: domain.MintStatusMintFailed, FailureReason: &reason}
	if hash != "" {
		params.TxHash = &hash
	}
	if err := r.repo.UpdateMintRecordStatus(ctx, record.ID, params); err != nil {
		return "", fmt.Errorf("mark mint record %s failed: %w", record.ID, err)
	}
	log.Printf("level=warn component=reconciler msg=\"mint resolved as failed\" record_id=%s status=%s tx_hash=%s reason=%q", record.ID, record.Status, hash, reason)
	return RepairMarkedFailed, nil
}

func hasTxHash(record *domain.MintRecord) bool {
	return record.TxHash != nil && *record.TxHash != ""
}

func mintMatchesRecord(lookup *ledgerclient.MintLookup, record *domain.MintRecord) bool {
	if !common.IsHexAddress(record.OwnerAddress) || lookup.To != common.HexToAddress(record.OwnerAddress) {
		return false
	}
	return lookup.Amount.String() == record.BaseUnits
}

// Sweep repairs records stuck in a repairable state for longer than the minimum age.
// Concurrent sweeps are rejected with ErrSweepInProgress.
func (r *Reconciler) Sweep(ctx context.Context) (domain.ReconcileSweepResult, error) {
	var result domain.ReconcileSweepResult
	if !r.sweepMu.TryLock() {
		return result, ErrSweepInProgress
	}
	defer r.sweepMu.Unlock()

	records, err := r.repo.ListMintRecordsByStatus(ctx, repairableStatuses, r.now().Add(-r.minAge), r.sweepLimit)
	if err != nil {
		return result, fmt.Errorf("list repairable mint records: %w", err)
	}

	for i := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		record := records[i]
		result.Processed++

		outcome, err := r.repairRecord(ctx, &record, "")
		if errors.Is(err, ErrMintInFlight) {
			result.StillPending++
			continue
		}
		if err != nil {
			result.RepairFailed++
			log.Printf("level=error component=reconciler msg=\"repair failed\" record_id=%s status=%s err=%v", record.ID, record.Status, err)
			continue
		}
		switch outcome {
		case RepairReconciled, RepairAlreadyReconciled:
			result.Reconciled++
		case RepairMarkedFailed:
			result.MarkedFailed++
		case RepairPending:
			result.StillPending++
		}
	}

	log.Printf("level=info component=reconciler msg=\"sweep finished\" processed=%d reconciled=%d marked_failed=%d still_pending=%d repair_failed=%d",
		result.Processed, result.Reconciled, result.MarkedFailed, result.StillPending, result.RepairFailed)
	return result, nil
}

// RunScheduledSweep is the cron entry point for Sweep.
func (r *Reconciler) RunScheduledSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledSweepBudget)
	defer cancel()

	if _, err := r.Sweep(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			log.Println("level=warn component=reconciler msg=\"skipping sweep; previous sweep still running\"")
			return
		}
		log.Printf("level=error component=reconciler msg=\"scheduled sweep failed\" err=%v", err)
	}
}

// ListRecords returns journal records in the given state for operators.
func (r *Reconciler) ListRecords(ctx context.Context, status string, limit int) ([]domain.MintRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = r.sweepLimit
	}
	return r.repo.ListMintRecordsByStatus(ctx, []string{status}, r.now(), limit)
}

// IsPermanentRepairError reports whether retrying the repair cannot succeed.
func IsPermanentRepairError(err error) bool {
	return errors.Is(err, store.ErrMintRecordNotFound) ||
		errors.Is(err, store.ErrMintRecordNotReconcilable) ||
		errors.Is(err, store.ErrTxHashInUse) ||
		errors.Is(err, ErrMissingTxHash) ||
		errors.Is(err, ErrTxHashMismatch)
}
