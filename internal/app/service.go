/**
 * @description
 * This file contains the request orchestrator of the mint-service. The `Service` struct
 * drives a mint request through a strictly ordered state machine: validation, the
 * eligibility gate, nonce and signature verification, the ledger mint and the aggregate
 * reconciliation. It owns the failure policy of every transition.
 *
 * Key features:
 * - The nonce is rotated with a compare-and-swap after every attempt that reaches the
 *   signature stage, so a signed payload can be used at most once.
 * - From the mint stage on, work continues on a context detached from the caller.
 * - A confirmed mint whose reconciliation fails is recorded as reconciliation debt and
 *   handed to the replay queue. It is never reported as a failed mint.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum/common: For the destination address.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/ledgerclient, pkg/rabbitmq: For the ledger and the events exchange.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/internal/metrics"
	"github.com/pointsmint/mint-service/internal/store"
	"github.com/pointsmint/mint-service/pkg/ethauth"
	"github.com/pointsmint/mint-service/pkg/ledgerclient"
	"github.com/pointsmint/mint-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
)

const journalTimeout = 10 * time.Second

// Minter is the ledger capability used by the pipeline and the repair paths.
type Minter interface {
	// Mint calls onSigned with the transaction hash before broadcasting and broadcasts only
	// when it returns nil.
	Mint(ctx context.Context, to common.Address, amount *big.Int, onSigned func(common.Hash) error) (*ledgerclient.MintReceipt, error)
	LookupMint(ctx context.Context, txHash common.Hash) (*ledgerclient.MintLookup, error)
}

// MintState is a stage of the request state machine.
type MintState string

const (
	StateReceived      MintState = "received"
	StateValidated     MintState = "validated"
	StateEligible      MintState = "eligible"
	StateNonceVerified MintState = "nonce_verified"
	StateSigned        MintState = "signed"
	StateMinted        MintState = "minted"
	StateReconciled    MintState = "reconciled"
	StateCompleted     MintState = "completed"
	StateFailed        MintState = "failed"
)

// ServiceConfig carries the tunables of the pipeline.
type ServiceConfig struct {
	PointsDecimals int32
	EventsExchange string
	// MintTimeout bounds the detached mint and reconciliation stages. Zero leaves the bound
	// to the ledger client's confirmation timeout.
	MintTimeout time.Duration
}

// Service orchestrates mint requests.
type Service struct {
	repo     store.Repository
	gate     *EligibilityGate
	verifier *SignatureVerifier
	minter   Minter
	limiter  MintRateLimiter
	events   eventPublisher
	metrics  *metrics.MintMetrics
	cfg      ServiceConfig
}

// NewService creates a new mint service instance. limiter and producer may be nil.
func NewService(repo store.Repository, minter Minter, limiter MintRateLimiter, producer rabbitmq.Publisher, m *metrics.MintMetrics, cfg ServiceConfig) *Service {
	if cfg.PointsDecimals <= 0 {
		cfg.PointsDecimals = domain.PointsDecimals
	}
	return &Service{
		repo:     repo,
		gate:     NewEligibilityGate(repo),
		verifier: NewSignatureVerifier(repo, GenerateNonce),
		minter:   minter,
		limiter:  limiter,
		events:   newEventPublisher(producer, cfg.EventsExchange),
		metrics:  m,
		cfg:      cfg,
	}
}

// WithNonceGenerator replaces the nonce source. It exists for tests.
func (s *Service) WithNonceGenerator(next func() string) *Service {
	s.verifier = NewSignatureVerifier(s.repo, next)
	return s
}

// mintRun is the state of one request as it moves through the pipeline.
type mintRun struct {
	req    *domain.MintRequest
	state  MintState
	amount decimal.Decimal
	units  *big.Int
	record *domain.MintRecord
	txHash string
}

func (r *mintRun) advance(next MintState) {
	log.Printf("level=info component=mint_pipeline msg=\"state transition\" from=%s to=%s address=%s publisher=%s", r.state, next, r.req.Message.Address, r.req.Message.PublisherName)
	r.state = next
}

// ProcessMint runs one mint request end to end. Every failure is returned as a *domain.MintError.
func (s *Service) ProcessMint(ctx context.Context, req *domain.MintRequest) (*domain.MintResult, error) {
	if req == nil {
		return nil, s.fail(&mintRun{req: &domain.MintRequest{}, state: StateReceived}, domain.NewMintError(domain.KindInvalidRequest, "missing params", nil))
	}
	run := &mintRun{req: req, state: StateReceived}

	// Received -> Validated
	if err := s.validate(run); err != nil {
		return nil, s.fail(run, err)
	}
	run.advance(StateValidated)

	if err := s.checkRateLimit(ctx, run); err != nil {
		return nil, s.fail(run, err)
	}

	// Validated -> Eligible
	if err := s.gate.Check(ctx, req.Message.Address, req.Message.PublisherName); err != nil {
		return nil, s.fail(run, err)
	}
	run.advance(StateEligible)

	// Eligible -> NonceVerified -> Signed. The nonce is consumed whatever the outcome.
	result := s.verifier.Verify(ctx, req)
	if result.err == nil || domain.KindOf(result.err) == domain.KindInvalidSignature {
		run.advance(StateNonceVerified)
	}
	rotateCtx := context.WithoutCancel(ctx)
	if err := s.verifier.Consume(rotateCtx, req.Message.Address, result); err != nil {
		return nil, s.fail(run, err)
	}
	run.advance(StateSigned)

	// The mint cannot be recalled once broadcast, so caller cancellation stops here.
	mintCtx := context.WithoutCancel(ctx)
	if s.cfg.MintTimeout > 0 {
		var cancel context.CancelFunc
		mintCtx, cancel = context.WithTimeout(mintCtx, s.cfg.MintTimeout)
		defer cancel()
	}

	// Signed -> Minted
	if err := s.mint(mintCtx, run); err != nil {
		return nil, s.fail(run, err)
	}
	run.advance(StateMinted)

	// Minted -> Reconciled
	if err := s.reconcile(mintCtx, run); err != nil {
		return nil, s.fail(run, err)
	}
	run.advance(StateReconciled)

	s.events.publish(mintCtx, RoutingKeyMintCompleted, eventFromRecord(run.record, run.txHash, domain.MintStatusReconciled, ""))
	run.advance(StateCompleted)
	s.metrics.ObserveOutcome(string(StateCompleted))

	return &domain.MintResult{RecordID: run.record.ID, TxHash: run.txHash}, nil
}

func (s *Service) validate(run *mintRun) error {
	msg := run.req.Message
	if strings.TrimSpace(run.req.Signature) == "" {
		return domain.NewMintError(domain.KindInvalidRequest, "missing params", nil)
	}
	if !ethauth.IsAddress(msg.Address) {
		return domain.InvalidField("address", "Invalid public address")
	}
	if strings.TrimSpace(msg.PublisherName) == "" {
		return domain.InvalidField("publisherName", "Invalid publisher name")
	}
	amount, err := domain.ParseAmount(msg.Amount)
	if err != nil {
		invalid := domain.InvalidField("amount", "Invalid amount")
		invalid.Err = err
		return invalid
	}
	run.amount = amount
	return nil
}

func (s *Service) checkRateLimit(ctx context.Context, run *mintRun) error {
	if s.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := s.limiter.Allow(ctx, run.req.Message.Address)
	if err != nil {
		log.Printf("level=warn component=mint_pipeline msg=\"rate limiter unavailable; allowing request\" address=%s err=%v", run.req.Message.Address, err)
		return nil
	}
	if !allowed {
		return domain.NewMintError(domain.KindRateLimited, fmt.Sprintf("Too many mint requests; retry in %d seconds", retryAfter), nil)
	}
	return nil
}

func (s *Service) mint(ctx context.Context, run *mintRun) error {
	units, err := domain.ToBaseUnits(run.amount, s.cfg.PointsDecimals)
	if err != nil {
		return domain.NewMintError(domain.KindAmountConversion, "Invalid amount", err)
	}
	run.units = units

	run.record = &domain.MintRecord{
		OwnerAddress:  run.req.Message.Address,
		PublisherName: run.req.Message.PublisherName,
		Amount:        run.amount,
		BaseUnits:     units.String(),
		Status:        domain.MintStatusPending,
	}
	if err := s.repo.CreateMintRecord(ctx, run.record); err != nil {
		return domain.NewMintError(domain.KindInternal, "Failed to record mint", err)
	}

	startedAt := time.Now()
	receipt, err := s.minter.Mint(ctx, common.HexToAddress(run.req.Message.Address), units, func(txHash common.Hash) error {
		return s.recordSigned(ctx, run.record, txHash.Hex())
	})
	if err != nil {
		return s.mintFailure(ctx, run, err, time.Since(startedAt))
	}
	s.metrics.ObserveMintDuration("succeeded", time.Since(startedAt))

	run.txHash = receipt.TxHash.Hex()
	log.Printf("level=info component=mint_pipeline msg=\"mint confirmed\" record_id=%s tx_hash=%s block=%s", run.record.ID, run.txHash, receipt.BlockNumber)
	return nil
}

// recordSigned journals the hash of a signed mint while the record is still pending, so a
// crash during confirmation leaves the hash for the reconciliation sweep.
func (s *Service) recordSigned(ctx context.Context, record *domain.MintRecord, txHash string) error {
	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	params := store.UpdateMintRecordParams{Status: domain.MintStatusPending, TxHash: &txHash}
	if err := s.repo.UpdateMintRecordStatus(journalCtx, record.ID, params); err != nil {
		log.Printf("level=error component=mint_pipeline msg=\"failed to record signed mint; not broadcasting\" record_id=%s tx_hash=%s err=%v", record.ID, txHash, err)
		return err
	}
	record.TxHash = &txHash
	return nil
}

// mintFailure classifies a ledger error and journals it. No reconciliation follows.
func (s *Service) mintFailure(ctx context.Context, run *mintRun, err error, elapsed time.Duration) error {
	var (
		submissionErr   *ledgerclient.SubmissionError
		confirmationErr *ledgerclient.ConfirmationError
		executionErr    *ledgerclient.ExecutionError
	)
	reason := err.Error()

	switch {
	case errors.As(err, &confirmationErr):
		s.metrics.ObserveMintDuration("ambiguous", elapsed)
		txHash := confirmationErr.TxHash.Hex()
		s.journal(ctx, run.record, domain.MintStatusMintAmbiguous, txHash, reason)
		log.Printf("level=error component=mint_pipeline alert=mint_outcome_ambiguous msg=\"mint broadcast but confirmation lost\" record_id=%s tx_hash=%s err=%v", run.record.ID, txHash, err)
		s.events.publish(ctx, RoutingKeyMintOutcomeAmbiguous, eventFromRecord(run.record, txHash, domain.MintStatusMintAmbiguous, reason))
		return &domain.MintError{
			Kind:      domain.KindMintSubmission,
			Message:   "Mint outcome unknown; check transaction before retrying",
			TxHash:    txHash,
			Ambiguous: true,
			Err:       err,
		}
	case errors.As(err, &executionErr):
		s.metrics.ObserveMintDuration("reverted", elapsed)
		txHash := executionErr.TxHash.Hex()
		s.journal(ctx, run.record, domain.MintStatusMintFailed, txHash, reason)
		return &domain.MintError{Kind: domain.KindMintExecution, Message: "Transaction failed", TxHash: txHash, Err: err}
	case errors.As(err, &submissionErr):
		s.metrics.ObserveMintDuration("rejected", elapsed)
		var txHash string
		if submissionErr.TxHash != (common.Hash{}) {
			txHash = submissionErr.TxHash.Hex()
		}
		s.journal(ctx, run.record, domain.MintStatusMintFailed, txHash, reason)
		return domain.NewMintError(domain.KindMintSubmission, "Mint submission failed", err)
	default:
		// An unclassified error may have happened after broadcast.
		s.metrics.ObserveMintDuration("ambiguous", elapsed)
		s.journal(ctx, run.record, domain.MintStatusMintAmbiguous, "", reason)
		return &domain.MintError{
			Kind:      domain.KindMintSubmission,
			Message:   "Mint outcome unknown; check transaction before retrying",
			Ambiguous: true,
			Err:       err,
		}
	}
}

func (s *Service) reconcile(ctx context.Context, run *mintRun) error {
	_, err := s.repo.ReconcileMintRecord(ctx, run.record.ID, run.txHash)
	if err == nil {
		return nil
	}

	// Value has moved on the ledger. Record the debt and hand it to the replay queue.
	reason := err.Error()
	s.journal(ctx, run.record, domain.MintStatusReconciliationFailed, run.txHash, reason)
	s.metrics.IncReconciliationDebt()
	log.Printf("level=critical component=mint_pipeline alert=reconciliation_debt msg=\"mint confirmed but ledger update failed\" record_id=%s tx_hash=%s address=%s publisher=%s amount=%s err=%v",
		run.record.ID, run.txHash, run.record.OwnerAddress, run.record.PublisherName, run.record.Amount.String(), err)
	s.events.publish(ctx, RoutingKeyReconciliationFailed, eventFromRecord(run.record, run.txHash, domain.MintStatusReconciliationFailed, reason))

	return &domain.MintError{
		Kind:         domain.KindReconciliation,
		Message:      "Points minted; ledger update pending reconciliation",
		TxHash:       run.txHash,
		MintOccurred: true,
		Err:          err,
	}
}

// journal updates the mint record and logs when that is not possible; the caller's outcome
// does not depend on it.
func (s *Service) journal(ctx context.Context, record *domain.MintRecord, status, txHash, reason string) {
	params := store.UpdateMintRecordParams{Status: status}
	if txHash != "" {
		params.TxHash = &txHash
	}
	if reason != "" {
		params.FailureReason = &reason
	}
	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := s.repo.UpdateMintRecordStatus(journalCtx, record.ID, params); err != nil {
		log.Printf("level=error component=mint_pipeline msg=\"failed to update mint record\" record_id=%s status=%s err=%v", record.ID, status, err)
		return
	}
	record.Status = status
	if txHash != "" {
		record.TxHash = &txHash
	}
}

func (s *Service) fail(run *mintRun, err error) error {
	var mintErr *domain.MintError
	if !errors.As(err, &mintErr) {
		mintErr = domain.NewMintError(domain.KindInternal, "Internal error", err)
	}

	level := "warn"
	switch {
	case mintErr.Kind == domain.KindReconciliation:
		level = "critical"
	case !domain.IsPreMint(mintErr.Kind), mintErr.Kind == domain.KindInternal:
		level = "error"
	}
	log.Printf("level=%s component=mint_pipeline msg=\"mint request failed\" state=%s kind=%s address=%s publisher=%s err=%v",
		level, run.state, mintErr.Kind, run.req.Message.Address, run.req.Message.PublisherName, err)

	run.state = StateFailed
	s.metrics.ObserveOutcome(string(mintErr.Kind))
	return mintErr
}
