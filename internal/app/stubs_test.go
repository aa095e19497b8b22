package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/internal/store"
	"github.com/pointsmint/mint-service/pkg/ledgerclient"
	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory store.Repository with the same compare-and-swap and
// exactly-once semantics as the Postgres implementation.
type memoryRepo struct {
	store.Repository

	mu         sync.Mutex
	devices    map[string]domain.Device
	bindings   map[string]bool
	nonces     map[string]string
	records    map[uuid.UUID]*domain.MintRecord
	aggregates map[string]decimal.Decimal

	deviceErr    error
	createErr    error
	rotateErr    error
	reconcileErr error
	updateErr    error
	listErr      error

	deviceCalls int
	rotateCalls int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		devices:    make(map[string]domain.Device),
		bindings:   make(map[string]bool),
		nonces:     make(map[string]string),
		records:    make(map[uuid.UUID]*domain.MintRecord),
		aggregates: make(map[string]decimal.Decimal),
	}
}

func bindingKey(owner, publisher string) string {
	return owner + "|" + publisher
}

func (r *memoryRepo) FindDeviceByPublisherName(ctx context.Context, publisherName string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceCalls++
	if r.deviceErr != nil {
		return nil, r.deviceErr
	}
	device, ok := r.devices[publisherName]
	if !ok {
		return nil, store.ErrDeviceNotFound
	}
	return &device, nil
}

func (r *memoryRepo) HasDeviceBinding(ctx context.Context, ownerAddress, publisherName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[bindingKey(ownerAddress, publisherName)], nil
}

func (r *memoryRepo) FindNonceByAddress(ctx context.Context, address string) (*domain.NonceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nonce, ok := r.nonces[address]
	if !ok {
		return nil, store.ErrNonceNotFound
	}
	return &domain.NonceRecord{PublicAddress: address, Nonce: nonce}, nil
}

func (r *memoryRepo) RotateNonce(ctx context.Context, address, expected, next string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateCalls++
	if r.rotateErr != nil {
		return false, r.rotateErr
	}
	if current, ok := r.nonces[address]; !ok || current != expected {
		return false, nil
	}
	r.nonces[address] = next
	return true, nil
}

func (r *memoryRepo) CreateMintRecord(ctx context.Context, record *domain.MintRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now().UTC()
	record.CreatedAt, record.UpdatedAt = now, now
	stored := *record
	r.records[record.ID] = &stored
	return nil
}

func (r *memoryRepo) UpdateMintRecordStatus(ctx context.Context, id uuid.UUID, params store.UpdateMintRecordParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	record, ok := r.records[id]
	if !ok {
		return store.ErrMintRecordNotFound
	}
	if record.Status == domain.MintStatusReconciled {
		return store.ErrMintRecordNotReconcilable
	}
	if params.TxHash != nil && r.txHashHeldByOtherLocked(id, *params.TxHash) {
		return store.ErrTxHashInUse
	}
	record.Status = params.Status
	if params.TxHash != nil {
		hash := *params.TxHash
		record.TxHash = &hash
	}
	if params.FailureReason != nil {
		reason := *params.FailureReason
		record.FailureReason = &reason
	}
	return nil
}

func (r *memoryRepo) ReconcileMintRecord(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return false, store.ErrMintRecordNotFound
	}
	if record.Status == domain.MintStatusReconciled {
		return false, nil
	}
	if !isRepairableOrPending(record.Status) {
		return false, store.ErrMintRecordNotReconcilable
	}
	if r.reconcileErr != nil {
		return false, r.reconcileErr
	}
	if txHash != "" && r.txHashHeldByOtherLocked(id, txHash) {
		return false, store.ErrTxHashInUse
	}
	record.Status = domain.MintStatusReconciled
	if txHash != "" {
		record.TxHash = &txHash
	}
	key := bindingKey(record.OwnerAddress, record.PublisherName)
	r.aggregates[key] = r.aggregates[key].Add(record.Amount)
	return true, nil
}

// txHashHeldByOtherLocked mirrors the unique index on t_mint_records.tx_hash.
func (r *memoryRepo) txHashHeldByOtherLocked(id uuid.UUID, txHash string) bool {
	for otherID, other := range r.records {
		if otherID == id || other.TxHash == nil {
			continue
		}
		if common.HexToHash(*other.TxHash) == common.HexToHash(txHash) {
			return true
		}
	}
	return false
}

func isRepairableOrPending(status string) bool {
	switch status {
	case domain.MintStatusPending, domain.MintStatusReconciliationFailed, domain.MintStatusMintAmbiguous:
		return true
	}
	return false
}

func (r *memoryRepo) FindMintRecordByID(ctx context.Context, id uuid.UUID) (*domain.MintRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, store.ErrMintRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *memoryRepo) ListMintRecordsByStatus(ctx context.Context, statuses []string, olderThan time.Time, limit int) ([]domain.MintRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.MintRecord
	for _, record := range r.records {
		if record.UpdatedAt.After(olderThan) {
			continue
		}
		for _, status := range statuses {
			if record.Status == status {
				out = append(out, *record)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) aggregate(owner, publisher string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregates[bindingKey(owner, publisher)]
}

func (r *memoryRepo) nonce(address string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonces[address]
}

func (r *memoryRepo) onlyRecord(t *testing.T) domain.MintRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) != 1 {
		t.Fatalf("expected exactly one mint record, got %d", len(r.records))
	}
	for _, record := range r.records {
		return *record
	}
	return domain.MintRecord{}
}

func (r *memoryRepo) putRecord(record domain.MintRecord) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	r.records[record.ID] = &record
	return record.ID
}

// fakeMinter records mint calls and replays configured outcomes. It hands the signed hash
// to onSigned before "broadcasting", like ledgerclient.Client.
type fakeMinter struct {
	mu sync.Mutex

	receipt     *ledgerclient.MintReceipt
	err         error
	afterSigned func(common.Hash)
	state       ledgerclient.ReceiptState
	stateErr    error
	lookup      *ledgerclient.MintLookup
	lookups     int
	calls       int
	broadcasts  int
	lastTo      common.Address
	lastAmount  *big.Int
	ctxErr      error
}

func (m *fakeMinter) Mint(ctx context.Context, to common.Address, amount *big.Int, onSigned func(common.Hash) error) (*ledgerclient.MintReceipt, error) {
	m.mu.Lock()
	m.calls++
	m.lastTo = to
	m.lastAmount = new(big.Int).Set(amount)
	m.ctxErr = ctx.Err()
	signed := common.BigToHash(big.NewInt(int64(0xabc0 + m.calls)))
	if m.receipt != nil {
		signed = m.receipt.TxHash
	}
	afterSigned := m.afterSigned
	m.mu.Unlock()

	if onSigned != nil {
		if err := onSigned(signed); err != nil {
			return nil, &ledgerclient.SubmissionError{TxHash: signed, Err: err}
		}
	}
	if afterSigned != nil {
		afterSigned(signed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts++
	if m.err != nil {
		return nil, m.err
	}
	return &ledgerclient.MintReceipt{TxHash: signed, BlockNumber: big.NewInt(1)}, nil
}

// LookupMint reports the configured state for a mint matching debtRecord unless lookup is set.
func (m *fakeMinter) LookupMint(ctx context.Context, txHash common.Hash) (*ledgerclient.MintLookup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	if m.lookup != nil {
		copied := *m.lookup
		return &copied, nil
	}
	state := m.state
	if state == "" {
		state = ledgerclient.ReceiptNotFound
	}
	amount, _ := new(big.Int).SetString(debtBaseUnits, 10)
	return &ledgerclient.MintLookup{State: state, To: common.HexToAddress(debtOwner), Amount: amount}, nil
}

func (m *fakeMinter) lookupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func (m *fakeMinter) broadcastCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

func (m *fakeMinter) mintCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

// recordingPublisher implements rabbitmq.Publisher.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, event := range p.events {
		keys = append(keys, event.routingKey)
	}
	return keys
}

type limiterStub struct {
	allowed bool
	err     error
	calls   int
}

func (l *limiterStub) Allow(ctx context.Context, subject string) (bool, int, error) {
	l.calls++
	return l.allowed, 12, l.err
}

// claimant is a test wallet able to sign mint messages.
type claimant struct {
	t       *testing.T
	address string
	sign    func(message string) string
}

func newClaimant(t *testing.T) claimant {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return claimant{
		t:       t,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		sign: func(message string) string {
			sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			sig[64] += 27
			return hexutil.Encode(sig)
		},
	}
}

// request builds a signed mint request for the given fields.
func (c claimant) request(publisher, amount, nonce string) *domain.MintRequest {
	message := fmt.Sprintf(`{"address":"%s","publisherName":"%s","amount":"%s","nonce":"%s"}`, c.address, publisher, amount, nonce)
	return c.requestSignedBy(message, c.sign(message))
}

func (c claimant) requestSignedBy(message, signature string) *domain.MintRequest {
	c.t.Helper()
	body := fmt.Sprintf(`{"message":%s,"signature":"%s"}`, message, signature)
	req, err := domain.ParseMintRequest([]byte(body))
	if err != nil {
		c.t.Fatalf("parse request: %v", err)
	}
	return req
}

// fixture wires a service over an eligible claimant with live nonce "n1".
type fixture struct {
	repo      *memoryRepo
	minter    *fakeMinter
	publisher *recordingPublisher
	service   *Service
	claimant  claimant
	device    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newClaimant(t)
	repo := newMemoryRepo()
	device := "device-d"
	repo.devices[device] = domain.Device{ID: 1, PublisherName: device, Initialized: true}
	repo.bindings[bindingKey(c.address, device)] = true
	repo.nonces[c.address] = "n1"

	minter := &fakeMinter{}
	publisher := &recordingPublisher{}
	service := NewService(repo, minter, nil, publisher, nil, ServiceConfig{})
	return &fixture{repo: repo, minter: minter, publisher: publisher, service: service, claimant: c, device: device}
}

func expectKind(t *testing.T, err error, kind domain.ErrorKind) *domain.MintError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	mintErr, ok := err.(*domain.MintError)
	if !ok {
		t.Fatalf("expected *domain.MintError, got %T: %v", err, err)
	}
	if mintErr.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, mintErr.Kind, err)
	}
	return mintErr
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
