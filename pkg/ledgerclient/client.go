/**
 * @description
 * This package provides the client for the points contract on the external EVM ledger.
 * It signs `mint(address,uint256)` transactions with a pre-configured key, hands the hash to
 * the caller before broadcasting, and waits for the receipt. Repair jobs use it to decode an
 * earlier transaction and look up its outcome.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: ABI encoding, transaction signing and the JSON-RPC client.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// PointsContractABI is the subset of the points contract used by the service.
const PointsContractABI = `[{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}]`

var pointsABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(PointsContractABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

const (
	defaultConfirmationTimeout = 2 * time.Minute
	defaultPollInterval        = time.Second
)

// ReceiptState is the outcome of a mint transaction as seen on the ledger.
type ReceiptState string

const (
	ReceiptSucceeded ReceiptState = "succeeded"
	ReceiptFailed    ReceiptState = "failed"
	ReceiptNotFound  ReceiptState = "not_found"
)

// ErrNotPointsMint is returned when a transaction hash does not point at a mint call on the
// configured points contract.
var ErrNotPointsMint = errors.New("transaction is not a points mint")

// SubmissionError reports that the transaction never reached the ledger. TxHash is set when
// the transaction was signed before the node rejected it.
type SubmissionError struct {
	TxHash common.Hash
	Err    error
}

func (e *SubmissionError) Error() string { return fmt.Sprintf("mint submission rejected: %v", e.Err) }
func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationError reports a signed transaction that may have been broadcast but whose
// receipt could not be obtained. The outcome on the ledger is unknown.
type ConfirmationError struct {
	TxHash common.Hash
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("mint %s confirmation lost: %v", e.TxHash.Hex(), e.Err)
}
func (e *ConfirmationError) Unwrap() error { return e.Err }

// ExecutionError reports a mined transaction with a non-success status.
type ExecutionError struct {
	TxHash common.Hash
	Status uint64
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("mint %s mined with status %d", e.TxHash.Hex(), e.Status)
}

// MintReceipt describes a confirmed successful mint.
type MintReceipt struct {
	TxHash      common.Hash
	BlockNumber *big.Int
	GasUsed     uint64
}

// MintLookup is what the ledger knows about an earlier transaction. To and Amount are the
// decoded mint arguments and stay empty when the node does not know the transaction.
type MintLookup struct {
	State  ReceiptState
	To     common.Address
	Amount *big.Int
}

// Known reports whether the node returned the transaction itself.
func (l *MintLookup) Known() bool { return l.Amount != nil }

// ContractTransactor builds and signs contract method calls.
type ContractTransactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*gethtypes.Transaction, error)
}

// Backend is the part of the JSON-RPC client used to broadcast and inspect transactions.
type Backend interface {
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Config holds the settings needed to reach the points contract.
type Config struct {
	RPCURL              string
	PrivateKeyHex       string
	ContractAddress     string
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Client mints points on the external ledger.
type Client struct {
	contract            ContractTransactor
	backend             Backend
	contractAddress     common.Address
	newOpts             func(ctx context.Context) *bind.TransactOpts
	confirmationTimeout time.Duration
	pollInterval        time.Duration
}

// Dial connects to the RPC endpoint and prepares a client bound to the points contract.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, errors.New("ethereum rpc url required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid points contract address %q", cfg.ContractAddress)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse minter private key: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	contractAddress := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(contractAddress, pointsABI, eth, eth, eth)
	return NewClient(contract, eth, contractAddress, signerOpts(opts), cfg.ConfirmationTimeout, cfg.PollInterval), nil
}

// NewClient assembles a client from its collaborators.
func NewClient(contract ContractTransactor, backend Backend, contractAddress common.Address, newOpts func(ctx context.Context) *bind.TransactOpts, confirmationTimeout, pollInterval time.Duration) *Client {
	if confirmationTimeout <= 0 {
		confirmationTimeout = defaultConfirmationTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if newOpts == nil {
		newOpts = func(ctx context.Context) *bind.TransactOpts { return &bind.TransactOpts{Context: ctx} }
	}
	return &Client{
		contract:            contract,
		backend:             backend,
		contractAddress:     contractAddress,
		newOpts:             newOpts,
		confirmationTimeout: confirmationTimeout,
		pollInterval:        pollInterval,
	}
}

func signerOpts(base *bind.TransactOpts) func(ctx context.Context) *bind.TransactOpts {
	return func(ctx context.Context) *bind.TransactOpts {
		return &bind.TransactOpts{
			From:    base.From,
			Signer:  base.Signer,
			Context: ctx,
		}
	}
}

// SignerAddress derives the minter address from a hex private key.
func SignerAddress(privateKeyHex string) (common.Address, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), nil
}

// Mint signs mint(to, amount), passes the transaction hash to onSigned, broadcasts, and
// blocks until the receipt arrives or the confirmation timeout expires. Nothing is broadcast
// when onSigned fails. It never resubmits.
func (c *Client) Mint(ctx context.Context, to common.Address, amount *big.Int, onSigned func(common.Hash) error) (*MintReceipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, &SubmissionError{Err: errors.New("amount must be positive")}
	}

	opts := c.newOpts(ctx)
	opts.NoSend = true
	tx, err := c.contract.Transact(opts, "mint", to, amount)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	if tx == nil {
		return nil, &SubmissionError{Err: errors.New("ledger returned no transaction")}
	}
	txHash := tx.Hash()

	if onSigned != nil {
		if err := onSigned(txHash); err != nil {
			return nil, &SubmissionError{TxHash: txHash, Err: fmt.Errorf("record signed transaction: %w", err)}
		}
	}

	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		if rejectedByNode(err) {
			return nil, &SubmissionError{TxHash: txHash, Err: err}
		}
		return nil, &ConfirmationError{TxHash: txHash, Err: fmt.Errorf("send transaction: %w", err)}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmationTimeout)
	defer cancel()

	receipt, err := c.waitMined(waitCtx, txHash)
	if err != nil {
		return nil, &ConfirmationError{TxHash: txHash, Err: err}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, &ExecutionError{TxHash: txHash, Status: receipt.Status}
	}

	return &MintReceipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// rejectedByNode reports whether a send error is a JSON-RPC error response, meaning the node
// answered and refused the transaction. Transport failures may still have delivered it.
func rejectedByNode(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	// The node already holds this exact transaction.
	return !strings.Contains(strings.ToLower(rpcErr.Error()), "already known")
}

// LookupMint decodes an earlier transaction and reports its outcome. It returns
// ErrNotPointsMint when the transaction is not a mint call on the points contract.
func (c *Client) LookupMint(ctx context.Context, txHash common.Hash) (*MintLookup, error) {
	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &MintLookup{State: ReceiptNotFound}, nil
		}
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	to, amount, err := c.decodeMint(tx)
	if err != nil {
		return nil, err
	}

	lookup := &MintLookup{State: ReceiptNotFound, To: to, Amount: amount}
	if pending {
		return lookup, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return lookup, nil
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	switch {
	case receipt == nil:
	case receipt.Status == gethtypes.ReceiptStatusSuccessful:
		lookup.State = ReceiptSucceeded
	default:
		lookup.State = ReceiptFailed
	}
	return lookup, nil
}

func (c *Client) decodeMint(tx *gethtypes.Transaction) (common.Address, *big.Int, error) {
	if tx == nil {
		return common.Address{}, nil, fmt.Errorf("%w: empty transaction", ErrNotPointsMint)
	}
	if tx.To() == nil || *tx.To() != c.contractAddress {
		return common.Address{}, nil, fmt.Errorf("%w: sent to %v", ErrNotPointsMint, tx.To())
	}
	method := pointsABI.Methods["mint"]
	data := tx.Data()
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return common.Address{}, nil, fmt.Errorf("%w: unexpected method selector", ErrNotPointsMint)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 2 {
		return common.Address{}, nil, fmt.Errorf("%w: undecodable arguments", ErrNotPointsMint)
	}
	to, okTo := values[0].(common.Address)
	amount, okAmount := values[1].(*big.Int)
	if !okTo || !okAmount {
		return common.Address{}, nil, fmt.Errorf("%w: unexpected argument types", ErrNotPointsMint)
	}
	return to, amount, nil
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		// RPC errors other than NotFound are treated as transient until the deadline.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
