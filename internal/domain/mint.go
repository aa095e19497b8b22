/**
 * @description
 * This file defines the core domain models for the mint-service: the signed mint message,
 * the device and binding records read by the eligibility gate, the nonce record used for
 * replay protection, and the mint journal record written around every ledger transfer.
 *
 * @notes
 * - The signed message is kept both as a typed struct and as the raw bytes the client sent,
 *   because signature recovery must run over exactly what the client signed.
 * - Amounts stay decimal strings until they are converted to contract base units.
 */

package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MintMessage is the payload the claimant signs.
type MintMessage struct {
	Address       string `json:"address"`
	PublisherName string `json:"publisherName"`
	Amount        string `json:"amount"`
	Nonce         string `json:"nonce"`
}

// MintRequest is a parsed mint request body.
type MintRequest struct {
	Message   MintMessage
	Signature string
	// RawMessage holds the message object exactly as received.
	RawMessage json.RawMessage
}

type mintRequestEnvelope struct {
	Message   json.RawMessage `json:"message"`
	Signature string          `json:"signature"`
}

// ParseMintRequest decodes a request body into a MintRequest. It only checks the structure of
// the body; field-level validation happens in the pipeline.
func ParseMintRequest(body []byte) (*MintRequest, error) {
	var envelope mintRequestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &MintError{Kind: KindInvalidRequest, Message: "Invalid request body", Err: err}
	}
	raw := bytes.TrimSpace(envelope.Message)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || strings.TrimSpace(envelope.Signature) == "" {
		return nil, &MintError{Kind: KindInvalidRequest, Message: "missing params"}
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var message MintMessage
	if err := decoder.Decode(&message); err != nil {
		return nil, &MintError{Kind: KindInvalidRequest, Field: "message", Message: "Invalid request body", Err: err}
	}

	return &MintRequest{
		Message:    message,
		Signature:  strings.TrimSpace(envelope.Signature),
		RawMessage: append(json.RawMessage(nil), raw...),
	}, nil
}

// SigningPayload returns the bytes the claimant signed: the message object serialized
// compactly with its original key order.
func (r *MintRequest) SigningPayload() ([]byte, error) {
	if len(r.RawMessage) > 0 {
		var out bytes.Buffer
		if err := json.Compact(&out, r.RawMessage); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	return r.Message.CanonicalJSON()
}

// CanonicalJSON serializes the message in declaration order without HTML escaping.
func (m MintMessage) CanonicalJSON() ([]byte, error) {
	var out bytes.Buffer
	encoder := json.NewEncoder(&out)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(out.Bytes(), "\n"), nil
}

// Device is a row of the device registry.
type Device struct {
	ID            int64
	PublisherName string
	Initialized   bool
}

// NonceRecord is the live challenge for a claimant address.
type NonceRecord struct {
	PublicAddress string
	Nonce         string
}

// Mint journal statuses.
const (
	MintStatusPending              = "pending"
	MintStatusReconciled           = "reconciled"
	MintStatusMintFailed           = "mint_failed"
	MintStatusMintAmbiguous        = "mint_ambiguous"
	MintStatusReconciliationFailed = "reconciliation_failed"
)

var ErrUnknownMintStatus = errors.New("unknown mint status")

// ParseMintStatus normalizes an operator-supplied status filter.
func ParseMintStatus(raw string) (string, error) {
	status := strings.ToLower(strings.TrimSpace(raw))
	switch status {
	case MintStatusPending, MintStatusReconciled, MintStatusMintFailed, MintStatusMintAmbiguous, MintStatusReconciliationFailed:
		return status, nil
	default:
		return "", ErrUnknownMintStatus
	}
}

// MintRecord is the journal entry kept for every mint that reaches the ledger stage.
// This struct maps directly to the `t_mint_records` table.
type MintRecord struct {
	ID            uuid.UUID       `json:"id"`
	OwnerAddress  string          `json:"owner_address"`
	PublisherName string          `json:"publisher_name"`
	Amount        decimal.Decimal `json:"amount"`
	BaseUnits     string          `json:"base_units"`
	TxHash        *string         `json:"tx_hash,omitempty"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MintResult is returned for a completed request.
type MintResult struct {
	RecordID uuid.UUID
	TxHash   string
}

// MintEvent is published on the events exchange for completed, ambiguous and
// unreconciled mints.
type MintEvent struct {
	RecordID      uuid.UUID `json:"record_id"`
	OwnerAddress  string    `json:"owner_address"`
	PublisherName string    `json:"publisher_name"`
	Amount        string    `json:"amount"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ReconcileSweepResult summarizes one repair pass over the mint journal.
type ReconcileSweepResult struct {
	Processed    int `json:"processed"`
	Reconciled   int `json:"reconciled"`
	MarkedFailed int `json:"marked_failed"`
	StillPending int `json:"still_pending"`
	RepairFailed int `json:"repair_failed"`
}
