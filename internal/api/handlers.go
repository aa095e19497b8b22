/**
 * @description
 * This file contains the HTTP handlers for the mint-service. Handlers parse the request,
 * call the application layer and map its typed errors onto the response.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/app"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/internal/store"
)

const maxMintBodyBytes = 64 << 10

// MintProcessor runs the mint pipeline.
type MintProcessor interface {
	ProcessMint(ctx context.Context, req *domain.MintRequest) (*domain.MintResult, error)
}

// JournalRepairer exposes the mint journal repair operations.
type JournalRepairer interface {
	Repair(ctx context.Context, recordID uuid.UUID, txHash string) (app.RepairOutcome, error)
	Sweep(ctx context.Context) (domain.ReconcileSweepResult, error)
	ListRecords(ctx context.Context, status string, limit int) ([]domain.MintRecord, error)
}

// MintHandlers holds the services the handlers use.
type MintHandlers struct {
	mints    MintProcessor
	repairer JournalRepairer
}

func NewMintHandlers(mints MintProcessor, repairer JournalRepairer) *MintHandlers {
	return &MintHandlers{mints: mints, repairer: repairer}
}

type errorResponse struct {
	Error  string `json:"error"`
	TxHash string `json:"tx_hash,omitempty"`
}

// MintHandler answers 200 {} on success and 400 {"error": ...} on any pipeline failure.
func (h *MintHandlers) MintHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMintBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := domain.ParseMintRequest(body)
	if err != nil {
		h.writeMintError(w, err)
		return
	}

	if _, err := h.mints.ProcessMint(r.Context(), req); err != nil {
		h.writeMintError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *MintHandlers) writeMintError(w http.ResponseWriter, err error) {
	var mintErr *domain.MintError
	if !errors.As(err, &mintErr) {
		log.Printf("level=error component=api msg=\"untyped mint failure\" err=%v", err)
		writeError(w, http.StatusBadRequest, "Internal error")
		return
	}

	status := http.StatusBadRequest
	if mintErr.Kind == domain.KindRateLimited {
		status = http.StatusTooManyRequests
	}

	resp := errorResponse{Error: mintErr.ClientMessage()}
	// Only post-broadcast failures carry a hash the caller can look up.
	if !domain.IsPreMint(mintErr.Kind) {
		resp.TxHash = mintErr.TxHash
	}
	writeJSON(w, status, resp)
}

// ListMintRecordsHandler lists journal records by status (default reconciliation_failed).
func (h *MintHandlers) ListMintRecordsHandler(w http.ResponseWriter, r *http.Request) {
	rawStatus := r.URL.Query().Get("status")
	if strings.TrimSpace(rawStatus) == "" {
		rawStatus = domain.MintStatusReconciliationFailed
	}
	status, err := domain.ParseMintStatus(rawStatus)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	limit := 0
	if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}

	records, err := h.repairer.ListRecords(r.Context(), status, limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"list mint records failed\" status=%s err=%v", status, err)
		writeError(w, http.StatusInternalServerError, "Failed to list mint records")
		return
	}
	if records == nil {
		records = []domain.MintRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

type reconcileRequest struct {
	TxHash string `json:"tx_hash"`
}

// ReconcileMintRecordHandler repairs one record after checking its receipt on the ledger.
func (h *MintHandlers) ReconcileMintRecordHandler(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mint record id")
		return
	}

	var body reconcileRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	operator, _ := OperatorFromContext(r.Context())
	outcome, err := h.repairer.Repair(r.Context(), recordID, strings.TrimSpace(body.TxHash))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrMintRecordNotFound):
			writeError(w, http.StatusNotFound, "Mint record not found")
		case app.IsPermanentRepairError(err), errors.Is(err, app.ErrMintInFlight):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api msg=\"operator repair failed\" record_id=%s operator=%s err=%v", recordID, operator, err)
			writeError(w, http.StatusBadGateway, "Repair failed; retry later")
		}
		return
	}

	log.Printf("level=info component=api msg=\"operator repair\" record_id=%s operator=%s outcome=%s", recordID, operator, outcome)
	writeJSON(w, http.StatusOK, map[string]string{"record_id": recordID.String(), "outcome": string(outcome)})
}

// SweepHandler runs one reconciliation sweep synchronously.
func (h *MintHandlers) SweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.repairer.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, app.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("level=error component=api msg=\"operator sweep failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
