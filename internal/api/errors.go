package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/payout"
	"github.com/atmx/settlement-engine/internal/quote"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// errorBody is the JSON shape of every error response. Code is set for
// quote failures.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	slog.Error("store read failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

// writeDomainError maps engine errors onto HTTP statuses: input errors are
// 400, missing rows 404, state conflicts 409.
func writeDomainError(w http.ResponseWriter, err error) {
	if code := quote.Code(err); code != "" {
		writeJSON(w, quoteStatus[code], errorBody{Error: err.Error(), Code: code})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrLockMismatch),
		errors.Is(err, settlement.ErrUnknownOption),
		errors.Is(err, payout.ErrInvalidFees):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrLockNotFound),
		errors.Is(err, settlement.ErrMarketNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrLockAlreadyFinalized),
		errors.Is(err, escrow.ErrLockExpired),
		errors.Is(err, escrow.ErrDuplicateReference),
		errors.Is(err, settlement.ErrMarketNotClosed),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrLockNotPending),
		errors.Is(err, settlement.ErrWinnerMismatch),
		errors.Is(err, store.ErrLockHeld):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

var quoteStatus = map[string]int{
	quote.CodeInvalidAmount:       http.StatusBadRequest,
	quote.CodeMarketNotFound:      http.StatusNotFound,
	quote.CodeOptionNotFound:      http.StatusNotFound,
	quote.CodeMarketNotOpen:       http.StatusConflict,
	quote.CodeMarketClosed:        http.StatusConflict,
	quote.CodeConflictingPosition: http.StatusConflict,
}
