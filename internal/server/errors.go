package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/periphery"
	"PowerPerp/internal/persistence"
	"PowerPerp/internal/pool"
	"PowerPerp/internal/state"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

var errBadRequest = errors.New("bad request")

// errorCode classifies an error the way the gRPC surface would report it.
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, state.ErrInvalidAmount),
		errors.Is(err, periphery.ErrInvalidAmount),
		errors.Is(err, core.ErrUnknownAsset),
		errors.Is(err, pool.ErrZeroAmount):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrVaultNotFound), errors.Is(err, persistence.ErrVaultNotFound):
		return codes.NotFound
	case errors.Is(err, state.ErrNotOwnerOrOperator), errors.Is(err, state.ErrNotOwner):
		return codes.PermissionDenied
	case errors.Is(err, core.ErrDuplicateRequest):
		return codes.AlreadyExists
	case errors.Is(err, oracle.ErrOracleUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, state.ErrUndercollateralized),
		errors.Is(err, state.ErrDustVault),
		errors.Is(err, state.ErrVaultSafe),
		errors.Is(err, state.ErrExceedsHalfDebt),
		errors.Is(err, state.ErrBurnExceedsDebt),
		errors.Is(err, state.ErrWithdrawExceeds),
		errors.Is(err, state.ErrLPPositionAttached),
		errors.Is(err, state.ErrNoLPPosition),
		errors.Is(err, periphery.ErrSlippageExceeded),
		errors.Is(err, pool.ErrInsufficientRepayment),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, oracle.ErrStaleOracle),
		errors.Is(err, core.ErrStalePrice),
		errors.Is(err, core.ErrWrongPool):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{
		Error:  err.Error(),
		Code:   code.String(),
		Reason: core.RejectReason(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
