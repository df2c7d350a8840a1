package server

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/periphery"

	"github.com/google/uuid"
)

// compositeRequest carries the union of composite operation fields.
// Amounts are decimal strings; which ones apply depends on the operation.
type compositeRequest struct {
	VaultID              uint64 `json:"vault_id"`
	TokenID              uint64 `json:"token_id"`
	MintAmount           string `json:"mint_amount"`
	CollateralAmount     string `json:"collateral_amount"`
	LongToSell           string `json:"long_to_sell"`
	MinToReceive         string `json:"min_to_receive"`
	BurnAmount           string `json:"burn_amount"`
	BuyAmount            string `json:"buy_amount"`
	CollateralToWithdraw string `json:"collateral_to_withdraw"`
	MaxToPay             string `json:"max_to_pay"`
	CollateralToDeposit  string `json:"collateral_to_deposit"`
	CollateralToLp       string `json:"collateral_to_lp"`
	Attach               bool   `json:"attach"`
	Liquidity            string `json:"liquidity"`
	LiquidityPercentage  string `json:"liquidity_percentage"`
	OSQTHDesired         string `json:"osqth_desired"`
	ETHDesired           string `json:"eth_desired"`
	LimitPrice           string `json:"limit_price"`
	Amount0Min           string `json:"amount0_min"`
	Amount1Min           string `json:"amount1_min"`
}

type operationResponse struct {
	OperationID string `json:"operation_id"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	VaultID     uint64 `json:"vault_id,omitempty"`
	TokenID     uint64 `json:"token_id,omitempty"`
	NetETH      string `json:"net_eth"`
	NetOSQTH    string `json:"net_osqth"`
}

// wadReader parses request amounts and keeps the first error.
type wadReader struct{ err error }

// opt returns nil for an empty field so callers keep their defaults.
func (wr *wadReader) opt(field, s string) *big.Int {
	if wr.err != nil || s == "" {
		return nil
	}
	v, err := optWad(field, s)
	if err != nil {
		wr.err = err
		return nil
	}
	return v
}

func (wr *wadReader) req(field, s string) *big.Int {
	if wr.err != nil {
		return nil
	}
	v, err := reqWad(field, s)
	if err != nil {
		wr.err = err
		return nil
	}
	return v
}

type compositeFunc func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error)

var composites = map[string]compositeFunc{
	"flashswap_sell_long_w_mint": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.SellLongWMintParams{
			VaultID:          req.VaultID,
			MintAmount:       wr.opt("mint_amount", req.MintAmount),
			CollateralAmount: wr.opt("collateral_amount", req.CollateralAmount),
			LongToSell:       wr.opt("long_to_sell", req.LongToSell),
			MinToReceive:     wr.opt("min_to_receive", req.MinToReceive),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.FlashswapSellLongWMint(ctx, caller, key, p)
	},
	"flashswap_w_burn_buy_long": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.BurnBuyLongParams{
			VaultID:              req.VaultID,
			BurnAmount:           wr.opt("burn_amount", req.BurnAmount),
			BuyAmount:            wr.opt("buy_amount", req.BuyAmount),
			CollateralToWithdraw: wr.opt("collateral_to_withdraw", req.CollateralToWithdraw),
			MaxToPay:             wr.opt("max_to_pay", req.MaxToPay),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.FlashswapWBurnBuyLong(ctx, caller, key, p)
	},
	"open_short": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.OpenShortParams{
			VaultID:          req.VaultID,
			MintAmount:       wr.req("mint_amount", req.MintAmount),
			CollateralAmount: wr.opt("collateral_amount", req.CollateralAmount),
			MinToReceive:     wr.opt("min_to_receive", req.MinToReceive),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.OpenShort(ctx, caller, key, p)
	},
	"close_short": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.CloseShortParams{
			VaultID:              req.VaultID,
			BurnAmount:           wr.req("burn_amount", req.BurnAmount),
			CollateralToWithdraw: wr.opt("collateral_to_withdraw", req.CollateralToWithdraw),
			MaxToPay:             wr.opt("max_to_pay", req.MaxToPay),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.CloseShort(ctx, caller, key, p)
	},
	"batch_mint_lp": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.BatchMintLpParams{
			VaultID:             req.VaultID,
			MintAmount:          wr.req("mint_amount", req.MintAmount),
			CollateralToDeposit: wr.opt("collateral_to_deposit", req.CollateralToDeposit),
			CollateralToLp:      wr.req("collateral_to_lp", req.CollateralToLp),
			Amount0Min:          wr.opt("amount0_min", req.Amount0Min),
			Amount1Min:          wr.opt("amount1_min", req.Amount1Min),
			Attach:              req.Attach,
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.BatchMintLp(ctx, caller, key, p)
	},
	"rebalance_without_vault": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.RebalanceParams{
			TokenID:      req.TokenID,
			Liquidity:    wr.opt("liquidity", req.Liquidity),
			OSQTHDesired: wr.req("osqth_desired", req.OSQTHDesired),
			ETHDesired:   wr.req("eth_desired", req.ETHDesired),
			LimitPrice:   wr.opt("limit_price", req.LimitPrice),
			Amount0Min:   wr.opt("amount0_min", req.Amount0Min),
			Amount1Min:   wr.opt("amount1_min", req.Amount1Min),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.RebalanceWithoutVault(ctx, caller, key, p)
	},
	"close_short_with_user_nft": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.CloseWithNftParams{
			VaultID:              req.VaultID,
			TokenID:              req.TokenID,
			LiquidityPercentage:  wr.opt("liquidity_percentage", req.LiquidityPercentage),
			BurnAmount:           wr.req("burn_amount", req.BurnAmount),
			CollateralToWithdraw: wr.opt("collateral_to_withdraw", req.CollateralToWithdraw),
			LimitPrice:           wr.opt("limit_price", req.LimitPrice),
			Amount0Min:           wr.opt("amount0_min", req.Amount0Min),
			Amount1Min:           wr.opt("amount1_min", req.Amount1Min),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.CloseShortWithUserNft(ctx, caller, key, p)
	},
	"sell_all": func(ctx context.Context, c Composer, caller uuid.UUID, key string, req *compositeRequest) (*periphery.Operation, error) {
		var wr wadReader
		p := periphery.SellAllParams{
			TokenID:    req.TokenID,
			Liquidity:  wr.opt("liquidity", req.Liquidity),
			LimitPrice: wr.opt("limit_price", req.LimitPrice),
			Amount0Min: wr.opt("amount0_min", req.Amount0Min),
			Amount1Min: wr.opt("amount1_min", req.Amount1Min),
		}
		if wr.err != nil {
			return nil, wr.err
		}
		return c.SellAll(ctx, caller, key, p)
	},
}

func (a *API) composite(w http.ResponseWriter, r *http.Request, p map[string]string) {
	if a.deps.Periphery == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "periphery disabled", Code: "Unimplemented"})
		return
	}
	fn, ok := composites[p["operation"]]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: fmt.Sprintf("unknown operation %q", p["operation"]),
			Code:  "NotFound",
		})
		return
	}
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req compositeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	op, err := fn(r.Context(), a.deps.Periphery, caller, key, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{
		OperationID: op.ID.String(),
		Kind:        op.Kind.String(),
		State:       op.State.String(),
		VaultID:     op.VaultID,
		TokenID:     op.TokenID,
		NetETH:      fpmath.FormatWad(op.NetETH),
		NetOSQTH:    fpmath.FormatWad(op.NetOSQTH),
	})
}
