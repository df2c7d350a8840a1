package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ingestion"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/periphery"
	"PowerPerp/internal/projection"
	"PowerPerp/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const (
	identityHeader    = "X-Identity"
	idempotencyHeader = "Idempotency-Key"
)

// Engine is the controller surface the API drives.
type Engine interface {
	Atomic(ctx context.Context, op, idempotencyKey string, fn func(*core.Session) error) error
	Poke(ctx context.Context) error
	ExpectedNormalizationFactor(ctx context.Context) (*big.Int, error)
	WalletBalance(owner uuid.UUID, asset ledger.AssetID) *big.Int
}

// Composer runs composite operations.
type Composer interface {
	FlashswapSellLongWMint(ctx context.Context, caller uuid.UUID, key string, p periphery.SellLongWMintParams) (*periphery.Operation, error)
	FlashswapWBurnBuyLong(ctx context.Context, caller uuid.UUID, key string, p periphery.BurnBuyLongParams) (*periphery.Operation, error)
	OpenShort(ctx context.Context, caller uuid.UUID, key string, p periphery.OpenShortParams) (*periphery.Operation, error)
	CloseShort(ctx context.Context, caller uuid.UUID, key string, p periphery.CloseShortParams) (*periphery.Operation, error)
	BatchMintLp(ctx context.Context, caller uuid.UUID, key string, p periphery.BatchMintLpParams) (*periphery.Operation, error)
	RebalanceWithoutVault(ctx context.Context, caller uuid.UUID, key string, p periphery.RebalanceParams) (*periphery.Operation, error)
	CloseShortWithUserNft(ctx context.Context, caller uuid.UUID, key string, p periphery.CloseWithNftParams) (*periphery.Operation, error)
	SellAll(ctx context.Context, caller uuid.UUID, key string, p periphery.SellAllParams) (*periphery.Operation, error)
}

// Deps holds what the API handlers need. Nil members disable their routes'
// behaviour with a 501.
type Deps struct {
	Engine        Engine
	Periphery     Composer
	Query         *query.QueryService
	Ingest        *ingestion.AdminIngestService
	DB            *sql.DB
	Snapshot      func(ctx context.Context) (int64, error)
	HealthChecker *observability.HealthChecker
	Logger        *zerolog.Logger
}

// API binds HTTP routes to the controller, the periphery and the query
// service.
type API struct {
	deps   *Deps
	logger zerolog.Logger
}

func NewAPI(deps *Deps) *API {
	logger := observability.NewLogger("api")
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &API{deps: deps, logger: logger}
}

// Register adds every route to mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	q := requires(a.deps.Query != nil, "query service disabled")
	e := requires(a.deps.Engine != nil, "engine disabled")
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		// reads
		{"GET", "/v1/vaults/{id}", q(a.getVault)},
		{"GET", "/v1/vaults/{id}/stored", q(a.getStoredVault)},
		{"GET", "/v1/owners/{owner}/vaults", q(a.listVaults)},
		{"GET", "/v1/liquidatable", q(a.liquidatable)},
		{"GET", "/v1/funding", q(a.funding)},
		{"GET", "/v1/normalization/expected", e(a.expectedFactor)},
		{"GET", "/v1/normalization/history", q(a.normalizationHistory)},
		{"GET", "/v1/vaults/{id}/liquidations", q(a.liquidations)},
		{"GET", "/v1/wallets/{owner}/balances/{asset}", q(a.balance)},
		{"GET", "/v1/wallets/{owner}/live/{asset}", e(a.liveBalance)},
		{"GET", "/v1/wallets/{owner}/journals", q(a.journals)},

		// vault ledger
		{"POST", "/v1/vaults", e(a.openOrAdjust)},
		{"POST", "/v1/vaults/{id}/deposit", e(a.deposit)},
		{"POST", "/v1/vaults/{id}/withdraw", e(a.withdraw)},
		{"POST", "/v1/vaults/{id}/burn", e(a.burnAndWithdraw)},
		{"POST", "/v1/vaults/{id}/operator", e(a.updateOperator)},
		{"POST", "/v1/vaults/{id}/transfer", e(a.transferVault)},
		{"POST", "/v1/vaults/{id}/liquidate", e(a.liquidate)},
		{"POST", "/v1/vaults/{id}/lp", e(a.depositLP)},
		{"DELETE", "/v1/vaults/{id}/lp", e(a.withdrawLP)},
		{"POST", "/v1/normalization/poke", e(a.poke)},

		// composite operations
		{"POST", "/v1/periphery/{operation}", a.composite},

		// admin
		{"POST", "/v1/admin/prices", a.injectPrice},
		{"POST", "/v1/admin/deposits", a.injectDeposit},
		{"POST", "/v1/admin/withdrawals", a.injectWithdrawal},
		{"POST", "/v1/admin/snapshot", a.snapshot},
		{"POST", "/v1/admin/projections/rebuild", a.rebuildProjections},
		{"GET", "/v1/admin/integrity", q(a.integrity)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// requires answers 501 in place of h when the dependency is absent.
func requires(present bool, reason string) func(runtime.HandlerFunc) runtime.HandlerFunc {
	return func(h runtime.HandlerFunc) runtime.HandlerFunc {
		if present {
			return h
		}
		return func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
			writeJSON(w, http.StatusNotImplemented, errorBody{Error: reason, Code: "Unimplemented"})
		}
	}
}

// --- reads ---

func (a *API) getVault(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetVault(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getStoredVault(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetStoredVault(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listVaults(w http.ResponseWriter, r *http.Request, p map[string]string) {
	owner, err := uuidParam(p, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.ListVaultsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": resp})
}

func (a *API) liquidatable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ids, err := a.deps.Query.LiquidatableVaults(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vault_ids": ids})
}

func (a *API) funding(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	recent, err := intQuery(r, "recent", 10, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetFunding(r.Context(), recent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) expectedFactor(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	f, err := a.deps.Engine.ExpectedNormalizationFactor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"factor": fpmath.FormatWad(f)})
}

func (a *API) normalizationHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intQuery(r, "limit", 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := beforeQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetNormalizationHistory(r.Context(), limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

func (a *API) liquidations(w http.ResponseWriter, r *http.Request, p map[string]string) {
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intQuery(r, "limit", 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetLiquidations(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": resp})
}

func (a *API) balance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	owner, err := uuidParam(p, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetBalance(r.Context(), owner, p["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) liveBalance(w http.ResponseWriter, _ *http.Request, p map[string]string) {
	owner, err := uuidParam(p, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	asset, ok := ledger.GetAssetID(p["asset"])
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", core.ErrUnknownAsset, p["asset"]))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner.String(),
		"asset":   p["asset"],
		"balance": fpmath.FormatWad(a.deps.Engine.WalletBalance(owner, asset)),
	})
}

func (a *API) journals(w http.ResponseWriter, r *http.Request, p map[string]string) {
	owner, err := uuidParam(p, "owner")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intQuery(r, "limit", 100, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := beforeQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.deps.Query.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"journals": resp})
}

// --- vault ledger ---

type openOrAdjustRequest struct {
	VaultID    uint64 `json:"vault_id"`
	MintAmount string `json:"mint_amount"`
	DebtAmount string `json:"debt_amount"`
	Collateral string `json:"collateral"`
}

func (a *API) openOrAdjust(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req openOrAdjustRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MintAmount != "" && req.DebtAmount != "" {
		writeError(w, fmt.Errorf("%w: set mint_amount or debt_amount, not both", errBadRequest))
		return
	}
	mint, err := optWad("mint_amount", req.MintAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	debt, err := optWad("debt_amount", req.DebtAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	collateral, err := optWad("collateral", req.Collateral)
	if err != nil {
		writeError(w, err)
		return
	}

	var id uint64
	err = a.deps.Engine.Atomic(r.Context(), "open_or_adjust", key, func(s *core.Session) error {
		var err error
		if req.DebtAmount != "" {
			id, err = s.OpenOrAdjustWithDebt(caller, req.VaultID, debt, collateral)
		} else {
			id, err = s.OpenOrAdjust(caller, req.VaultID, mint, collateral)
		}
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id})
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, p map[string]string) {
	a.vaultAmountOp(w, r, p, "deposit", func(s *core.Session, caller uuid.UUID, id uint64, amount *big.Int) error {
		return s.Deposit(caller, id, amount)
	})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request, p map[string]string) {
	a.vaultAmountOp(w, r, p, "withdraw", func(s *core.Session, caller uuid.UUID, id uint64, amount *big.Int) error {
		return s.Withdraw(caller, id, amount)
	})
}

func (a *API) vaultAmountOp(w http.ResponseWriter, r *http.Request, p map[string]string, op string,
	fn func(s *core.Session, caller uuid.UUID, id uint64, amount *big.Int) error) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := reqWad("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	err = a.deps.Engine.Atomic(r.Context(), op, key, func(s *core.Session) error {
		return fn(s, caller, id, amount)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id})
}

type burnRequest struct {
	BurnAmount     string `json:"burn_amount"`
	WithdrawAmount string `json:"withdraw_amount"`
}

func (a *API) burnAndWithdraw(w http.ResponseWriter, r *http.Request, p map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req burnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	burn, err := optWad("burn_amount", req.BurnAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	withdraw, err := optWad("withdraw_amount", req.WithdrawAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	err = a.deps.Engine.Atomic(r.Context(), "burn_and_withdraw", key, func(s *core.Session) error {
		return s.BurnAndWithdraw(caller, id, burn, withdraw)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id})
}

type operatorRequest struct {
	Operator string `json:"operator"` // empty clears
}

func (a *API) updateOperator(w http.ResponseWriter, r *http.Request, p map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req operatorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	operator := uuid.Nil
	if req.Operator != "" {
		if operator, err = uuid.Parse(req.Operator); err != nil {
			writeError(w, fmt.Errorf("%w: operator: %v", errBadRequest, err))
			return
		}
	}
	err = a.deps.Engine.Atomic(r.Context(), "update_operator", key, func(s *core.Session) error {
		return s.UpdateOperator(caller, id, operator)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id})
}

type transferRequest struct {
	NewOwner string `json:"new_owner"`
}

func (a *API) transferVault(w http.ResponseWriter, r *http.Request, p map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	newOwner, err := uuid.Parse(req.NewOwner)
	if err != nil {
		writeError(w, fmt.Errorf("%w: new_owner: %v", errBadRequest, err))
		return
	}
	err = a.deps.Engine.Atomic(r.Context(), "transfer_vault", key, func(s *core.Session) error {
		return s.TransferVault(caller, id, newOwner)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vault_id": id, "owner": newOwner})
}

type liquidateRequest struct {
	DebtToRepay string `json:"debt_to_repay"`
}

type liquidationResponse struct {
	VaultID          uint64 `json:"vault_id"`
	Kind             string `json:"kind"`
	DebtRepaid       string `json:"debt_repaid"`
	CollateralSeized string `json:"collateral_seized"`
	LPRedeemed       bool   `json:"lp_redeemed"`
}

func (a *API) liquidate(w http.ResponseWriter, r *http.Request, p map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	debt, err := reqWad("debt_to_repay", req.DebtToRepay)
	if err != nil {
		writeError(w, err)
		return
	}
	var resp liquidationResponse
	err = a.deps.Engine.Atomic(r.Context(), "liquidate", key, func(s *core.Session) error {
		rec, err := s.Liquidate(caller, id, debt)
		if err != nil {
			return err
		}
		resp = liquidationResponse{
			VaultID:          rec.VaultID,
			Kind:             rec.Kind.String(),
			DebtRepaid:       fpmath.FormatWad(rec.DebtRepaid),
			CollateralSeized: fpmath.FormatWad(rec.CollateralSeized),
			LPRedeemed:       rec.LPRedeemed,
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type lpRequest struct {
	TokenID uint64 `json:"token_id"`
}

func (a *API) depositLP(w http.ResponseWriter, r *http.Request, p map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req lpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err = a.deps.Engine.Atomic(r.Context(), "deposit_lp", key, func(s *core.Session) error {
		return s.DepositLPPosition(caller, id, req.TokenID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id, "token_id": req.TokenID})
}

func (a *API) withdrawLP(w http.ResponseWriter, r *http.Request, p map[string]string) {
	caller, key, err := callerAndKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := vaultParam(p)
	if err != nil {
		writeError(w, err)
		return
	}
	err = a.deps.Engine.Atomic(r.Context(), "withdraw_lp", key, func(s *core.Session) error {
		return s.WithdrawLPPosition(caller, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id})
}

func (a *API) poke(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := a.deps.Engine.Poke(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- admin ---

type priceRequest struct {
	Pool          string `json:"pool"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
}

func (a *API) injectPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Ingest == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "admin ingest disabled", Code: "Unimplemented"})
		return
	}
	var req priceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	price, err := reqWad("price", req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Ingest.InjectPrice(r.Context(), req.Pool, price, req.PriceSequence); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type walletRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (a *API) injectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a.injectWallet(w, r, a.deps.Ingest.InjectDeposit)
}

func (a *API) injectWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a.injectWallet(w, r, a.deps.Ingest.InjectWithdrawal)
}

func (a *API) injectWallet(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, key string, user uuid.UUID, asset string, amount *big.Int) error) {
	if a.deps.Ingest == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "admin ingest disabled", Code: "Unimplemented"})
		return
	}
	var req walletRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, fmt.Errorf("%w: user_id: %v", errBadRequest, err))
		return
	}
	amount, err := reqWad("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(r.Context(), r.Header.Get(idempotencyHeader), user, req.Asset, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.Snapshot == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "snapshots disabled", Code: "Unimplemented"})
		return
	}
	seq, err := a.deps.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": seq})
}

func (a *API) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.deps.DB == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "no database", Code: "Unimplemented"})
		return
	}
	if err := projection.RebuildProjections(r.Context(), a.deps.DB); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info().Msg("projections rebuilt")
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (a *API) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// --- helpers ---

func callerAndKey(r *http.Request) (uuid.UUID, string, error) {
	raw := r.Header.Get(identityHeader)
	if raw == "" {
		return uuid.Nil, "", fmt.Errorf("%w: %s header is required", errBadRequest, identityHeader)
	}
	caller, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %s: %v", errBadRequest, identityHeader, err)
	}
	return caller, r.Header.Get(idempotencyHeader), nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", errBadRequest, err)
	}
	return nil
}

func vaultParam(p map[string]string) (uint64, error) {
	id, err := strconv.ParseUint(p["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: vault id %q", errBadRequest, p["id"])
	}
	return id, nil
}

func uuidParam(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return id, nil
}

func intQuery(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", errBadRequest, name, raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

func beforeQuery(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("before_sequence")
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: before_sequence=%q", errBadRequest, raw)
	}
	return &n, nil
}

// reqWad parses a required non-negative decimal amount.
func reqWad(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	return optWad(field, s)
}

// optWad parses an optional amount; empty is zero.
func optWad(field, s string) (*big.Int, error) {
	if s == "" {
		return fpmath.Zero(), nil
	}
	v, err := fpmath.ParseWad(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must not be negative", errBadRequest, field)
	}
	return v, nil
}
