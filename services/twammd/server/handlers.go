package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"twamm/crypto"
	nativecommon "twamm/native/common"
	"twamm/native/twamm"
	"twamm/services/twammd/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 16
)

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps module errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, twamm.ErrAmountTooSmall),
		errors.Is(err, twamm.ErrInvalidDuration),
		errors.Is(err, twamm.ErrInsufficientIncentive),
		errors.Is(err, twamm.ErrInvalidDirection),
		errors.Is(err, twamm.ErrRateTooSmall),
		errors.Is(err, twamm.ErrInvalidPoolID),
		errors.Is(err, twamm.ErrInvalidOwner),
		errors.Is(err, twamm.ErrRateTooLarge),
		errors.Is(err, crypto.ErrInvalidAddress),
		errors.Is(err, crypto.ErrUnknownPrefix),
		errors.Is(err, storage.ErrInsufficientBalance):
		status = http.StatusBadRequest
	case errors.Is(err, twamm.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, twamm.ErrOrderNotFound),
		errors.Is(err, twamm.ErrPoolNotInitialized),
		errors.Is(err, storage.ErrReserveNotFound):
		status = http.StatusNotFound
	case errors.Is(err, twamm.ErrOrderNotActive),
		errors.Is(err, twamm.ErrAlreadyInitialized),
		errors.Is(err, twamm.ErrNoPayoutPending),
		errors.Is(err, twamm.ErrPoolFull),
		errors.Is(err, twamm.ErrSettlementInProgress):
		status = http.StatusConflict
	case errors.Is(err, nativecommon.ErrQuotaOrdersExceeded),
		errors.Is(err, nativecommon.ErrQuotaVolumeExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	}
	writeErrorMessage(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func callerFrom(r *http.Request) (crypto.Address, error) {
	if owner, ok := ownerFromContext(r.Context()); ok {
		return owner, nil
	}
	raw := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if raw == "" {
		return crypto.Address{}, fmt.Errorf("%w: %s header required", errBadRequest, OwnerHeader)
	}
	return crypto.ParseTrader(raw)
}

func orderIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid order id", errBadRequest)
	}
	return id, nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: invalid limit", errBadRequest)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func parseAmount(raw, field string) (*uint256.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s", errBadRequest, field)
	}
	return value, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newParamsView(s.coord.Params()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatisticsView(s.coord.Statistics()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid after", errBadRequest))
			return
		}
		after = parsed
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"latest": s.events.Latest(),
		"events": s.events.Since(after, limit),
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools := s.coord.Pools()
	out := make([]poolView, 0, len(pools))
	for _, pool := range pools {
		out = append(out, newPoolView(pool))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.coord.Pool(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

func (s *Server) handlePoolOrders(w http.ResponseWriter, r *http.Request) {
	var direction *twamm.Direction
	if raw := r.URL.Query().Get("direction"); raw != "" {
		parsed, err := twamm.ParseDirection(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		direction = &parsed
	}
	orders, err := s.coord.ActiveOrders(chi.URLParam(r, "pool"), direction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderViews(orders))
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "pool")
	if _, err := s.coord.Pool(poolID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionView(s.coord.ExecutionState(poolID)))
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "pool")
	cost, err := s.coord.EstimateCost(poolID)
	if err != nil {
		writeError(w, err)
		return
	}
	sizeA, sizeB, err := s.coord.OptimalExecutionSize(r.Context(), poolID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":         poolID,
		"needs_execution": s.coord.NeedsExecution(poolID),
		"estimated_cost":  cost,
		"max_cost":        s.coord.Params().MaxSettlementCost,
		"optimal_size_a":  sizeA.Dec(),
		"optimal_size_b":  sizeB.Dec(),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	direction, err := twamm.ParseDirection(query.Get("direction"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(query.Get("amount"), "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	duration, err := strconv.ParseUint(query.Get("duration"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid duration", errBadRequest))
		return
	}
	quote, err := s.coord.Quote(r.Context(), chi.URLParam(r, "pool"), direction, amount, duration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sell_rate":      quote.SellRate.Dec(),
		"expected_out":   quote.ExpectedOut.Dec(),
		"impact_bps":     quote.ImpactBps,
		"quality":        quote.Quality,
		"optimal_rate":   quote.OptimalRate.Dec(),
		"soft_cap":       quote.SoftCap.Dec(),
		"scenarios":      newScenarioViews(quote.Scenarios),
		"mev_protection": quote.MEVProtection,
	})
}

func (s *Server) handleTWAP(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "pool")
	if _, err := s.coord.Pool(poolID); err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	prices, weights, err := s.store.SettlementPrices(r.Context(), poolID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(prices) == 0 {
		writeErrorMessage(w, http.StatusNotFound, "no settlements recorded")
		return
	}
	twap, err := twamm.TWAP(prices, weights)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":     poolID,
		"twap":        twap.Dec(),
		"precision":   twamm.Precision().Dec(),
		"settlements": len(prices),
	})
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.store.Settlements(r.Context(), chi.URLParam(r, "pool"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementViews(rows))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.coord.ExecutePendingOrders(r.Context(), caller, chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Success {
		if err := s.store.RecordSettlement(r.Context(), caller.String(), res); err != nil {
			s.logger.Printf("twammd: record settlement for %s: %v", res.PoolID, err)
		}
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

type submitRequest struct {
	PoolID        string `json:"pool_id"`
	Direction     string `json:"direction"`
	Amount        string `json:"amount"`
	DurationTicks uint64 `json:"duration_ticks"`
	Incentive     string `json:"incentive"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	direction, err := twamm.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	incentive := new(uint256.Int)
	if req.Incentive != "" {
		if incentive, err = parseAmount(req.Incentive, "incentive"); err != nil {
			writeError(w, err)
			return
		}
	}
	order, err := s.coord.SubmitOrder(r.Context(), caller, twamm.SubmitRequest{
		PoolID:        req.PoolID,
		Amount:        amount,
		Direction:     direction,
		DurationTicks: req.DurationTicks,
		Incentive:     incentive,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderView(order))
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := s.coord.Order(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) handleExecutable(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := s.coord.Order(id)
	if err != nil {
		writeError(w, err)
		return
	}
	executable, err := s.coord.ExecutableAmount(id)
	if err != nil {
		writeError(w, err)
		return
	}
	progress, err := s.coord.Progress(order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   id,
		"executable": executable.Dec(),
		"progress":   progress.Dec(),
		"precision":  twamm.Precision().Dec(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.coord.CancelOrder(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":     newOrderView(receipt.Order),
		"refund":    receipt.Refund.Dec(),
		"forfeited": receipt.Forfeited.Dec(),
		"proceeds":  receipt.Proceeds.Dec(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.coord.EmergencyWithdraw(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":    newOrderView(receipt.Order),
		"refund":   receipt.Refund.Dec(),
		"penalty":  receipt.Penalty.Dec(),
		"proceeds": receipt.Proceeds.Dec(),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.coord.ClaimOrder(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":    newOrderView(receipt.Order),
		"refund":   receipt.Refund.Dec(),
		"proceeds": receipt.Proceeds.Dec(),
	})
}

func (s *Server) handleAccountOrders(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.ParseTrader(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderViews(s.coord.OrdersByOwner(owner)))
}

func (s *Server) handleAccountBalances(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.ParseTrader(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	balances, err := s.store.Balances(r.Context(), owner.String())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]string, len(balances))
	for asset, amount := range balances {
		out[asset] = amount.Dec()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var body paramsView
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	next, err := body.apply(s.coord.Params())
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.coord.UpdateParams(next); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	s.logger.Printf("twammd: params updated")
	writeJSON(w, http.StatusOK, newParamsView(s.coord.Params()))
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		module = "twamm"
	}
	s.pauses.Set(module, req.Paused)
	s.logger.Printf("twammd: module %s paused=%t", module, req.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": s.pauses.IsPaused(module)})
}

type creditRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	owner, err := crypto.ParseTrader(req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Asset) == "" {
		writeError(w, fmt.Errorf("%w: asset required", errBadRequest))
		return
	}
	if err := s.store.Credit(r.Context(), owner.String(), req.Asset, amount); err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.store.Balance(r.Context(), owner.String(), req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": owner.String(),
		"asset":   strings.ToUpper(strings.TrimSpace(req.Asset)),
		"balance": balance.Dec(),
	})
}

type createPoolRequest struct {
	ID       string `json:"id"`
	AssetA   string `json:"asset_a"`
	AssetB   string `json:"asset_b"`
	ReserveA string `json:"reserve_a"`
	ReserveB string `json:"reserve_b"`
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	if s.venue == nil {
		writeErrorMessage(w, http.StatusNotImplemented, "venue does not accept new pools")
		return
	}
	var req createPoolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	assetA := strings.ToUpper(strings.TrimSpace(req.AssetA))
	assetB := strings.ToUpper(strings.TrimSpace(req.AssetB))
	if assetA == "" || assetB == "" || assetA == assetB {
		writeError(w, fmt.Errorf("%w: two distinct assets required", errBadRequest))
		return
	}
	reserveA, err := parseAmount(req.ReserveA, "reserve_a")
	if err != nil {
		writeError(w, err)
		return
	}
	reserveB, err := parseAmount(req.ReserveB, "reserve_b")
	if err != nil {
		writeError(w, err)
		return
	}
	if reserveA.IsZero() || reserveB.IsZero() {
		writeError(w, fmt.Errorf("%w: reserves must be positive", errBadRequest))
		return
	}
	if err := s.coord.InitializePool(req.ID, assetA, assetB); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.venue.Seed(r.Context(), req.ID, assetA, assetB, reserveA, reserveB); err != nil {
		writeError(w, err)
		return
	}
	pool, err := s.coord.Pool(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPoolView(pool))
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.coord.ResetStatistics()
	writeJSON(w, http.StatusOK, newStatisticsView(s.coord.Statistics()))
}

func (s *Server) handleExportSettlements(w http.ResponseWriter, r *http.Request) {
	pool, err := s.coord.Pool(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if r.URL.Query().Get("limit") != "" {
		if limit, err = limitParam(r); err != nil {
			writeError(w, err)
			return
		}
	}
	var buf bytes.Buffer
	rows, err := s.store.ExportSettlements(r.Context(), &buf, pool.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("twammd: exported %d settlements for %s", rows, pool.ID)
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pool.ID+"-settlements.parquet"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
