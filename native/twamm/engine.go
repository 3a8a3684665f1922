package twamm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"twamm/core/events"
	"twamm/observability"
)

var ErrSlippageExceeded = errors.New("twamm engine: venue output below minimum")

// Venue is the external liquidity pair settlements trade against.
type Venue interface {
	Reserves(ctx context.Context, poolID string) (reserveA, reserveB *uint256.Int, err error)
	// Swap sells amountIn in the given direction and must fail rather than
	// return less than minOut.
	Swap(ctx context.Context, poolID string, direction Direction, amountIn, minOut *uint256.Int) (*uint256.Int, error)
}

// Reason classifies an unsuccessful settlement.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInProgress        Reason = "in_progress"
	ReasonTooSoon           Reason = "too_soon"
	ReasonPoolNotFound      Reason = "pool_not_initialized"
	ReasonCostBudget        Reason = "cost_budget_exceeded"
	ReasonExecutionTooLarge Reason = "execution_too_large"
	ReasonPriceImpact       Reason = "price_impact_too_high"
	ReasonMath              Reason = "math_error"
	ReasonVenue             Reason = "venue_error"
	ReasonCommit            Reason = "commit_error"
)

// Leg is the single net trade a settlement sends to the venue.
type Leg struct {
	Direction Direction
	AmountIn  *uint256.Int
	// Requested is the net amount before the reserve cap was applied.
	Requested *uint256.Int
	AmountOut *uint256.Int
	// MinOut is the closed-form output reduced by the slippage tolerance.
	MinOut    *uint256.Int
	ImpactBps uint64
}

// Fill is one order's share of a settlement.
type Fill struct {
	OrderID   uint64
	Direction Direction
	Executed  *uint256.Int
	Proceeds  *uint256.Int
}

// Result reports the outcome of one settlement attempt. Unsuccessful results
// leave every record untouched.
type Result struct {
	PoolID  string
	Success bool
	Reason  Reason
	Err     error
	// From and To bound the settled period.
	From    uint64
	To      uint64
	Partial bool
	Cost    uint64
	// ExposureA and ExposureB are the virtual sell amounts accrued over the period.
	ExposureA *uint256.Int
	ExposureB *uint256.Int
	Leg       *Leg
	ConsumedA *uint256.Int
	ConsumedB *uint256.Int
	// ProceedsA is asset B credited to SellA orders; ProceedsB is asset A
	// credited to SellB orders.
	ProceedsA *uint256.Int
	ProceedsB *uint256.Int
	Fills     []Fill
	// Completed lists orders retired because they were exhausted or expired.
	Completed []uint64
	Quality   uint64
}

func newResult(poolID string) *Result {
	return &Result{
		PoolID:    poolID,
		ExposureA: zero(),
		ExposureB: zero(),
		ConsumedA: zero(),
		ConsumedB: zero(),
		ProceedsA: zero(),
		ProceedsB: zero(),
	}
}

type settlementError struct {
	reason Reason
	err    error
}

func (e *settlementError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }

func (e *settlementError) Unwrap() error { return e.err }

func fail(reason Reason, err error) error { return &settlementError{reason: reason, err: err} }

type executionState struct {
	executing atomic.Bool

	mu                sync.Mutex
	volumeA           *uint256.Int
	volumeB           *uint256.Int
	lastExecutionTime uint64
	incentive         *uint256.Int
	executions        uint64
}

// Engine settles accumulated virtual order exposure against a venue.
type Engine struct {
	store   *Store
	venue   Venue
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.TWAMMMetrics
	tracer  trace.Tracer

	paramsMu sync.RWMutex
	params   Params

	execMu sync.Mutex
	exec   map[string]*executionState
}

// NewEngine wires an engine to its store and venue.
func NewEngine(store *Store, venue Venue, params Params) *Engine {
	return &Engine{
		store:   store,
		venue:   venue,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: observability.TWAMM(),
		tracer:  otel.Tracer("twamm/engine"),
		params:  params.Clone(),
		exec:    make(map[string]*executionState),
	}
}

// SetEmitter configures the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetLogger replaces the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetParams swaps the execution parameters used by subsequent settlements.
func (e *Engine) SetParams(params Params) {
	if e == nil {
		return
	}
	e.paramsMu.Lock()
	e.params = params.Clone()
	e.paramsMu.Unlock()
}

// Params returns a copy of the active parameters.
func (e *Engine) Params() Params {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params.Clone()
}

func (e *Engine) state(poolID string) *executionState {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	st, ok := e.exec[poolID]
	if !ok {
		st = &executionState{volumeA: zero(), volumeB: zero(), incentive: zero()}
		e.exec[poolID] = st
	}
	return st
}

// IsExecuting reports whether a settlement for the pool is in flight.
func (e *Engine) IsExecuting(poolID string) bool {
	e.execMu.Lock()
	st, ok := e.exec[normalizePoolID(poolID)]
	e.execMu.Unlock()
	return ok && st.executing.Load()
}

// AnyExecuting reports whether a settlement of any pool is in flight.
func (e *Engine) AnyExecuting() bool {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	for _, st := range e.exec {
		if st.executing.Load() {
			return true
		}
	}
	return false
}

// ExecutionState returns a snapshot of the pool's settlement bookkeeping.
func (e *Engine) ExecutionState(poolID string) ExecutionState {
	st := e.state(normalizePoolID(poolID))
	st.mu.Lock()
	defer st.mu.Unlock()
	return ExecutionState{
		Executing:            st.executing.Load(),
		CumulativeVolumeA:    cloneInt(st.volumeA),
		CumulativeVolumeB:    cloneInt(st.volumeB),
		LastExecutionTime:    st.lastExecutionTime,
		AccumulatedIncentive: cloneInt(st.incentive),
		Executions:           st.executions,
	}
}

// AddIncentive credits a deposit to the pool's trigger reward balance.
func (e *Engine) AddIncentive(poolID string, amount *uint256.Int) error {
	st := e.state(normalizePoolID(poolID))
	st.mu.Lock()
	defer st.mu.Unlock()
	sum, err := checkedAdd(st.incentive, amount)
	if err != nil {
		return err
	}
	st.incentive = sum
	return nil
}

// TakeIncentive withdraws up to limit from the pool's trigger reward balance
// and returns the amount taken.
func (e *Engine) TakeIncentive(poolID string, limit *uint256.Int) *uint256.Int {
	st := e.state(normalizePoolID(poolID))
	st.mu.Lock()
	defer st.mu.Unlock()
	taken := minInt(st.incentive, orZero(limit))
	st.incentive.Sub(st.incentive, taken)
	return taken
}

// RestoreIncentive returns an amount previously taken, e.g. after a failed payout.
func (e *Engine) RestoreIncentive(poolID string, amount *uint256.Int) {
	if err := e.AddIncentive(poolID, amount); err != nil {
		e.logger.Error("twamm: restore incentive", "pool", poolID, "error", err)
	}
}

// NeedsExecution reports whether settling the pool at now would do work.
func (e *Engine) NeedsExecution(poolID string, now uint64) bool {
	pool, err := e.store.Pool(poolID)
	if err != nil || pool.ActiveCount() == 0 {
		return false
	}
	if now <= pool.LastVirtualOrderTime {
		return false
	}
	return now-pool.LastVirtualOrderTime >= e.Params().MinIntervalTicks
}

// EstimateCost returns the estimated cost of settling the pool at now before
// any partial-period reduction.
func (e *Engine) EstimateCost(poolID string, now uint64) (uint64, error) {
	pool, err := e.store.Pool(poolID)
	if err != nil {
		return 0, err
	}
	var elapsed uint64
	if now > pool.LastVirtualOrderTime {
		elapsed = now - pool.LastVirtualOrderTime
	}
	return e.Params().Cost.Estimate(elapsed, pool.ActiveCount()), nil
}

// OptimalExecutionSize returns the soft-cap leg size for each direction given
// current reserves.
func (e *Engine) OptimalExecutionSize(ctx context.Context, poolID string) (sizeA, sizeB *uint256.Int, err error) {
	if _, err := e.store.Pool(poolID); err != nil {
		return nil, nil, err
	}
	resA, resB, err := e.venue.Reserves(ctx, normalizePoolID(poolID))
	if err != nil {
		return nil, nil, err
	}
	softCap := uint256.NewInt(e.Params().SoftCapBps)
	if sizeA, err = mulDiv(resA, softCap, bpsScale); err != nil {
		return nil, nil, err
	}
	if sizeB, err = mulDiv(resB, softCap, bpsScale); err != nil {
		return nil, nil, err
	}
	return sizeA, sizeB, nil
}

// Execute settles the pool's exposure up to now. It never returns an error:
// failures are reported through the result and leave state untouched.
func (e *Engine) Execute(ctx context.Context, poolID string, now uint64) *Result {
	poolID = normalizePoolID(poolID)
	res := newResult(poolID)
	st := e.state(poolID)
	if !st.executing.CompareAndSwap(false, true) {
		res.Reason = ReasonInProgress
		return res
	}
	defer st.executing.Store(false)

	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "twamm.settle",
		trace.WithAttributes(attribute.String("pool", poolID), attribute.Int64("now", int64(now))))
	defer span.End()

	params := e.Params()
	err := e.settle(ctx, st, params, res, now)
	if err != nil {
		var se *settlementError
		if errors.As(err, &se) {
			res.Reason = se.reason
			res.Err = se.err
		} else {
			res.Reason = ReasonMath
			res.Err = err
		}
		res.Success = false
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Reason))
		e.emitter.Emit(WrapEvent(ExecutionFailedEvent(poolID, res.Reason, res.Err)))
		e.logger.Warn("twamm: settlement failed", "pool", poolID, "reason", res.Reason, "error", res.Err)
	}
	e.metrics.ObserveSettlement(poolID, string(res.Reason), time.Since(started))
	return res
}

func (e *Engine) settle(ctx context.Context, st *executionState, params Params, res *Result, now uint64) error {
	pool, err := e.store.Pool(res.PoolID)
	if err != nil {
		return fail(ReasonPoolNotFound, err)
	}
	res.From = pool.LastVirtualOrderTime
	res.To = pool.LastVirtualOrderTime
	if now <= pool.LastVirtualOrderTime || now-pool.LastVirtualOrderTime < params.MinIntervalTicks {
		res.Reason = ReasonTooSoon
		return nil
	}
	elapsed := now - pool.LastVirtualOrderTime

	if pool.SellRateA.IsZero() && pool.SellRateB.IsZero() {
		if err := e.store.AdvanceVirtualOrderTime(res.PoolID, now); err != nil {
			return fail(ReasonCommit, err)
		}
		res.To = now
		res.Success = true
		res.Quality = qualityMaxScore
		return nil
	}

	orderCount := pool.ActiveCount()
	if params.MaxSettlementCost > 0 {
		affordable := params.Cost.AffordableTicks(params.MaxSettlementCost, orderCount)
		if affordable == 0 {
			return fail(ReasonCostBudget, fmt.Errorf("settling %d orders costs more than %d", orderCount, params.MaxSettlementCost))
		}
		if elapsed > affordable {
			elapsed = affordable
			res.Partial = true
		}
	}
	settleTo := pool.LastVirtualOrderTime + elapsed
	res.To = settleTo
	res.Cost = params.Cost.Estimate(elapsed, orderCount)

	orders, err := e.store.ActiveOrders(res.PoolID, nil)
	if err != nil {
		return fail(ReasonPoolNotFound, err)
	}
	shares := make([]*uint256.Int, len(orders))
	for i, order := range orders {
		share, err := orderShare(order, pool.LastVirtualOrderTime, settleTo)
		if err != nil {
			return fail(ReasonMath, err)
		}
		shares[i] = share
		exposure := &res.ExposureA
		if order.Direction == SellB {
			exposure = &res.ExposureB
		}
		if *exposure, err = checkedAdd(*exposure, share); err != nil {
			return fail(ReasonMath, err)
		}
	}

	var resA, resB *uint256.Int
	var legOut *uint256.Int
	if !res.ExposureA.IsZero() || !res.ExposureB.IsZero() {
		resA, resB, err = e.venue.Reserves(ctx, res.PoolID)
		if err != nil {
			return fail(ReasonVenue, err)
		}
		if orZero(resA).IsZero() || orZero(resB).IsZero() {
			return fail(ReasonVenue, ErrInsufficientLiquidity)
		}
		plan, err := planSettlement(res.ExposureA, res.ExposureB, resA, resB, params)
		if err != nil {
			return err
		}
		if plan.leg != nil {
			impact := plan.leg.ImpactBps
			if impact > params.MaxPriceImpactBps {
				e.emitter.Emit(WrapEvent(LargeOrderDetectedEvent(res.PoolID, plan.leg.Direction, plan.leg.AmountIn, impact, params.MaxPriceImpactBps)))
				return fail(ReasonPriceImpact, fmt.Errorf("impact %d bps exceeds %d bps", impact, params.MaxPriceImpactBps))
			}
			legOut, err = e.venue.Swap(ctx, res.PoolID, plan.leg.Direction, plan.leg.AmountIn, plan.leg.MinOut)
			if err != nil {
				return fail(ReasonVenue, err)
			}
			if legOut == nil || legOut.Lt(plan.leg.MinOut) {
				return fail(ReasonVenue, ErrSlippageExceeded)
			}
			plan.leg.AmountOut = new(uint256.Int).Set(legOut)
			res.Leg = plan.leg
		}
		if err := plan.finalize(legOut); err != nil {
			// The venue already traded; nothing internal has been committed.
			return fail(ReasonMath, err)
		}
		res.ConsumedA, res.ConsumedB = plan.consumedA, plan.consumedB
		res.ProceedsA, res.ProceedsB = plan.proceedsA, plan.proceedsB
	}

	fills, err := distribute(orders, shares, res)
	if err != nil {
		return fail(ReasonMath, err)
	}
	if err := e.commit(res, orders, fills, settleTo); err != nil {
		return fail(ReasonCommit, err)
	}

	st.mu.Lock()
	st.volumeA.Add(st.volumeA, res.ConsumedA)
	st.volumeB.Add(st.volumeB, res.ConsumedB)
	st.lastExecutionTime = settleTo
	st.executions++
	st.mu.Unlock()

	res.Quality = qualityMaxScore
	if res.Leg != nil {
		resIn, resOut := resA, resB
		if res.Leg.Direction == SellB {
			resIn, resOut = resB, resA
		}
		expected, err := SpotOut(res.Leg.AmountIn, resIn, resOut)
		if err == nil {
			res.Quality = ExecutionQuality(expected, res.Leg.AmountOut, res.Leg.ImpactBps, params.MaxPriceImpactBps)
		}
		e.metrics.RecordLeg(res.PoolID, res.Leg.ImpactBps, res.Quality)
	}
	e.metrics.RecordVolume(res.PoolID, SellA.String(), res.ConsumedA)
	e.metrics.RecordVolume(res.PoolID, SellB.String(), res.ConsumedB)
	res.Success = true
	e.emitter.Emit(WrapEvent(BatchExecutedEvent(res)))
	e.logger.Debug("twamm: settlement executed", "pool", res.PoolID, "from", res.From, "to", res.To,
		"fills", len(res.Fills), "completed", len(res.Completed), "partial", res.Partial)
	return nil
}

// orderShare is min(sellRate * overlap, remaining) where overlap is the part
// of (from, to] the order was live and not yet settled.
func orderShare(order *Order, from, to uint64) (*uint256.Int, error) {
	start := from
	if order.LastExecutionTime > start {
		start = order.LastExecutionTime
	}
	end := to
	if order.EndTime < end {
		end = order.EndTime
	}
	if end <= start {
		return zero(), nil
	}
	accrued, err := checkedMul(order.SellRate, uint256.NewInt(end-start))
	if err != nil {
		return nil, err
	}
	return minInt(accrued, order.RemainingAmount), nil
}

// settlementPlan holds the netting and clamping decisions for one period.
type settlementPlan struct {
	exposureA *uint256.Int
	exposureB *uint256.Int
	// crossedA is asset A matched internally against SellB exposure and
	// crossedB the asset B matched against SellA exposure.
	crossedA *uint256.Int
	crossedB *uint256.Int
	leg      *Leg

	consumedA *uint256.Int
	consumedB *uint256.Int
	proceedsA *uint256.Int
	proceedsB *uint256.Int
}

func planSettlement(exposureA, exposureB, resA, resB *uint256.Int, params Params) (*settlementPlan, error) {
	plan := &settlementPlan{
		exposureA: exposureA,
		exposureB: exposureB,
		crossedA:  zero(),
		crossedB:  zero(),
	}
	var legDir Direction
	var requested *uint256.Int
	switch {
	case exposureB.IsZero():
		legDir, requested = SellA, new(uint256.Int).Set(exposureA)
	case exposureA.IsZero():
		legDir, requested = SellB, new(uint256.Int).Set(exposureB)
	default:
		// Net the two directions at the pre-trade spot price pA = resB/resA.
		priceA, err := mulDiv(resB, precision, resA)
		if err != nil {
			return nil, fail(ReasonMath, err)
		}
		valueA, err := mulDiv(exposureA, priceA, precision)
		if err != nil {
			return nil, fail(ReasonMath, err)
		}
		switch valueA.Cmp(exposureB) {
		case 1:
			netA, err := mulDiv(new(uint256.Int).Sub(valueA, exposureB), precision, priceA)
			if err != nil {
				return nil, fail(ReasonMath, err)
			}
			netA = minInt(netA, exposureA)
			legDir, requested = SellA, netA
			plan.crossedA = new(uint256.Int).Sub(exposureA, netA)
			plan.crossedB = new(uint256.Int).Set(exposureB)
		case -1:
			legDir, requested = SellB, new(uint256.Int).Sub(exposureB, valueA)
			plan.crossedA = new(uint256.Int).Set(exposureA)
			plan.crossedB = valueA
		default:
			plan.crossedA = new(uint256.Int).Set(exposureA)
			plan.crossedB = new(uint256.Int).Set(exposureB)
			return plan, nil
		}
	}
	if requested.IsZero() {
		return plan, nil
	}

	reserveIn, reserveOut := resA, resB
	if legDir == SellB {
		reserveIn, reserveOut = resB, resA
	}
	hardCap, err := mulDiv(reserveIn, uint256.NewInt(params.HardCapBps), bpsScale)
	if err != nil {
		return nil, fail(ReasonMath, err)
	}
	amountIn := minInt(requested, hardCap)
	if amountIn.IsZero() {
		return nil, fail(ReasonExecutionTooLarge, fmt.Errorf("leg %s of %s exceeds cap %s", legDir, requested.Dec(), hardCap.Dec()))
	}
	impact, err := PriceImpact(amountIn, reserveIn, reserveOut)
	if err != nil {
		return nil, fail(ReasonMath, err)
	}
	closedForm, err := OutGivenIn(amountIn, reserveIn, reserveOut)
	if err != nil {
		return nil, fail(ReasonMath, err)
	}
	minOut, err := mulDiv(closedForm, uint256.NewInt(BasisPoints-params.SlippageBps), bpsScale)
	if err != nil {
		return nil, fail(ReasonMath, err)
	}
	plan.leg = &Leg{
		Direction: legDir,
		AmountIn:  amountIn,
		Requested: requested,
		MinOut:    minOut,
		ImpactBps: impact,
	}
	return plan, nil
}

// finalize derives consumed input and output owed per direction once the
// venue output is known.
func (p *settlementPlan) finalize(legOut *uint256.Int) error {
	var err error
	p.consumedA = new(uint256.Int).Set(p.crossedA)
	p.consumedB = new(uint256.Int).Set(p.crossedB)
	// Crossed flow pays each side with the other side's input.
	p.proceedsA = new(uint256.Int).Set(p.crossedB)
	p.proceedsB = new(uint256.Int).Set(p.crossedA)
	if p.leg == nil {
		return nil
	}
	if p.leg.Direction == SellA {
		if p.consumedA, err = checkedAdd(p.consumedA, p.leg.AmountIn); err != nil {
			return err
		}
		p.consumedA = minInt(p.consumedA, p.exposureA)
		p.proceedsA, err = checkedAdd(p.proceedsA, legOut)
		return err
	}
	if p.consumedB, err = checkedAdd(p.consumedB, p.leg.AmountIn); err != nil {
		return err
	}
	p.consumedB = minInt(p.consumedB, p.exposureB)
	p.proceedsB, err = checkedAdd(p.proceedsB, legOut)
	return err
}

// distribute splits consumed input and proceeds pro-rata over order shares.
// Floor remainders of the consumed amount are assigned in index order so the
// per-order totals add up exactly.
func distribute(orders []*Order, shares []*uint256.Int, res *Result) ([]Fill, error) {
	fills := make([]Fill, 0, len(orders))
	for _, direction := range []Direction{SellA, SellB} {
		exposure, consumed, proceeds := res.ExposureA, res.ConsumedA, res.ProceedsA
		if direction == SellB {
			exposure, consumed, proceeds = res.ExposureB, res.ConsumedB, res.ProceedsB
		}
		if exposure.IsZero() || consumed.IsZero() {
			continue
		}
		start := len(fills)
		assigned := zero()
		for i, order := range orders {
			if order.Direction != direction || shares[i].IsZero() {
				continue
			}
			executed, err := mulDiv(shares[i], consumed, exposure)
			if err != nil {
				return nil, err
			}
			assigned.Add(assigned, executed)
			fills = append(fills, Fill{OrderID: order.ID, Direction: direction, Executed: executed})
		}
		leftover := saturatingSub(consumed, assigned)
		for i := start; i < len(fills) && !leftover.IsZero(); i++ {
			share := shareFor(orders, shares, fills[i].OrderID)
			room := saturatingSub(share, fills[i].Executed)
			top := minInt(room, leftover)
			fills[i].Executed.Add(fills[i].Executed, top)
			leftover.Sub(leftover, top)
		}
		for i := start; i < len(fills); i++ {
			owed, err := mulDiv(proceeds, fills[i].Executed, consumed)
			if err != nil {
				return nil, err
			}
			fills[i].Proceeds = owed
		}
	}
	res.Fills = fills
	return fills, nil
}

func shareFor(orders []*Order, shares []*uint256.Int, orderID uint64) *uint256.Int {
	for i, order := range orders {
		if order.ID == orderID {
			return shares[i]
		}
	}
	return zero()
}

func (e *Engine) commit(res *Result, orders []*Order, fills []Fill, settleTo uint64) error {
	ids := make([]uint64, 0, len(fills))
	amounts := make([]*uint256.Int, 0, len(fills))
	for _, fill := range fills {
		ids = append(ids, fill.OrderID)
		amounts = append(amounts, fill.Executed)
	}
	skipped, err := e.store.BatchUpdateOrderExecution(ids, amounts, settleTo)
	if err != nil {
		return err
	}
	skip := make(map[uint64]struct{}, len(skipped))
	for _, id := range skipped {
		skip[id] = struct{}{}
	}
	kept := fills[:0]
	for _, fill := range fills {
		if _, ok := skip[fill.OrderID]; ok {
			continue
		}
		if err := e.store.CreditProceeds(fill.OrderID, fill.Proceeds); err != nil {
			return err
		}
		kept = append(kept, fill)
		e.emitter.Emit(WrapEvent(OrderExecutedEvent(res.PoolID, fill, settleTo)))
	}
	res.Fills = kept

	for _, order := range orders {
		current, err := e.store.Order(order.ID)
		if err != nil || !current.Active {
			continue
		}
		if current.RemainingAmount.IsZero() || current.EndTime <= settleTo {
			if err := e.store.CompleteOrder(order.ID); err != nil {
				return err
			}
			res.Completed = append(res.Completed, order.ID)
		}
	}
	return e.store.AdvanceVirtualOrderTime(res.PoolID, settleTo)
}
