package twamm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"

	"twamm/core/events"
	"twamm/crypto"
	nativecommon "twamm/native/common"
	"twamm/observability"
)

var (
	ErrAmountTooSmall        = errors.New("twamm: order amount below minimum")
	ErrInsufficientIncentive = errors.New("twamm: incentive deposit below trigger reward")
	ErrNotOwner              = errors.New("twamm: caller does not own order")
	ErrNilCollaborator       = errors.New("twamm: ledger not configured")
	ErrInvalidOwner          = errors.New("twamm: caller address required")
	ErrPoolFull              = errors.New("twamm: pool at settlement capacity")
	ErrRateTooLarge          = errors.New("twamm: aggregate sell rate exceeds reserve bound")
	ErrSettlementInProgress  = errors.New("twamm: settlement in progress")
)

const moduleName = "twamm"

// Ledger moves assets between user accounts and module custody.
type Ledger interface {
	TransferIn(ctx context.Context, asset string, from crypto.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, asset string, to crypto.Address, amount *uint256.Int) error
}

// IncentivePayer rewards callers that trigger settlement.
type IncentivePayer interface {
	Pay(ctx context.Context, to crypto.Address, amount *uint256.Int) error
}

// Checkpointer persists module state after each committed mutation.
type Checkpointer interface {
	Checkpoint(delta *Delta) error
}

// SubmitRequest carries the inputs of a new order.
type SubmitRequest struct {
	PoolID        string
	Amount        *uint256.Int
	Direction     Direction
	DurationTicks uint64
	Incentive     *uint256.Int
}

// CancelReceipt describes the assets returned by a cancellation.
type CancelReceipt struct {
	Order     *Order
	Refund    *uint256.Int
	Forfeited *uint256.Int
	Proceeds  *uint256.Int
}

// ClaimReceipt describes the assets paid for a completed order.
type ClaimReceipt struct {
	Order    *Order
	Refund   *uint256.Int
	Proceeds *uint256.Int
}

// WithdrawReceipt describes the assets returned by an emergency withdrawal.
type WithdrawReceipt struct {
	Order    *Order
	Refund   *uint256.Int
	Penalty  *uint256.Int
	Proceeds *uint256.Int
}

// Quote estimates how a hypothetical order would execute at current reserves.
type Quote struct {
	SellRate *uint256.Int
	// ExpectedOut is the closed-form output for the whole amount in one period.
	ExpectedOut *uint256.Int
	ImpactBps   uint64
	Quality     uint64
	// OptimalRate is the largest per-tick rate within the impact limit.
	OptimalRate *uint256.Int
	// SoftCap is the preferred maximum leg size for the input asset.
	SoftCap *uint256.Int
	// Scenarios project the accrued amount at evenly spaced horizons.
	Scenarios []Scenario
	// MEVProtection scores the schedule from 0 to 100.
	MEVProtection uint64
}

// Scenario is the single-leg outcome of settling an order's accrual after
// Ticks ticks.
type Scenario struct {
	Ticks       uint64
	AmountIn    *uint256.Int
	ExpectedOut *uint256.Int
	ImpactBps   uint64
	Quality     uint64
}

const quoteScenarios = 4

// Coordinator exposes the external operations of the module. Every mutating
// call is serialised by a single mutex.
type Coordinator struct {
	mu           sync.Mutex
	store        *Store
	engine       *Engine
	ledger       Ledger
	payer        IncentivePayer
	pauses       nativecommon.PauseView
	quota        nativecommon.Quota
	usage        map[crypto.Address]nativecommon.QuotaNow
	checkpointer Checkpointer
	emitter      events.Emitter
	logger       *slog.Logger
	metrics      *observability.TWAMMMetrics
	clock        func() uint64

	statsMu sync.RWMutex
	stats   Statistics
}

// NewCoordinator wires the coordinator to its store, engine and custody
// collaborators. clock returns the current tick.
func NewCoordinator(store *Store, engine *Engine, ledger Ledger, payer IncentivePayer, clock func() uint64) *Coordinator {
	return &Coordinator{
		store:   store,
		engine:  engine,
		ledger:  ledger,
		payer:   payer,
		usage:   make(map[crypto.Address]nativecommon.QuotaNow),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: observability.TWAMM(),
		clock:   clock,
		stats:   newStatistics(),
	}
}

// SetPauses wires the pause switchboard consulted by submissions and
// settlements.
func (c *Coordinator) SetPauses(p nativecommon.PauseView) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.pauses = p
	c.mu.Unlock()
}

// SetQuota configures per-owner submission limits.
func (c *Coordinator) SetQuota(q nativecommon.Quota) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.quota = q
	c.mu.Unlock()
}

// SetCheckpointer wires persistence of committed state. Orders changed
// before it is set are written on their next change.
func (c *Coordinator) SetCheckpointer(cp Checkpointer) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.checkpointer = cp
	c.mu.Unlock()
}

// SetEmitter configures the event sink for the coordinator and its engine.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if c == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitter = emitter
	c.engine.SetEmitter(emitter)
}

// SetLogger replaces the structured logger for the coordinator and its engine.
func (c *Coordinator) SetLogger(logger *slog.Logger) {
	if c == nil || logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
	c.engine.SetLogger(logger)
}

// guardSettlement fails fast when a settlement of the pool holds the mutex,
// which includes calls re-entering from the venue during that settlement.
func (c *Coordinator) guardSettlement(poolID string) error {
	if c.engine.IsExecuting(poolID) {
		return fmt.Errorf("%w: pool %s", ErrSettlementInProgress, normalizePoolID(poolID))
	}
	return nil
}

func (c *Coordinator) now() uint64 {
	if c.clock == nil {
		return 0
	}
	return c.clock()
}

// InitializePool registers a venue pair with the module.
func (c *Coordinator) InitializePool(poolID, assetA, assetB string) error {
	if c.engine.AnyExecuting() {
		return ErrSettlementInProgress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.InitializePool(poolID, assetA, assetB, c.now()); err != nil {
		return err
	}
	c.checkpoint()
	return nil
}

// SubmitOrder validates the request, pulls the deposit and incentive into
// custody and records the order.
func (c *Coordinator) SubmitOrder(ctx context.Context, caller crypto.Address, req SubmitRequest) (*Order, error) {
	if c.ledger == nil {
		return nil, ErrNilCollaborator
	}
	if caller.IsZero() {
		return nil, ErrInvalidOwner
	}
	params := c.engine.Params()
	amount := orZero(req.Amount)
	incentive := orZero(req.Incentive)
	if amount.Lt(params.MinOrderAmount) {
		return nil, ErrAmountTooSmall
	}
	if req.DurationTicks < params.MinDurationTicks || req.DurationTicks > params.MaxDurationTicks {
		return nil, fmt.Errorf("%w: %d ticks outside [%d, %d]", ErrInvalidDuration, req.DurationTicks, params.MinDurationTicks, params.MaxDurationTicks)
	}
	if incentive.Lt(params.TriggerIncentive) {
		return nil, ErrInsufficientIncentive
	}
	if !req.Direction.Valid() {
		return nil, ErrInvalidDirection
	}
	rate := new(uint256.Int).Div(amount, uint256.NewInt(req.DurationTicks))
	if rate.IsZero() {
		return nil, ErrRateTooSmall
	}
	if err := c.guardSettlement(req.PoolID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := nativecommon.Guard(c.pauses, moduleName); err != nil {
		return nil, err
	}
	pool, err := c.store.Pool(req.PoolID)
	if err != nil {
		return nil, err
	}
	if !params.Cost.Settleable(params.MaxSettlementCost, pool.ActiveCount()+1) {
		c.metrics.RecordOrderEvent(pool.ID, "capacity_rejected")
		return nil, fmt.Errorf("%w: %d active orders", ErrPoolFull, pool.ActiveCount())
	}
	if err := c.checkRateLocked(ctx, pool, req.Direction, rate, params); err != nil {
		return nil, err
	}
	now := c.now()
	usage, err := c.checkQuotaLocked(caller, pool.ID, amount, now)
	if err != nil {
		return nil, err
	}

	inputAsset := pool.AssetFor(req.Direction)
	incentiveAsset := c.incentiveAsset(params, inputAsset)
	if err := c.ledger.TransferIn(ctx, inputAsset, caller, amount); err != nil {
		return nil, fmt.Errorf("twamm: collect deposit: %w", err)
	}
	if !incentive.IsZero() {
		if err := c.ledger.TransferIn(ctx, incentiveAsset, caller, incentive); err != nil {
			c.refund(ctx, inputAsset, caller, amount)
			return nil, fmt.Errorf("twamm: collect incentive: %w", err)
		}
	}
	id, err := c.store.CreateOrder(caller, pool.ID, amount, req.DurationTicks, req.Direction, now)
	if err != nil {
		c.refund(ctx, inputAsset, caller, amount)
		c.refund(ctx, incentiveAsset, caller, incentive)
		return nil, err
	}
	if err := c.engine.AddIncentive(pool.ID, incentive); err != nil {
		c.logger.Error("twamm: record incentive", "pool", pool.ID, "order", id, "error", err)
	}
	if c.quota.Enabled() {
		c.usage[caller] = usage
	}

	order, err := c.store.Order(id)
	if err != nil {
		return nil, err
	}
	c.statsMu.Lock()
	c.stats.OrdersCreated++
	c.statsMu.Unlock()
	c.emitter.Emit(WrapEvent(OrderSubmittedEvent(order, incentive)))
	c.metrics.RecordOrderEvent(pool.ID, "submitted")
	c.recordActive(pool.ID)
	c.checkpoint()
	return order, nil
}

func (c *Coordinator) checkQuotaLocked(caller crypto.Address, poolID string, amount *uint256.Int, now uint64) (nativecommon.QuotaNow, error) {
	if !c.quota.Enabled() {
		return nativecommon.QuotaNow{}, nil
	}
	volume := amount.Uint64()
	if !amount.IsUint64() {
		volume = ^uint64(0)
	}
	usage, err := nativecommon.CheckQuota(c.quota, c.quota.Epoch(now), c.usage[caller], 1, volume)
	if err != nil {
		c.metrics.RecordOrderEvent(poolID, "quota_rejected")
		return usage, fmt.Errorf("twamm: %w", err)
	}
	return usage, nil
}

// checkRateLocked bounds the direction's aggregate rate including the new
// order by MaxRateBps of the larger venue reserve.
func (c *Coordinator) checkRateLocked(ctx context.Context, pool *PoolState, direction Direction, rate *uint256.Int, params Params) error {
	if params.MaxRateBps == 0 {
		return nil
	}
	resA, resB, err := c.engine.venue.Reserves(ctx, pool.ID)
	if err != nil {
		return fmt.Errorf("twamm: read reserves: %w", err)
	}
	largest := orZero(resA)
	if orZero(resB).Gt(largest) {
		largest = resB
	}
	bound, err := mulDiv(largest, uint256.NewInt(params.MaxRateBps), bpsScale)
	if err != nil {
		return err
	}
	total, err := checkedAdd(pool.SellRate(direction), rate)
	if err != nil {
		return err
	}
	if total.Gt(bound) {
		c.metrics.RecordOrderEvent(pool.ID, "rate_rejected")
		return fmt.Errorf("%w: %s per tick exceeds %s", ErrRateTooLarge, total.Dec(), bound.Dec())
	}
	return nil
}

func (c *Coordinator) incentiveAsset(params Params, fallback string) string {
	if params.IncentiveAsset != "" {
		return params.IncentiveAsset
	}
	return fallback
}

// refund returns assets after a failed operation. Failures are logged since
// the caller already has an error to report.
func (c *Coordinator) refund(ctx context.Context, asset string, to crypto.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	if err := c.ledger.TransferOut(ctx, asset, to, amount); err != nil {
		c.logger.Error("twamm: refund failed", "asset", asset, "to", to.String(), "amount", amount.Dec(), "error", err)
	}
}

func (c *Coordinator) guardOrder(orderID uint64) error {
	order, err := c.store.Order(orderID)
	if err != nil {
		return err
	}
	return c.guardSettlement(order.PoolID)
}

func (c *Coordinator) ownedActiveOrder(caller crypto.Address, orderID uint64) (*Order, *PoolState, error) {
	order, err := c.store.Order(orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Owner != caller {
		return nil, nil, ErrNotOwner
	}
	if !order.Active {
		return nil, nil, ErrOrderNotActive
	}
	pool, err := c.store.Pool(order.PoolID)
	if err != nil {
		return nil, nil, err
	}
	return order, pool, nil
}

// CancelOrder stops an order and refunds the part of its deposit that had not
// accrued since its last settlement. Accrued but unsettled exposure is
// forfeited to the module.
func (c *Coordinator) CancelOrder(ctx context.Context, caller crypto.Address, orderID uint64) (*CancelReceipt, error) {
	if c.ledger == nil {
		return nil, ErrNilCollaborator
	}
	if err := c.guardOrder(orderID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	order, pool, err := c.ownedActiveOrder(caller, orderID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	forfeited, err := pendingExposure(order, now)
	if err != nil {
		return nil, err
	}
	refund := new(uint256.Int).Sub(order.RemainingAmount, forfeited)
	proceeds := cloneInt(order.Proceeds)

	inputAsset := pool.AssetFor(order.Direction)
	outputAsset := pool.AssetFor(order.Direction.Opposite())
	if err := c.payout(ctx, order.Owner, inputAsset, refund, outputAsset, proceeds); err != nil {
		return nil, err
	}
	if !forfeited.IsZero() {
		if _, err := c.store.UpdateOrderExecution(orderID, forfeited, now); err != nil {
			return nil, err
		}
	}
	if err := c.store.RetireOrder(orderID); err != nil {
		return nil, err
	}

	updated, err := c.store.Order(orderID)
	if err != nil {
		return nil, err
	}
	c.statsMu.Lock()
	c.stats.OrdersCancelled++
	c.stats.FeesCollected.Add(c.stats.FeesCollected, forfeited)
	c.statsMu.Unlock()
	c.emitter.Emit(WrapEvent(OrderCancelledEvent(updated, refund, forfeited)))
	c.metrics.RecordOrderEvent(pool.ID, "cancelled")
	c.recordActive(pool.ID)
	c.checkpoint()
	return &CancelReceipt{Order: updated, Refund: refund, Forfeited: forfeited, Proceeds: proceeds}, nil
}

// pendingExposure is min(sellRate * ticks since the last settlement of the
// order, remaining), bounded by the order's end time.
func pendingExposure(order *Order, now uint64) (*uint256.Int, error) {
	end := now
	if order.EndTime < end {
		end = order.EndTime
	}
	if end <= order.LastExecutionTime {
		return zero(), nil
	}
	accrued, err := checkedMul(order.SellRate, uint256.NewInt(end-order.LastExecutionTime))
	if err != nil {
		return nil, err
	}
	return minInt(accrued, order.RemainingAmount), nil
}

// payout transfers the input refund and output proceeds to the owner. When the
// second transfer fails the first is pulled back so the call stays atomic.
func (c *Coordinator) payout(ctx context.Context, to crypto.Address, inputAsset string, refund *uint256.Int, outputAsset string, proceeds *uint256.Int) error {
	if !refund.IsZero() {
		if err := c.ledger.TransferOut(ctx, inputAsset, to, refund); err != nil {
			return fmt.Errorf("twamm: refund deposit: %w", err)
		}
	}
	if !proceeds.IsZero() {
		if err := c.ledger.TransferOut(ctx, outputAsset, to, proceeds); err != nil {
			if !refund.IsZero() {
				if revertErr := c.ledger.TransferIn(ctx, inputAsset, to, refund); revertErr != nil {
					c.logger.Error("twamm: revert refund after proceeds failure", "asset", inputAsset, "to", to.String(), "error", revertErr)
				}
			}
			return fmt.Errorf("twamm: pay proceeds: %w", err)
		}
	}
	return nil
}

// ExecutePendingOrders settles the pool, rewards the caller when the
// settlement did work and pays out completed orders, including those whose
// payout failed on an earlier call.
func (c *Coordinator) ExecutePendingOrders(ctx context.Context, caller crypto.Address, poolID string) (*Result, error) {
	poolID = normalizePoolID(poolID)
	// A settlement already running (possibly this goroutine via a venue
	// callback) holds the mutex; report it instead of blocking.
	if c.engine.IsExecuting(poolID) {
		res := newResult(poolID)
		res.Reason = ReasonInProgress
		return res, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := nativecommon.Guard(c.pauses, moduleName); err != nil {
		return nil, err
	}
	if _, err := c.store.Pool(poolID); err != nil {
		return nil, err
	}
	res := c.engine.Execute(ctx, poolID, c.now())
	if res.Success {
		c.statsMu.Lock()
		c.stats.Settlements++
		c.stats.VolumeA.Add(c.stats.VolumeA, res.ConsumedA)
		c.stats.VolumeB.Add(c.stats.VolumeB, res.ConsumedB)
		c.statsMu.Unlock()

		if len(res.Fills) > 0 || len(res.Completed) > 0 {
			c.rewardCaller(ctx, caller, poolID)
		}
	}
	paid := c.payPending(ctx, poolID)
	if res.Success || paid > 0 {
		c.recordActive(poolID)
		c.checkpoint()
	}
	return res, nil
}

func (c *Coordinator) rewardCaller(ctx context.Context, caller crypto.Address, poolID string) {
	if c.payer == nil || caller.IsZero() {
		return
	}
	reward := c.engine.TakeIncentive(poolID, c.engine.Params().TriggerIncentive)
	if reward.IsZero() {
		return
	}
	if err := c.payer.Pay(ctx, caller, reward); err != nil {
		c.engine.RestoreIncentive(poolID, reward)
		c.logger.Error("twamm: pay trigger incentive", "pool", poolID, "caller", caller.String(), "error", err)
		return
	}
	c.statsMu.Lock()
	c.stats.IncentivesPaid.Add(c.stats.IncentivesPaid, reward)
	c.statsMu.Unlock()
}

// payPending pays every completed order of the pool still owed its payout
// and returns how many were paid. Failed payouts stay pending.
func (c *Coordinator) payPending(ctx context.Context, poolID string) int {
	paid := 0
	for _, order := range c.store.PendingPayouts(poolID) {
		if _, err := c.completeOrder(ctx, order); err != nil {
			c.logger.Warn("twamm: completed order payout deferred", "order", order.ID, "owner", order.Owner.String(), "error", err)
			c.metrics.RecordOrderEvent(poolID, "payout_deferred")
			continue
		}
		paid++
	}
	return paid
}

// completeOrder pays a completed order its proceeds plus any unsold input and
// clears its pending flag. It returns the unsold input.
func (c *Coordinator) completeOrder(ctx context.Context, order *Order) (*uint256.Int, error) {
	if c.ledger == nil {
		return nil, ErrNilCollaborator
	}
	pool, err := c.store.Pool(order.PoolID)
	if err != nil {
		return nil, err
	}
	dust := cloneInt(order.RemainingAmount)
	if err := c.payout(ctx, order.Owner, pool.AssetFor(order.Direction), dust, pool.AssetFor(order.Direction.Opposite()), order.Proceeds); err != nil {
		return nil, err
	}
	if err := c.store.ClearPayout(order.ID); err != nil {
		return nil, err
	}
	c.statsMu.Lock()
	c.stats.OrdersCompleted++
	c.statsMu.Unlock()
	c.emitter.Emit(WrapEvent(OrderCompletedEvent(order, dust)))
	c.metrics.RecordOrderEvent(pool.ID, "completed")
	return dust, nil
}

// ClaimOrder pays a completed order whose payout could not be made when it
// completed. Like EmergencyWithdraw it ignores the pause guard.
func (c *Coordinator) ClaimOrder(ctx context.Context, caller crypto.Address, orderID uint64) (*ClaimReceipt, error) {
	if c.ledger == nil {
		return nil, ErrNilCollaborator
	}
	if err := c.guardOrder(orderID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	order, err := c.store.Order(orderID)
	if err != nil {
		return nil, err
	}
	if order.Owner != caller {
		return nil, ErrNotOwner
	}
	if !order.PayoutPending {
		return nil, ErrNoPayoutPending
	}
	dust, err := c.completeOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	updated, err := c.store.Order(orderID)
	if err != nil {
		return nil, err
	}
	c.checkpoint()
	return &ClaimReceipt{Order: updated, Refund: dust, Proceeds: cloneInt(order.Proceeds)}, nil
}

// EmergencyWithdraw exits an order immediately, withholding the configured
// penalty from the unsettled deposit. It is not subject to the pause guard.
func (c *Coordinator) EmergencyWithdraw(ctx context.Context, caller crypto.Address, orderID uint64) (*WithdrawReceipt, error) {
	if c.ledger == nil {
		return nil, ErrNilCollaborator
	}
	if err := c.guardOrder(orderID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	order, pool, err := c.ownedActiveOrder(caller, orderID)
	if err != nil {
		return nil, err
	}
	params := c.engine.Params()
	penalty, err := mulDiv(order.RemainingAmount, uint256.NewInt(params.EmergencyPenaltyBps), bpsScale)
	if err != nil {
		return nil, err
	}
	refund := new(uint256.Int).Sub(order.RemainingAmount, penalty)
	proceeds := cloneInt(order.Proceeds)
	if err := c.payout(ctx, order.Owner, pool.AssetFor(order.Direction), refund, pool.AssetFor(order.Direction.Opposite()), proceeds); err != nil {
		return nil, err
	}
	if err := c.store.RetireOrder(orderID); err != nil {
		return nil, err
	}
	updated, err := c.store.Order(orderID)
	if err != nil {
		return nil, err
	}
	c.statsMu.Lock()
	c.stats.FeesCollected.Add(c.stats.FeesCollected, penalty)
	c.statsMu.Unlock()
	c.emitter.Emit(WrapEvent(OrderEmergencyWithdrawnEvent(updated, refund, penalty)))
	c.metrics.RecordOrderEvent(pool.ID, "emergency_withdrawn")
	c.recordActive(pool.ID)
	c.checkpoint()
	return &WithdrawReceipt{Order: updated, Refund: refund, Penalty: penalty, Proceeds: proceeds}, nil
}

// UpdateParams validates and applies new execution parameters.
func (c *Coordinator) UpdateParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if c.engine.AnyExecuting() {
		return ErrSettlementInProgress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pool := range c.store.Pools() {
		if !params.Cost.Settleable(params.MaxSettlementCost, pool.ActiveCount()) {
			return fmt.Errorf("%w: pool %s could not settle its %d active orders", ErrPoolFull, pool.ID, pool.ActiveCount())
		}
	}
	c.engine.SetParams(params)
	c.emitter.Emit(WrapEvent(ParamsUpdatedEvent(params)))
	return nil
}

// Params returns the active execution parameters.
func (c *Coordinator) Params() Params { return c.engine.Params() }

func (c *Coordinator) Order(orderID uint64) (*Order, error) { return c.store.Order(orderID) }

func (c *Coordinator) Pool(poolID string) (*PoolState, error) { return c.store.Pool(poolID) }

func (c *Coordinator) Pools() []*PoolState { return c.store.Pools() }

func (c *Coordinator) ActiveOrders(poolID string, direction *Direction) ([]*Order, error) {
	return c.store.ActiveOrders(poolID, direction)
}

func (c *Coordinator) OrdersByOwner(owner crypto.Address) []*Order { return c.store.OrdersByOwner(owner) }

func (c *Coordinator) ExecutionState(poolID string) ExecutionState {
	return c.engine.ExecutionState(poolID)
}

// NeedsExecution reports whether the pool has settleable exposure now.
func (c *Coordinator) NeedsExecution(poolID string) bool {
	return c.engine.NeedsExecution(poolID, c.now())
}

// EstimateCost returns the estimated cost of settling the pool now.
func (c *Coordinator) EstimateCost(poolID string) (uint64, error) {
	return c.engine.EstimateCost(poolID, c.now())
}

// OptimalExecutionSize returns the preferred leg size per direction at
// current reserves.
func (c *Coordinator) OptimalExecutionSize(ctx context.Context, poolID string) (sizeA, sizeB *uint256.Int, err error) {
	return c.engine.OptimalExecutionSize(ctx, poolID)
}

// ExecutableAmount is the exposure the order would contribute if its pool
// were settled now.
func (c *Coordinator) ExecutableAmount(orderID uint64) (*uint256.Int, error) {
	order, err := c.store.Order(orderID)
	if err != nil {
		return nil, err
	}
	if !order.Active {
		return zero(), nil
	}
	pool, err := c.store.Pool(order.PoolID)
	if err != nil {
		return nil, err
	}
	return orderShare(order, pool.LastVirtualOrderTime, c.now())
}

// Progress returns the elapsed fraction of the order window in 1e18 fixed point.
func (c *Coordinator) Progress(order *Order) (*uint256.Int, error) {
	now := c.now()
	var elapsed uint64
	if now > order.StartTime {
		elapsed = now - order.StartTime
	}
	return TimeDecayFactor(elapsed, order.EndTime-order.StartTime)
}

// Quote estimates execution of a hypothetical order against current reserves.
func (c *Coordinator) Quote(ctx context.Context, poolID string, direction Direction, amount *uint256.Int, durationTicks uint64) (*Quote, error) {
	if !direction.Valid() {
		return nil, ErrInvalidDirection
	}
	if durationTicks == 0 {
		return nil, ErrInvalidDuration
	}
	if _, err := c.store.Pool(poolID); err != nil {
		return nil, err
	}
	resA, resB, err := c.engine.venue.Reserves(ctx, normalizePoolID(poolID))
	if err != nil {
		return nil, err
	}
	reserveIn, reserveOut := resA, resB
	if direction == SellB {
		reserveIn, reserveOut = resB, resA
	}
	params := c.engine.Params()
	q := &Quote{SellRate: new(uint256.Int).Div(orZero(amount), uint256.NewInt(durationTicks))}
	if q.ExpectedOut, err = OutGivenIn(amount, reserveIn, reserveOut); err != nil {
		return nil, err
	}
	if q.ImpactBps, err = PriceImpact(amount, reserveIn, reserveOut); err != nil {
		return nil, err
	}
	spot, err := SpotOut(amount, reserveIn, reserveOut)
	if err != nil {
		return nil, err
	}
	q.Quality = ExecutionQuality(spot, q.ExpectedOut, q.ImpactBps, params.MaxPriceImpactBps)
	if q.OptimalRate, err = OptimalRate(amount, durationTicks, reserveIn, reserveOut, params.MaxPriceImpactBps); err != nil {
		return nil, err
	}
	if q.SoftCap, err = mulDiv(reserveIn, uint256.NewInt(params.SoftCapBps), bpsScale); err != nil {
		return nil, err
	}
	if q.Scenarios, err = projectScenarios(q.SellRate, durationTicks, reserveIn, reserveOut, params.MaxPriceImpactBps); err != nil {
		return nil, err
	}
	// Settlement timing is deterministic, so only the time spread scores.
	q.MEVProtection = MEVProtectionScore(durationTicks, zero())
	return q, nil
}

// projectScenarios settles rate*ticks in one leg at quoteScenarios evenly
// spaced horizons up to durationTicks.
func projectScenarios(rate *uint256.Int, durationTicks uint64, reserveIn, reserveOut *uint256.Int, maxImpactBps uint64) ([]Scenario, error) {
	out := make([]Scenario, 0, quoteScenarios)
	for i := uint64(1); i <= quoteScenarios; i++ {
		ticks := durationTicks * i / quoteScenarios
		if ticks == 0 {
			continue
		}
		amountIn, err := checkedMul(rate, uint256.NewInt(ticks))
		if err != nil {
			return nil, err
		}
		if amountIn.IsZero() {
			continue
		}
		sc := Scenario{Ticks: ticks, AmountIn: amountIn}
		if sc.ExpectedOut, err = OutGivenIn(amountIn, reserveIn, reserveOut); err != nil {
			return nil, err
		}
		if sc.ImpactBps, err = PriceImpact(amountIn, reserveIn, reserveOut); err != nil {
			return nil, err
		}
		spot, err := SpotOut(amountIn, reserveIn, reserveOut)
		if err != nil {
			return nil, err
		}
		sc.Quality = ExecutionQuality(spot, sc.ExpectedOut, sc.ImpactBps, maxImpactBps)
		out = append(out, sc)
	}
	return out, nil
}

// Statistics returns a copy of the module counters.
func (c *Coordinator) Statistics() Statistics {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats.Clone()
}

// ResetStatistics zeroes the module counters.
func (c *Coordinator) ResetStatistics() {
	c.statsMu.Lock()
	c.stats = newStatistics()
	c.statsMu.Unlock()
}

func (c *Coordinator) recordActive(poolID string) {
	pool, err := c.store.Pool(poolID)
	if err != nil {
		return
	}
	c.metrics.SetActiveOrders(poolID, SellA.String(), pool.ActiveCountA)
	c.metrics.SetActiveOrders(poolID, SellB.String(), pool.ActiveCountB)
}

func (c *Coordinator) checkpoint() {
	delta := c.delta()
	if c.checkpointer == nil {
		return
	}
	if err := c.checkpointer.Checkpoint(delta); err != nil {
		c.store.markDirty(delta.Orders)
		c.logger.Error("twamm: checkpoint state", "orders", len(delta.Orders), "error", err)
	}
}
