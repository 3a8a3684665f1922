package twamm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"twamm/crypto"
	nativecommon "twamm/native/common"
	"twamm/storage"
)

type ledgerKey struct {
	asset string
	addr  crypto.Address
}

// fakeLedger tracks gross flows in and out of custody per account.
type fakeLedger struct {
	mu      sync.Mutex
	in      map[ledgerKey]*uint256.Int
	out     map[ledgerKey]*uint256.Int
	failOut map[string]error
	failIn  map[string]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		in:      make(map[ledgerKey]*uint256.Int),
		out:     make(map[ledgerKey]*uint256.Int),
		failOut: make(map[string]error),
		failIn:  make(map[string]error),
	}
}

func (l *fakeLedger) TransferIn(_ context.Context, asset string, from crypto.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failIn[asset]; err != nil {
		return err
	}
	l.add(l.in, ledgerKey{asset, from}, amount)
	return nil
}

func (l *fakeLedger) TransferOut(_ context.Context, asset string, to crypto.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failOut[asset]; err != nil {
		return err
	}
	l.add(l.out, ledgerKey{asset, to}, amount)
	return nil
}

func (l *fakeLedger) add(book map[ledgerKey]*uint256.Int, key ledgerKey, amount *uint256.Int) {
	current, ok := book[key]
	if !ok {
		current = new(uint256.Int)
		book[key] = current
	}
	current.Add(current, amount)
}

func (l *fakeLedger) paidIn(asset string, addr crypto.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.in[ledgerKey{asset, addr}]; ok {
		return v.Uint64()
	}
	return 0
}

func (l *fakeLedger) paidOut(asset string, addr crypto.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.out[ledgerKey{asset, addr}]; ok {
		return v.Uint64()
	}
	return 0
}

type fakePayer struct {
	paid map[crypto.Address]uint64
	err  error
}

func (p *fakePayer) Pay(_ context.Context, to crypto.Address, amount *uint256.Int) error {
	if p.err != nil {
		return p.err
	}
	if p.paid == nil {
		p.paid = make(map[crypto.Address]uint64)
	}
	p.paid[to] += amount.Uint64()
	return nil
}

type coordinatorHarness struct {
	coord  *Coordinator
	store  *Store
	venue  *fakeVenue
	ledger *fakeLedger
	payer  *fakePayer
	now    uint64
}

func newHarness(t *testing.T) *coordinatorHarness {
	t.Helper()
	h := &coordinatorHarness{
		store:  NewStore(),
		venue:  newFakeVenue(1_000_000_000, 1_000_000_000),
		ledger: newFakeLedger(),
		payer:  &fakePayer{},
	}
	engine := NewEngine(h.store, h.venue, DefaultParams())
	h.coord = NewCoordinator(h.store, engine, h.ledger, h.payer, func() uint64 { return h.now })
	require.NoError(t, h.coord.InitializePool("pool-1", "ATOK", "BTOK"))
	return h
}

func (h *coordinatorHarness) submit(t *testing.T, owner crypto.Address, amount, duration uint64, dir Direction) *Order {
	t.Helper()
	order, err := h.coord.SubmitOrder(context.Background(), owner, SubmitRequest{
		PoolID:        "pool-1",
		Amount:        uint256.NewInt(amount),
		Direction:     dir,
		DurationTicks: duration,
		Incentive:     uint256.NewInt(100),
	})
	require.NoError(t, err)
	return order
}

func TestSubmitOrderCollectsDepositAndIncentive(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	h.now = 5
	order := h.submit(t, owner, 1_000, 100, SellA)

	require.Equal(t, uint64(1), order.ID)
	require.Equal(t, uint64(10), order.SellRate.Uint64())
	require.Equal(t, uint64(5), order.StartTime)
	require.Equal(t, uint64(105), order.EndTime)
	require.Equal(t, uint64(1_100), h.ledger.paidIn("ATOK", owner))
	require.Equal(t, uint64(100), h.coord.ExecutionState("pool-1").AccumulatedIncentive.Uint64())
	require.Equal(t, uint64(1), h.coord.Statistics().OrdersCreated)
	require.NoError(t, h.store.VerifyAggregates("pool-1"))
}

func TestSubmitOrderValidation(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	cases := []struct {
		name string
		req  SubmitRequest
		err  error
	}{
		{"below minimum", SubmitRequest{PoolID: "pool-1", Amount: uint256.NewInt(999), DurationTicks: 100, Incentive: uint256.NewInt(100)}, ErrAmountTooSmall},
		{"short duration", SubmitRequest{PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 9, Incentive: uint256.NewInt(100)}, ErrInvalidDuration},
		{"long duration", SubmitRequest{PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 1_000_001, Incentive: uint256.NewInt(100)}, ErrInvalidDuration},
		{"low incentive", SubmitRequest{PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(99)}, ErrInsufficientIncentive},
		{"bad direction", SubmitRequest{PoolID: "pool-1", Amount: uint256.NewInt(1_000), Direction: Direction(9), DurationTicks: 100, Incentive: uint256.NewInt(100)}, ErrInvalidDirection},
		{"rate floors to zero", SubmitRequest{PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 2_000, Incentive: uint256.NewInt(100)}, ErrRateTooSmall},
		{"unknown pool", SubmitRequest{PoolID: "pool-9", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(100)}, ErrPoolNotInitialized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.SubmitOrder(context.Background(), owner, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
	require.Zero(t, h.ledger.paidIn("ATOK", owner))
	_, err := h.coord.SubmitOrder(context.Background(), crypto.Address{}, cases[0].req)
	require.ErrorIs(t, err, ErrInvalidOwner)
}

func TestSubmitOrderRefundsDepositWhenIncentiveFails(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	params := DefaultParams()
	params.IncentiveAsset = "FEE"
	require.NoError(t, h.coord.UpdateParams(params))
	h.ledger.failIn["FEE"] = errors.New("no fee balance")

	_, err := h.coord.SubmitOrder(context.Background(), owner, SubmitRequest{
		PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(100),
	})
	require.Error(t, err)
	require.Equal(t, uint64(1_000), h.ledger.paidIn("ATOK", owner))
	require.Equal(t, uint64(1_000), h.ledger.paidOut("ATOK", owner))
	require.Equal(t, uint64(1), h.store.NextOrderID())
}

func TestCancelOrderRefundsUnaccruedRemainder(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	order := h.submit(t, owner, 1_000, 100, SellA)

	h.now = 30
	receipt, err := h.coord.CancelOrder(context.Background(), owner, order.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(700), receipt.Refund.Uint64())
	require.Equal(t, uint64(300), receipt.Forfeited.Uint64())
	require.False(t, receipt.Order.Active)
	require.Equal(t, uint64(700), h.ledger.paidOut("ATOK", owner))

	active, err := h.coord.ActiveOrders("pool-1", nil)
	require.NoError(t, err)
	require.Empty(t, active)
	require.NoError(t, h.store.VerifyAggregates("pool-1"))
	assertConserved(t, receipt.Order)

	stats := h.coord.Statistics()
	require.Equal(t, uint64(1), stats.OrdersCancelled)
	require.Equal(t, uint64(300), stats.FeesCollected.Uint64())

	_, err = h.coord.CancelOrder(context.Background(), owner, order.ID)
	require.ErrorIs(t, err, ErrOrderNotActive)
}

func TestCancelAfterSettlementPaysProceeds(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	order := h.submit(t, owner, 1_000, 100, SellA)

	h.now = 40
	res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	h.now = 50
	receipt, err := h.coord.CancelOrder(context.Background(), owner, order.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(500), receipt.Refund.Uint64())
	require.Equal(t, uint64(100), receipt.Forfeited.Uint64())
	require.Equal(t, uint64(320), receipt.Proceeds.Uint64())
	require.Equal(t, uint64(320), h.ledger.paidOut("BTOK", owner))
}

func TestCancelRejectsForeignCaller(t *testing.T) {
	h := newHarness(t)
	order := h.submit(t, testAddress(1), 1_000, 100, SellA)
	_, err := h.coord.CancelOrder(context.Background(), testAddress(2), order.ID)
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = h.coord.CancelOrder(context.Background(), testAddress(1), 42)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelRevertsRefundWhenProceedsFail(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	order := h.submit(t, owner, 1_000, 100, SellA)
	h.now = 40
	_, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)

	h.ledger.failOut["BTOK"] = errors.New("treasury empty")
	h.now = 50
	_, err = h.coord.CancelOrder(context.Background(), owner, order.ID)
	require.Error(t, err)

	current, err := h.coord.Order(order.ID)
	require.NoError(t, err)
	require.True(t, current.Active)
	require.Equal(t, uint64(600), current.RemainingAmount.Uint64())
	// The 500 unit input refund was pulled back after the proceeds transfer failed.
	require.Equal(t, uint64(500), h.ledger.paidOut("ATOK", owner))
	require.Equal(t, uint64(1_600), h.ledger.paidIn("ATOK", owner))
}

func TestEmergencyWithdrawChargesPenaltyWhilePaused(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	order := h.submit(t, owner, 1_000, 100, SellB)
	h.coord.SetPauses(nativecommon.NewPauseSet(moduleName))

	receipt, err := h.coord.EmergencyWithdraw(context.Background(), owner, order.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(10), receipt.Penalty.Uint64())
	require.Equal(t, uint64(990), receipt.Refund.Uint64())
	require.Equal(t, uint64(990), h.ledger.paidOut("BTOK", owner))
	require.False(t, receipt.Order.Active)
	require.Equal(t, uint64(10), h.coord.Statistics().FeesCollected.Uint64())
	require.NoError(t, h.store.VerifyAggregates("pool-1"))
}

func TestPauseBlocksSubmitAndExecute(t *testing.T) {
	h := newHarness(t)
	pauses := nativecommon.NewPauseSet()
	h.coord.SetPauses(pauses)
	h.submit(t, testAddress(1), 1_000, 100, SellA)

	pauses.Set(moduleName, true)
	_, err := h.coord.SubmitOrder(context.Background(), testAddress(1), SubmitRequest{
		PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(100),
	})
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	h.now = 10
	_, err = h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	pauses.Set(moduleName, false)
	res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestQuotaLimitsSubmissionsPerEpoch(t *testing.T) {
	h := newHarness(t)
	h.coord.SetQuota(nativecommon.Quota{MaxOrdersPerEpoch: 1, EpochTicks: 100})
	owner := testAddress(1)
	h.submit(t, owner, 1_000, 100, SellA)

	_, err := h.coord.SubmitOrder(context.Background(), owner, SubmitRequest{
		PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(100),
	})
	require.ErrorIs(t, err, nativecommon.ErrQuotaOrdersExceeded)
	h.submit(t, testAddress(2), 1_000, 100, SellA)

	h.now = 100
	h.submit(t, owner, 1_000, 100, SellA)
}

func TestExecutePendingOrdersRewardsCaller(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testAddress(1), 1_000, 100, SellA)
	keeper := testAddress(7)

	h.now = 40
	res, err := h.coord.ExecutePendingOrders(context.Background(), keeper, "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(100), h.payer.paid[keeper])
	require.Equal(t, uint64(100), h.coord.Statistics().IncentivesPaid.Uint64())
	require.Zero(t, h.coord.ExecutionState("pool-1").AccumulatedIncentive.Uint64())

	// Nothing elapsed: no work, no reward.
	res, err = h.coord.ExecutePendingOrders(context.Background(), keeper, "pool-1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, ReasonTooSoon, res.Reason)
}

func TestExecutePendingOrdersRestoresIncentiveOnPayFailure(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testAddress(1), 1_000, 100, SellA)
	h.payer.err = errors.New("payer offline")

	h.now = 40
	res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(7), "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(100), h.coord.ExecutionState("pool-1").AccumulatedIncentive.Uint64())
}

func TestExecutePendingOrdersPaysCompletedOrders(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	order := h.submit(t, owner, 1_000, 100, SellA)

	h.now = 100
	res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(7), "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []uint64{order.ID}, res.Completed)

	done, err := h.coord.Order(order.ID)
	require.NoError(t, err)
	require.False(t, done.Active)
	require.True(t, done.RemainingAmount.IsZero())
	require.Equal(t, done.Proceeds.Uint64(), h.ledger.paidOut("BTOK", owner))
	require.Equal(t, uint64(1), h.coord.Statistics().OrdersCompleted)
	require.False(t, h.coord.NeedsExecution("pool-1"))
}

func TestQuoteAndProgress(t *testing.T) {
	h := newHarness(t)
	q, err := h.coord.Quote(context.Background(), "pool-1", SellA, uint256.NewInt(100_000_000), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), q.SellRate.Uint64())
	require.Equal(t, uint64(50_000_000), q.SoftCap.Uint64())
	require.True(t, q.ExpectedOut.Lt(uint256.NewInt(100_000_000)))
	require.LessOrEqual(t, q.Quality, uint64(100))

	order := h.submit(t, testAddress(1), 1_000, 100, SellA)
	h.now = 50
	progress, err := h.coord.Progress(order)
	require.NoError(t, err)
	require.Equal(t, "500000000000000000", progress.Dec())

	amount, err := h.coord.ExecutableAmount(order.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(500), amount.Uint64())
	cost, err := h.coord.EstimateCost("pool-1")
	require.NoError(t, err)
	require.Equal(t, uint64(50_000+50*1_000+5_000), cost)
}

func TestUpdateParamsValidates(t *testing.T) {
	h := newHarness(t)
	params := DefaultParams()
	params.SoftCapBps = params.HardCapBps + 1
	require.Error(t, h.coord.UpdateParams(params))

	params = DefaultParams()
	params.MaxRateBps = BasisPoints + 1
	require.Error(t, h.coord.UpdateParams(params))

	params = DefaultParams()
	params.MinIntervalTicks = 5
	require.NoError(t, h.coord.UpdateParams(params))
	require.Equal(t, uint64(5), h.coord.Params().MinIntervalTicks)
}

func TestCheckpointRoundTripsThroughSnapshotStore(t *testing.T) {
	h := newHarness(t)
	db := storage.NewMemDB()
	snapshots := NewSnapshotStore(db)
	h.coord.SetCheckpointer(snapshots)

	a := h.submit(t, testAddress(1), 1_000, 100, SellA)
	h.submit(t, testAddress(2), 5_000, 100, SellB)
	h.now = 40
	_, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(7), "pool-1")
	require.NoError(t, err)
	h.now = 60
	_, err = h.coord.CancelOrder(context.Background(), testAddress(1), a.ID)
	require.NoError(t, err)

	snap, ok, err := snapshots.Load()
	require.NoError(t, err)
	require.True(t, ok)

	restoredStore := NewStore()
	restoredEngine := NewEngine(restoredStore, h.venue, DefaultParams())
	restored := NewCoordinator(restoredStore, restoredEngine, newFakeLedger(), &fakePayer{}, func() uint64 { return 60 })
	require.NoError(t, restored.Restore(snap))

	require.Equal(t, h.store.NextOrderID(), restoredStore.NextOrderID())
	for id := uint64(1); id < h.store.NextOrderID(); id++ {
		want, _ := h.store.Order(id)
		got, err := restoredStore.Order(id)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	wantPool, _ := h.store.Pool("pool-1")
	gotPool, err := restoredStore.Pool("pool-1")
	require.NoError(t, err)
	require.Equal(t, wantPool, gotPool)
	require.NoError(t, restoredStore.VerifyAggregates("pool-1"))

	wantExec := h.coord.ExecutionState("pool-1")
	gotExec := restored.ExecutionState("pool-1")
	require.Equal(t, wantExec.CumulativeVolumeB.Dec(), gotExec.CumulativeVolumeB.Dec())
	require.Equal(t, wantExec.Executions, gotExec.Executions)
	require.Equal(t, len(h.store.OrdersByOwner(testAddress(2))), len(restoredStore.OrdersByOwner(testAddress(2))))
}

func TestSnapshotStoreLoadEmpty(t *testing.T) {
	snapshots := NewSnapshotStore(storage.NewMemDB())
	snap, ok, err := snapshots.Load()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, snap)
}

// settleWithProceedsBlocked completes a 1005/100 order at tick 150 while
// BTOK transfers out of custody fail.
func settleWithProceedsBlocked(t *testing.T, h *coordinatorHarness, owner crypto.Address) *Order {
	t.Helper()
	order := h.submit(t, owner, 1_005, 100, SellA)
	h.ledger.failOut["BTOK"] = errors.New("treasury offline")
	h.now = 150
	res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []uint64{order.ID}, res.Completed)

	done, err := h.coord.Order(order.ID)
	require.NoError(t, err)
	require.False(t, done.Active)
	require.True(t, done.PayoutPending)
	require.Equal(t, uint64(5), done.RemainingAmount.Uint64())
	require.False(t, done.Proceeds.IsZero())
	require.Zero(t, h.ledger.paidOut("BTOK", owner))
	require.Zero(t, h.coord.Statistics().OrdersCompleted)
	return done
}

func TestCompletedOrderPayoutRetriedOnNextSettlement(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	done := settleWithProceedsBlocked(t, h, owner)

	_, err := h.coord.CancelOrder(context.Background(), owner, done.ID)
	require.ErrorIs(t, err, ErrOrderNotActive)
	require.Len(t, h.store.PendingPayouts("pool-1"), 1)

	// Still failing: the retry leaves the payout pending.
	h.now = 200
	_, err = h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)
	require.Len(t, h.store.PendingPayouts("pool-1"), 1)

	delete(h.ledger.failOut, "BTOK")
	h.now = 300
	_, err = h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)

	paid, err := h.coord.Order(done.ID)
	require.NoError(t, err)
	require.False(t, paid.PayoutPending)
	require.Empty(t, h.store.PendingPayouts("pool-1"))
	require.Equal(t, done.Proceeds.Uint64(), h.ledger.paidOut("BTOK", owner))
	// Net ATOK returned is the 5 unit dust; failed attempts were pulled back.
	returned := h.ledger.paidOut("ATOK", owner) - (h.ledger.paidIn("ATOK", owner) - 1_105)
	require.Equal(t, uint64(5), returned)
	require.Equal(t, uint64(1), h.coord.Statistics().OrdersCompleted)
}

func TestClaimOrderPaysDeferredPayout(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	done := settleWithProceedsBlocked(t, h, owner)
	h.coord.SetPauses(nativecommon.NewPauseSet(moduleName))

	_, err := h.coord.ClaimOrder(context.Background(), owner, done.ID)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoPayoutPending)
	_, err = h.coord.ClaimOrder(context.Background(), testAddress(2), done.ID)
	require.ErrorIs(t, err, ErrNotOwner)

	delete(h.ledger.failOut, "BTOK")
	receipt, err := h.coord.ClaimOrder(context.Background(), owner, done.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), receipt.Refund.Uint64())
	require.Equal(t, done.Proceeds.Uint64(), receipt.Proceeds.Uint64())
	require.False(t, receipt.Order.PayoutPending)
	require.Equal(t, done.Proceeds.Uint64(), h.ledger.paidOut("BTOK", owner))

	_, err = h.coord.ClaimOrder(context.Background(), owner, done.ID)
	require.ErrorIs(t, err, ErrNoPayoutPending)

	h.coord.SetPauses(nil)
	active := h.submit(t, owner, 1_000, 100, SellA)
	_, err = h.coord.ClaimOrder(context.Background(), owner, active.ID)
	require.ErrorIs(t, err, ErrNoPayoutPending)
}

func TestSubmitOrderRejectsPoolAtSettlementCapacity(t *testing.T) {
	h := newHarness(t)
	params := DefaultParams()
	// Base + three orders + one tick.
	params.MaxSettlementCost = params.Cost.Base + 3*params.Cost.PerOrder + params.Cost.PerTick
	require.NoError(t, h.coord.UpdateParams(params))

	first := h.submit(t, testAddress(1), 1_000, 100, SellA)
	h.submit(t, testAddress(2), 1_000, 100, SellA)
	h.submit(t, testAddress(3), 1_000, 100, SellB)
	_, err := h.coord.SubmitOrder(context.Background(), testAddress(4), SubmitRequest{
		PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(100),
	})
	require.ErrorIs(t, err, ErrPoolFull)
	require.Zero(t, h.ledger.paidIn("ATOK", testAddress(4)))

	// A full pool still settles, one tick per call.
	h.now = 10
	res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)
	require.True(t, res.Success, "reason %s: %v", res.Reason, res.Err)
	require.True(t, res.Partial)
	require.Equal(t, uint64(1), res.To)

	tighter := params
	tighter.MaxSettlementCost = params.Cost.Base + 3*params.Cost.PerOrder - 1
	require.ErrorIs(t, h.coord.UpdateParams(tighter), ErrPoolFull)

	_, err = h.coord.CancelOrder(context.Background(), testAddress(1), first.ID)
	require.NoError(t, err)
	h.submit(t, testAddress(4), 1_000, 100, SellA)
}

func TestSubmitOrderBoundsAggregateRate(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	// Reserves are 1e9, so the default 1% bound is 1e7 per tick.
	h.submit(t, owner, 500_000_000, 100, SellA)
	req := SubmitRequest{
		PoolID:        "pool-1",
		Amount:        uint256.NewInt(600_000_000),
		Direction:     SellA,
		DurationTicks: 100,
		Incentive:     uint256.NewInt(100),
	}
	_, err := h.coord.SubmitOrder(context.Background(), owner, req)
	require.ErrorIs(t, err, ErrRateTooLarge)

	req.Direction = SellB
	_, err = h.coord.SubmitOrder(context.Background(), owner, req)
	require.NoError(t, err)

	params := DefaultParams()
	params.MaxRateBps = 0
	require.NoError(t, h.coord.UpdateParams(params))
	req.Direction = SellA
	_, err = h.coord.SubmitOrder(context.Background(), owner, req)
	require.NoError(t, err)
	require.NoError(t, h.store.VerifyAggregates("pool-1"))
}

func TestVenueCallbackCannotReenterCoordinator(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	order := h.submit(t, owner, 1_000, 100, SellA)

	var cancelErr, withdrawErr, submitErr, claimErr, paramsErr, poolErr error
	var nested *Result
	h.venue.onSwap = func() {
		h.venue.onSwap = nil
		ctx := context.Background()
		_, cancelErr = h.coord.CancelOrder(ctx, owner, order.ID)
		_, withdrawErr = h.coord.EmergencyWithdraw(ctx, owner, order.ID)
		_, submitErr = h.coord.SubmitOrder(ctx, owner, SubmitRequest{
			PoolID: "pool-1", Amount: uint256.NewInt(1_000), DurationTicks: 100, Incentive: uint256.NewInt(100),
		})
		_, claimErr = h.coord.ClaimOrder(ctx, owner, order.ID)
		paramsErr = h.coord.UpdateParams(DefaultParams())
		poolErr = h.coord.InitializePool("pool-2", "ATOK", "CTOK")
		nested, _ = h.coord.ExecutePendingOrders(ctx, owner, "pool-1")
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	h.now = 40
	go func() {
		res, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
		done <- outcome{res, err}
	}()
	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call from the venue during settlement blocked on the coordinator")
	}
	require.NoError(t, got.err)
	require.True(t, got.res.Success)

	for _, err := range []error{cancelErr, withdrawErr, submitErr, claimErr, paramsErr, poolErr} {
		require.ErrorIs(t, err, ErrSettlementInProgress)
	}
	require.Equal(t, ReasonInProgress, nested.Reason)

	current, err := h.coord.Order(order.ID)
	require.NoError(t, err)
	require.True(t, current.Active)
	require.Equal(t, uint64(600), current.RemainingAmount.Uint64())
	require.Equal(t, uint64(2), h.store.NextOrderID())
}

func TestQuoteProjectsScenarios(t *testing.T) {
	h := newHarness(t)
	q, err := h.coord.Quote(context.Background(), "pool-1", SellA, uint256.NewInt(100_000_000), 100)
	require.NoError(t, err)
	require.Len(t, q.Scenarios, quoteScenarios)
	for i, sc := range q.Scenarios {
		ticks := uint64(25 * (i + 1))
		require.Equal(t, ticks, sc.Ticks)
		require.Equal(t, ticks*1_000_000, sc.AmountIn.Uint64())
		require.LessOrEqual(t, sc.Quality, uint64(100))
		if i > 0 {
			prev := q.Scenarios[i-1]
			require.True(t, sc.ExpectedOut.Gt(prev.ExpectedOut))
			require.GreaterOrEqual(t, sc.ImpactBps, prev.ImpactBps)
		}
	}
	require.Equal(t, q.ExpectedOut.Dec(), q.Scenarios[quoteScenarios-1].ExpectedOut.Dec())
	require.Equal(t, uint64(50), q.MEVProtection)

	short, err := h.coord.Quote(context.Background(), "pool-1", SellB, uint256.NewInt(1_000_000), 40)
	require.NoError(t, err)
	require.Equal(t, uint64(20), short.MEVProtection)
}

// batchRecorder counts the keys of every batch written through it and can be
// told to fail.
type batchRecorder struct {
	storage.Database
	mu      sync.Mutex
	batches [][]string
	fail    error
}

func (d *batchRecorder) WriteBatch(entries []storage.KV) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, string(entry.Key))
	}
	d.batches = append(d.batches, keys)
	return d.Database.WriteBatch(entries)
}

func (d *batchRecorder) lastOrderKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, key := range d.batches[len(d.batches)-1] {
		if strings.HasPrefix(key, string(snapshotOrderPrefix)) {
			out = append(out, key)
		}
	}
	return out
}

func TestCheckpointWritesOnlyChangedOrders(t *testing.T) {
	h := newHarness(t)
	db := &batchRecorder{Database: storage.NewMemDB()}
	snapshots := NewSnapshotStore(db)
	h.coord.SetCheckpointer(snapshots)

	h.submit(t, testAddress(1), 1_000, 100, SellA)
	h.submit(t, testAddress(2), 1_000, 100, SellB)
	h.submit(t, testAddress(3), 1_000, 100, SellA)
	require.Equal(t, []string{"twamm/order/3"}, db.lastOrderKeys())

	h.now = 20
	_, err := h.coord.CancelOrder(context.Background(), testAddress(2), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"twamm/order/2"}, db.lastOrderKeys())

	h.now = 40
	_, err = h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
	require.NoError(t, err)
	require.Equal(t, []string{"twamm/order/1", "twamm/order/3"}, db.lastOrderKeys())

	// A failed checkpoint keeps its orders queued for the next one.
	db.fail = errors.New("disk full")
	_, err = h.coord.CancelOrder(context.Background(), testAddress(1), 1)
	require.NoError(t, err)
	db.fail = nil
	h.submit(t, testAddress(4), 1_000, 100, SellB)
	require.Equal(t, []string{"twamm/order/1", "twamm/order/4"}, db.lastOrderKeys())

	snap, ok, err := snapshots.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h.store.NextOrderID(), snap.NextOrderID)
	require.Len(t, snap.Orders, 4)
	for _, order := range snap.Orders {
		want, err := h.store.Order(order.ID)
		require.NoError(t, err)
		require.Equal(t, want.Active, order.Active)
		require.Equal(t, want.LastExecutionTime, order.LastExecutionTime)
		require.Equal(t, want.RemainingAmount.Dec(), order.RemainingAmount.Dec())
		require.Equal(t, want.Proceeds.Dec(), order.Proceeds.Dec())
	}
}

func TestSettersRaceWithOperations(t *testing.T) {
	h := newHarness(t)
	owner := testAddress(1)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.coord.SetPauses(nativecommon.NewPauseSet())
			h.coord.SetEmitter(&recordingEmitter{})
			h.coord.SetLogger(quiet)
			h.coord.SetCheckpointer(NewSnapshotStore(storage.NewMemDB()))
			h.coord.SetQuota(nativecommon.Quota{})
		}
	}()
	for i := 0; i < 50; i++ {
		h.submit(t, owner, 1_000, 100, SellA)
		h.now++
		_, err := h.coord.ExecutePendingOrders(context.Background(), testAddress(9), "pool-1")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	require.NoError(t, h.store.VerifyAggregates("pool-1"))
}
