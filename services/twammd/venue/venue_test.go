package venue

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"twamm/crypto"
	"twamm/native/twamm"
	"twamm/services/twammd/storage"
)

const poolID = "atok-btok"

type fixture struct {
	store   *storage.Storage
	venue   *Venue
	custody crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open("sqlite", storage.MemoryDSN(uuid.NewString()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	custody := crypto.ModuleAddress("twamm")
	v := New(store, custody, nil)
	seeded, err := v.Seed(context.Background(), poolID, "ATOK", "BTOK", uint256.NewInt(1_000_000_000), uint256.NewInt(1_000_000_000))
	if err != nil || !seeded {
		t.Fatalf("seed: seeded=%v err=%v", seeded, err)
	}
	return &fixture{store: store, venue: v, custody: custody}
}

func trader(seed byte) crypto.Address {
	return crypto.NewAddress(crypto.TraderPrefix, bytes.Repeat([]byte{seed}, crypto.AddressLength))
}

func (f *fixture) balance(t *testing.T, account, asset string) uint64 {
	t.Helper()
	got, err := f.store.Balance(context.Background(), account, asset)
	if err != nil {
		t.Fatalf("balance %s %s: %v", account, asset, err)
	}
	return got.Uint64()
}

func TestSeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seeded, err := f.venue.Seed(context.Background(), poolID, "ATOK", "BTOK", uint256.NewInt(5), uint256.NewInt(5))
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if seeded {
		t.Fatalf("expected existing reserves to be kept")
	}
	resA, resB, err := f.venue.Reserves(context.Background(), poolID)
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if resA.Uint64() != 1_000_000_000 || resB.Uint64() != 1_000_000_000 {
		t.Fatalf("unexpected reserves %s/%s", resA, resB)
	}
	if got := f.balance(t, Account(poolID).String(), "ATOK"); got != 1_000_000_000 {
		t.Fatalf("venue account holds %d ATOK", got)
	}
}

func TestSwapMovesCustodyAndReserves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Credit(ctx, f.custody.String(), "ATOK", uint256.NewInt(1_000_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	out, err := f.venue.Swap(ctx, poolID, twamm.SellA, uint256.NewInt(1_000_000), uint256.NewInt(990_000))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 1e9 - 1e18/(1e9+1e6) = 999000.999...
	if out.Uint64() != 999_001 {
		t.Fatalf("unexpected output %s", out)
	}
	if got := f.balance(t, f.custody.String(), "BTOK"); got != 999_001 {
		t.Fatalf("custody BTOK %d", got)
	}
	if got := f.balance(t, f.custody.String(), "ATOK"); got != 0 {
		t.Fatalf("custody ATOK %d", got)
	}
	resA, resB, err := f.venue.Reserves(ctx, poolID)
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if resA.Uint64() != 1_001_000_000 || resB.Uint64() != 1_000_000_000-999_001 {
		t.Fatalf("unexpected reserves %s/%s", resA, resB)
	}
}

func TestSwapBelowMinimumLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Credit(ctx, f.custody.String(), "BTOK", uint256.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := f.venue.Swap(ctx, poolID, twamm.SellB, uint256.NewInt(1_000), uint256.NewInt(1_001))
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("expected slippage error, got %v", err)
	}
	if got := f.balance(t, f.custody.String(), "BTOK"); got != 1_000 {
		t.Fatalf("custody BTOK changed to %d", got)
	}
	_, err = f.venue.Swap(ctx, poolID, twamm.SellB, uint256.NewInt(5_000), nil)
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient custody balance, got %v", err)
	}
}

func TestCoordinatorSettlesAgainstLedgerVenue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var now uint64
	ledger := storage.NewLedger(f.store, f.custody)
	params := twamm.DefaultParams()
	params.IncentiveAsset = "FEE"
	tstore := twamm.NewStore()
	engine := twamm.NewEngine(tstore, f.venue, params)
	payer := storage.NewIncentivePayer(ledger, func() string { return engine.Params().IncentiveAsset })
	coord := twamm.NewCoordinator(tstore, engine, ledger, payer, func() uint64 { return now })
	if err := coord.InitializePool(poolID, "ATOK", "BTOK"); err != nil {
		t.Fatalf("init pool: %v", err)
	}

	alice, bob, keeper := trader(1), trader(2), trader(3)
	for _, credit := range []struct {
		owner  crypto.Address
		asset  string
		amount uint64
	}{
		{alice, "ATOK", 2_000}, {alice, "FEE", 100},
		{bob, "BTOK", 1_000}, {bob, "FEE", 100},
	} {
		if err := f.store.Credit(ctx, credit.owner.String(), credit.asset, uint256.NewInt(credit.amount)); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	submit := func(owner crypto.Address, amount uint64, dir twamm.Direction) *twamm.Order {
		order, err := coord.SubmitOrder(ctx, owner, twamm.SubmitRequest{
			PoolID:        poolID,
			Amount:        uint256.NewInt(amount),
			Direction:     dir,
			DurationTicks: 100,
			Incentive:     uint256.NewInt(100),
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return order
	}
	aliceOrder := submit(alice, 1_000, twamm.SellA)
	bobOrder := submit(bob, 500, twamm.SellB)

	now = 50
	res, err := coord.ExecutePendingOrders(ctx, keeper, poolID)
	if err != nil || !res.Success {
		t.Fatalf("execute: res=%+v err=%v", res, err)
	}
	if len(res.Fills) != 2 || res.Leg == nil || res.Leg.Direction != twamm.SellA {
		t.Fatalf("unexpected settlement %+v", res)
	}
	got, _ := coord.Order(aliceOrder.ID)
	if got.TotalExecuted.Uint64() != 500 {
		t.Fatalf("alice executed %s", got.TotalExecuted)
	}
	got, _ = coord.Order(bobOrder.ID)
	if got.TotalExecuted.Uint64() != 250 {
		t.Fatalf("bob executed %s", got.TotalExecuted)
	}
	if reward := f.balance(t, keeper.String(), "FEE"); reward != 100 {
		t.Fatalf("keeper reward %d", reward)
	}
	resA, _, err := f.venue.Reserves(ctx, poolID)
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	want := new(uint256.Int).Add(uint256.NewInt(1_000_000_000), res.Leg.AmountIn)
	if !resA.Eq(want) {
		t.Fatalf("reserve A %s, want %s", resA, want)
	}

	if _, err := coord.CancelOrder(ctx, alice, aliceOrder.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	accounts := []string{alice.String(), bob.String(), keeper.String(), f.custody.String(), Account(poolID).String()}
	for asset, supply := range map[string]uint64{
		"ATOK": 1_000_000_000 + 2_000,
		"BTOK": 1_000_000_000 + 1_000,
		"FEE":  200,
	} {
		var total uint64
		for _, account := range accounts {
			total += f.balance(t, account, asset)
		}
		if total != supply {
			t.Fatalf("%s supply %d, want %d", asset, total, supply)
		}
	}
	if f.balance(t, alice.String(), "BTOK") == 0 {
		t.Fatalf("alice received no proceeds")
	}
}
