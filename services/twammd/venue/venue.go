package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/holiman/uint256"

	"twamm/crypto"
	"twamm/native/twamm"
	"twamm/services/twammd/storage"
)

var (
	ErrSlippage     = errors.New("venue: output below minimum")
	ErrInvalidInput = errors.New("venue: invalid swap input")
)

// Account returns the ledger account holding a pool's reserves.
func Account(poolID string) crypto.Address {
	return crypto.ModuleAddress("venue/" + strings.TrimSpace(poolID))
}

// Venue is a constant-product pool set whose reserves live in the daemon
// ledger. Swaps pull input from the custody account and return output to it,
// so custody always holds what the coordinator owes its orders.
type Venue struct {
	store   *storage.Storage
	custody string
	logger  *slog.Logger
}

// New returns a venue trading against the custody account.
func New(store *storage.Storage, custody crypto.Address, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Venue{store: store, custody: custody.String(), logger: logger}
}

// Seed registers a pool with its initial reserves. Pools that already have
// reserves are left untouched and Seed reports false.
func (v *Venue) Seed(ctx context.Context, poolID, assetA, assetB string, reserveA, reserveB *uint256.Int) (bool, error) {
	poolID = strings.TrimSpace(poolID)
	seeded := false
	err := v.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.Reserve(poolID); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrReserveNotFound) {
			return err
		}
		account := Account(poolID).String()
		if err := tx.Move("", account, assetA, reserveA, storage.KindReserve); err != nil {
			return err
		}
		if err := tx.Move("", account, assetB, reserveB, storage.KindReserve); err != nil {
			return err
		}
		seeded = true
		return tx.SaveReserve(&storage.PoolReserve{
			PoolID:   poolID,
			Account:  account,
			AssetA:   strings.ToUpper(assetA),
			AssetB:   strings.ToUpper(assetB),
			ReserveA: reserveA.Dec(),
			ReserveB: reserveB.Dec(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("seed pool %s: %w", poolID, err)
	}
	if seeded {
		v.logger.Info("venue: seeded pool", "pool", poolID, "reserve_a", reserveA.Dec(), "reserve_b", reserveB.Dec())
	}
	return seeded, nil
}

func (v *Venue) Reserves(ctx context.Context, poolID string) (*uint256.Int, *uint256.Int, error) {
	reserve, err := v.store.Reserve(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	return parseReserves(reserve)
}

// Swap trades amountIn of the direction's input asset and fails without side
// effects when the output would fall below minOut.
func (v *Venue) Swap(ctx context.Context, poolID string, direction twamm.Direction, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	if amountIn == nil || amountIn.IsZero() || !direction.Valid() {
		return nil, ErrInvalidInput
	}
	var out *uint256.Int
	err := v.store.InTx(ctx, func(tx *storage.Tx) error {
		reserve, err := tx.Reserve(poolID)
		if err != nil {
			return err
		}
		resA, resB, err := parseReserves(reserve)
		if err != nil {
			return err
		}
		assetIn, assetOut := reserve.AssetA, reserve.AssetB
		resIn, resOut := resA, resB
		if direction == twamm.SellB {
			assetIn, assetOut = reserve.AssetB, reserve.AssetA
			resIn, resOut = resB, resA
		}
		out, err = twamm.ConstantProductOut(amountIn, resIn, resOut)
		if err != nil {
			return err
		}
		if minOut != nil && out.Lt(minOut) {
			return fmt.Errorf("%w: got %s, want at least %s", ErrSlippage, out.Dec(), minOut.Dec())
		}
		if err := tx.Move(v.custody, reserve.Account, assetIn, amountIn, storage.KindSwapIn); err != nil {
			return err
		}
		if err := tx.Move(reserve.Account, v.custody, assetOut, out, storage.KindSwapOut); err != nil {
			return err
		}
		resIn.Add(resIn, amountIn)
		resOut.Sub(resOut, out)
		reserve.ReserveA, reserve.ReserveB = resA.Dec(), resB.Dec()
		reserve.Swaps++
		return tx.SaveReserve(reserve)
	})
	if err != nil {
		return nil, err
	}
	v.logger.Debug("venue: swap", "pool", poolID, "direction", direction.String(), "amount_in", amountIn.Dec(), "amount_out", out.Dec())
	return out, nil
}

func parseReserves(reserve *storage.PoolReserve) (*uint256.Int, *uint256.Int, error) {
	a, err := uint256.FromDecimal(reserve.ReserveA)
	if err != nil {
		return nil, nil, fmt.Errorf("pool %s reserve_a: %w", reserve.PoolID, err)
	}
	b, err := uint256.FromDecimal(reserve.ReserveB)
	if err != nil {
		return nil, nil, fmt.Errorf("pool %s reserve_b: %w", reserve.PoolID, err)
	}
	return a, b, nil
}
