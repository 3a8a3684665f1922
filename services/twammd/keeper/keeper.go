package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"twamm/crypto"
	"twamm/native/twamm"
)

// Settler is the subset of the coordinator the keeper drives.
type Settler interface {
	Pools() []*twamm.PoolState
	NeedsExecution(poolID string) bool
	ExecutePendingOrders(ctx context.Context, caller crypto.Address, poolID string) (*twamm.Result, error)
}

// Recorder persists successful settlements.
type Recorder interface {
	RecordSettlement(ctx context.Context, caller string, res *twamm.Result) error
}

// Keeper periodically settles every pool with pending exposure and collects
// the trigger incentive for its address.
type Keeper struct {
	settler  Settler
	recorder Recorder
	address  crypto.Address
	interval time.Duration
	logger   *slog.Logger
	once     sync.Once
}

// New constructs a keeper. recorder may be nil.
func New(settler Settler, recorder Recorder, address crypto.Address, interval time.Duration, logger *slog.Logger) (*Keeper, error) {
	if settler == nil {
		return nil, errors.New("keeper: settler required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("keeper: interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{settler: settler, recorder: recorder, address: address, interval: interval, logger: logger}, nil
}

// Run settles pools every interval until the context is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.once.Do(func() {
		k.logger.Info("keeper: started", "interval", k.interval.String(), "address", k.address.String())
	})
	for {
		k.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick attempts one settlement per pool that needs it and returns the number
// of successful settlements.
func (k *Keeper) Tick(ctx context.Context) int {
	settled := 0
	for _, pool := range k.settler.Pools() {
		if ctx.Err() != nil {
			return settled
		}
		if !k.settler.NeedsExecution(pool.ID) {
			continue
		}
		res, err := k.settler.ExecutePendingOrders(ctx, k.address, pool.ID)
		if err != nil {
			k.logger.Warn("keeper: execute pool", "pool", pool.ID, "error", err)
			continue
		}
		if !res.Success {
			k.logger.Debug("keeper: settlement deferred", "pool", pool.ID, "reason", string(res.Reason))
			continue
		}
		settled++
		if k.recorder != nil {
			if err := k.recorder.RecordSettlement(ctx, k.address.String(), res); err != nil {
				k.logger.Error("keeper: record settlement", "pool", pool.ID, "error", err)
			}
		}
	}
	return settled
}
