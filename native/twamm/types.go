package twamm

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"twamm/crypto"
)

// Direction identifies which asset of the pair an order sells.
type Direction uint8

const (
	// SellA sells asset A for asset B.
	SellA Direction = iota
	// SellB sells asset B for asset A.
	SellB
)

func (d Direction) String() string {
	switch d {
	case SellA:
		return "a_to_b"
	case SellB:
		return "b_to_a"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the two supported directions.
func (d Direction) Valid() bool { return d == SellA || d == SellB }

// Opposite returns the counter direction.
func (d Direction) Opposite() Direction {
	if d == SellA {
		return SellB
	}
	return SellA
}

// ParseDirection accepts the canonical names plus the short forms "a" and "b".
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "a_to_b", "a", "sell_a":
		return SellA, nil
	case "b_to_a", "b", "sell_b":
		return SellB, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, value)
	}
}

// Order is a standing instruction to sell a fixed amount of one asset at a
// constant per-tick rate over a bounded window.
type Order struct {
	// ID is assigned monotonically starting at one.
	ID uint64
	// Owner controls cancellation and receives refunds and proceeds.
	Owner     crypto.Address
	PoolID    string
	Direction Direction
	// OriginalAmount is the total input deposited on submission.
	OriginalAmount *uint256.Int
	// RemainingAmount is the input not yet settled.
	RemainingAmount *uint256.Int
	// SellRate is floor(OriginalAmount / duration).
	SellRate  *uint256.Int
	StartTime uint64
	EndTime   uint64
	// LastExecutionTime is the tick up to which the order has been settled.
	LastExecutionTime uint64
	// TotalExecuted is the input consumed by settlements so far.
	TotalExecuted *uint256.Int
	// Proceeds is the output asset credited to the order by settlements.
	Proceeds *uint256.Int
	Active   bool
	// PayoutPending marks a completed order whose proceeds and unsold input
	// are still held in custody.
	PayoutPending bool
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.OriginalAmount = cloneInt(o.OriginalAmount)
	clone.RemainingAmount = cloneInt(o.RemainingAmount)
	clone.SellRate = cloneInt(o.SellRate)
	clone.TotalExecuted = cloneInt(o.TotalExecuted)
	clone.Proceeds = cloneInt(o.Proceeds)
	return &clone
}

// PoolState aggregates the active orders of one venue pair.
type PoolState struct {
	ID          string
	AssetA      string
	AssetB      string
	Initialized bool
	// SellRateA is the sum of SellRate over active SellA orders.
	SellRateA *uint256.Int
	// SellRateB is the sum of SellRate over active SellB orders.
	SellRateB *uint256.Int
	// LastVirtualOrderTime is the tick up to which exposure has been settled.
	LastVirtualOrderTime uint64
	ActiveCountA         uint64
	ActiveCountB         uint64
	CreatedAt            uint64
}

// Clone returns a deep copy of the pool state.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	clone := *p
	clone.SellRateA = cloneInt(p.SellRateA)
	clone.SellRateB = cloneInt(p.SellRateB)
	return &clone
}

// SellRate returns the aggregate rate for a direction.
func (p *PoolState) SellRate(direction Direction) *uint256.Int {
	if direction == SellA {
		return cloneInt(p.SellRateA)
	}
	return cloneInt(p.SellRateB)
}

// AssetFor returns the asset sold in the given direction.
func (p *PoolState) AssetFor(direction Direction) string {
	if direction == SellA {
		return p.AssetA
	}
	return p.AssetB
}

// ActiveCount returns the total number of active orders.
func (p *PoolState) ActiveCount() uint64 {
	return p.ActiveCountA + p.ActiveCountB
}

// ExecutionState is a point-in-time view of a pool's settlement bookkeeping.
type ExecutionState struct {
	Executing            bool
	CumulativeVolumeA    *uint256.Int
	CumulativeVolumeB    *uint256.Int
	LastExecutionTime    uint64
	AccumulatedIncentive *uint256.Int
	Executions           uint64
}

// Statistics holds module-wide counters.
type Statistics struct {
	OrdersCreated   uint64
	OrdersCompleted uint64
	OrdersCancelled uint64
	Settlements     uint64
	VolumeA         *uint256.Int
	VolumeB         *uint256.Int
	// FeesCollected accumulates emergency withdrawal penalties and forfeited
	// exposure from cancellations.
	FeesCollected  *uint256.Int
	IncentivesPaid *uint256.Int
}

func newStatistics() Statistics {
	return Statistics{
		VolumeA:        zero(),
		VolumeB:        zero(),
		FeesCollected:  zero(),
		IncentivesPaid: zero(),
	}
}

// Clone returns a deep copy of the counters.
func (s Statistics) Clone() Statistics {
	clone := s
	clone.VolumeA = cloneInt(s.VolumeA)
	clone.VolumeB = cloneInt(s.VolumeB)
	clone.FeesCollected = cloneInt(s.FeesCollected)
	clone.IncentivesPaid = cloneInt(s.IncentivesPaid)
	return clone
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero()
	}
	return new(uint256.Int).Set(v)
}
