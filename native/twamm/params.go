package twamm

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// MaxPriceImpactCeilingBps bounds the configurable price impact limit.
const MaxPriceImpactCeilingBps = 5_000

var (
	errParamsDuration  = errors.New("twamm params: min duration must be positive and not exceed max duration")
	errParamsImpact    = errors.New("twamm params: max price impact must be in (0, 5000] bps")
	errParamsCaps      = errors.New("twamm params: caps must satisfy 0 < soft <= hard <= 10000 bps")
	errParamsSlippage  = errors.New("twamm params: slippage must be below 10000 bps")
	errParamsPenalty   = errors.New("twamm params: emergency penalty must be below 10000 bps")
	errParamsMinAmount = errors.New("twamm params: min order amount must be positive")
	errParamsRate      = errors.New("twamm params: max rate must not exceed 10000 bps")
)

// CostModel estimates the work of one settlement in abstract cost units.
type CostModel struct {
	Base     uint64
	PerTick  uint64
	PerOrder uint64
}

// Estimate returns base + perTick*ticks + perOrder*orders, saturating at the
// maximum uint64.
func (c CostModel) Estimate(ticks, orders uint64) uint64 {
	total := c.Base
	total = saturatingAdd(total, saturatingMul(c.PerTick, ticks))
	total = saturatingAdd(total, saturatingMul(c.PerOrder, orders))
	return total
}

// AffordableTicks returns the largest tick count whose estimate fits within
// budget.
func (c CostModel) AffordableTicks(budget, orders uint64) uint64 {
	fixed := saturatingAdd(c.Base, saturatingMul(c.PerOrder, orders))
	if fixed > budget {
		return 0
	}
	if c.PerTick == 0 {
		return ^uint64(0)
	}
	return (budget - fixed) / c.PerTick
}

// Settleable reports whether a settlement over at least one tick with the
// given number of active orders fits within budget. A zero budget is
// unlimited.
func (c CostModel) Settleable(budget, orders uint64) bool {
	return budget == 0 || c.AffordableTicks(budget, orders) > 0
}

func saturatingAdd(a, b uint64) uint64 {
	if a > ^uint64(0)-b {
		return ^uint64(0)
	}
	return a + b
}

func saturatingMul(a, b uint64) uint64 {
	if a != 0 && b > ^uint64(0)/a {
		return ^uint64(0)
	}
	return a * b
}

// Params groups the tunables enforced by the coordinator and engine.
type Params struct {
	// MinOrderAmount is the smallest accepted order deposit.
	MinOrderAmount *uint256.Int
	// MinDurationTicks and MaxDurationTicks bound the order window.
	MinDurationTicks uint64
	MaxDurationTicks uint64
	// TriggerIncentive is both the minimum incentive deposit per order and the
	// reward paid to the caller of a successful settlement.
	TriggerIncentive *uint256.Int
	// IncentiveAsset names the asset incentives are deposited and paid in.
	IncentiveAsset string
	// MaxSettlementCost caps the estimated cost of one settlement. Longer
	// periods are settled partially.
	MaxSettlementCost uint64
	// MinIntervalTicks is the minimum elapsed time between settlements.
	MinIntervalTicks uint64
	// MaxPriceImpactBps defers settlement when a leg would move the price more.
	MaxPriceImpactBps uint64
	// SlippageBps is the tolerance applied to the closed-form output when
	// calling the venue.
	SlippageBps uint64
	// HardCapBps limits each leg relative to its input reserve.
	HardCapBps uint64
	// SoftCapBps is the preferred leg size used for optimal sizing.
	SoftCapBps uint64
	// EmergencyPenaltyBps is withheld from emergency withdrawals.
	EmergencyPenaltyBps uint64
	// MaxRateBps bounds a direction's aggregate per-tick sell rate relative
	// to the larger reserve. Zero disables the check.
	MaxRateBps uint64
	Cost       CostModel
}

// DefaultParams returns the baseline configuration.
func DefaultParams() Params {
	return Params{
		MinOrderAmount:      uint256.NewInt(1_000),
		MinDurationTicks:    10,
		MaxDurationTicks:    1_000_000,
		TriggerIncentive:    uint256.NewInt(100),
		IncentiveAsset:      "",
		MaxSettlementCost:   10_000_000,
		MinIntervalTicks:    1,
		MaxPriceImpactBps:   1_000,
		SlippageBps:         50,
		HardCapBps:          1_000,
		SoftCapBps:          500,
		EmergencyPenaltyBps: 100,
		MaxRateBps:          100,
		Cost: CostModel{
			Base:     50_000,
			PerTick:  1_000,
			PerOrder: 5_000,
		},
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.MinOrderAmount = cloneInt(p.MinOrderAmount)
	clone.TriggerIncentive = cloneInt(p.TriggerIncentive)
	return clone
}

// Validate checks internal consistency of the parameters.
func (p Params) Validate() error {
	if p.MinOrderAmount == nil || p.MinOrderAmount.IsZero() {
		return errParamsMinAmount
	}
	if p.MinDurationTicks == 0 || p.MinDurationTicks > p.MaxDurationTicks {
		return errParamsDuration
	}
	if p.MaxPriceImpactBps == 0 || p.MaxPriceImpactBps > MaxPriceImpactCeilingBps {
		return fmt.Errorf("%w: got %d", errParamsImpact, p.MaxPriceImpactBps)
	}
	if p.SoftCapBps == 0 || p.SoftCapBps > p.HardCapBps || p.HardCapBps > BasisPoints {
		return errParamsCaps
	}
	if p.SlippageBps >= BasisPoints {
		return errParamsSlippage
	}
	if p.EmergencyPenaltyBps >= BasisPoints {
		return errParamsPenalty
	}
	if p.MaxRateBps > BasisPoints {
		return errParamsRate
	}
	return nil
}
