package twamm

import (
	"strconv"

	"github.com/holiman/uint256"

	"twamm/core/events"
	"twamm/core/types"
)

const (
	// EventTypeOrderSubmitted is emitted when an order is accepted.
	EventTypeOrderSubmitted = "twamm.order.submitted"
	// EventTypeOrderExecuted is emitted for every order that received a fill.
	EventTypeOrderExecuted = "twamm.order.executed"
	// EventTypeOrderCancelled is emitted when the owner cancels an order.
	EventTypeOrderCancelled = "twamm.order.cancelled"
	// EventTypeOrderCompleted is emitted when settlement exhausts or expires an order.
	EventTypeOrderCompleted = "twamm.order.completed"
	// EventTypeOrderEmergencyWithdrawn is emitted for penalised early exits.
	EventTypeOrderEmergencyWithdrawn = "twamm.order.emergency_withdrawn"
	// EventTypeBatchExecuted summarises a successful settlement.
	EventTypeBatchExecuted = "twamm.batch.executed"
	// EventTypeExecutionFailed reports an aborted settlement and its reason.
	EventTypeExecutionFailed = "twamm.execution.failed"
	// EventTypeLargeOrderDetected is emitted when a leg breaches the price impact limit.
	EventTypeLargeOrderDetected = "twamm.order.large_detected"
	// EventTypeParamsUpdated is emitted when execution parameters change.
	EventTypeParamsUpdated = "twamm.params.updated"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// OrderSubmittedEvent describes a newly accepted order.
func OrderSubmittedEvent(order *Order, incentive *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeOrderSubmitted,
		Attributes: map[string]string{
			"orderId":   u64(order.ID),
			"owner":     order.Owner.String(),
			"poolId":    order.PoolID,
			"direction": order.Direction.String(),
			"amount":    amountString(order.OriginalAmount),
			"sellRate":  amountString(order.SellRate),
			"startTime": u64(order.StartTime),
			"endTime":   u64(order.EndTime),
			"incentive": amountString(incentive),
		},
	}
}

// OrderExecutedEvent describes one order's share of a settlement.
func OrderExecutedEvent(poolID string, fill Fill, settledTo uint64) *types.Event {
	return &types.Event{
		Type: EventTypeOrderExecuted,
		Attributes: map[string]string{
			"orderId":   u64(fill.OrderID),
			"poolId":    poolID,
			"direction": fill.Direction.String(),
			"executed":  amountString(fill.Executed),
			"proceeds":  amountString(fill.Proceeds),
			"settledTo": u64(settledTo),
		},
	}
}

// OrderCancelledEvent describes a cancellation and its refund.
func OrderCancelledEvent(order *Order, refund, forfeited *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeOrderCancelled,
		Attributes: map[string]string{
			"orderId":   u64(order.ID),
			"owner":     order.Owner.String(),
			"poolId":    order.PoolID,
			"refund":    amountString(refund),
			"forfeited": amountString(forfeited),
			"proceeds":  amountString(order.Proceeds),
		},
	}
}

// OrderCompletedEvent describes the payout of an exhausted or expired order.
func OrderCompletedEvent(order *Order, dust *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeOrderCompleted,
		Attributes: map[string]string{
			"orderId":  u64(order.ID),
			"owner":    order.Owner.String(),
			"poolId":   order.PoolID,
			"executed": amountString(order.TotalExecuted),
			"proceeds": amountString(order.Proceeds),
			"refund":   amountString(dust),
		},
	}
}

// OrderEmergencyWithdrawnEvent describes a penalised early exit.
func OrderEmergencyWithdrawnEvent(order *Order, refund, penalty *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeOrderEmergencyWithdrawn,
		Attributes: map[string]string{
			"orderId":  u64(order.ID),
			"owner":    order.Owner.String(),
			"poolId":   order.PoolID,
			"refund":   amountString(refund),
			"penalty":  amountString(penalty),
			"proceeds": amountString(order.Proceeds),
		},
	}
}

// BatchExecutedEvent summarises a successful settlement.
func BatchExecutedEvent(res *Result) *types.Event {
	attrs := map[string]string{
		"poolId":    res.PoolID,
		"from":      u64(res.From),
		"to":        u64(res.To),
		"partial":   strconv.FormatBool(res.Partial),
		"consumedA": amountString(res.ConsumedA),
		"consumedB": amountString(res.ConsumedB),
		"proceedsA": amountString(res.ProceedsA),
		"proceedsB": amountString(res.ProceedsB),
		"fills":     strconv.Itoa(len(res.Fills)),
		"quality":   u64(res.Quality),
	}
	if res.Leg != nil {
		attrs["legDirection"] = res.Leg.Direction.String()
		attrs["legAmountIn"] = amountString(res.Leg.AmountIn)
		attrs["legAmountOut"] = amountString(res.Leg.AmountOut)
		attrs["legImpactBps"] = u64(res.Leg.ImpactBps)
	}
	return &types.Event{Type: EventTypeBatchExecuted, Attributes: attrs}
}

// ExecutionFailedEvent reports an aborted settlement.
func ExecutionFailedEvent(poolID string, reason Reason, err error) *types.Event {
	attrs := map[string]string{
		"poolId": poolID,
		"reason": string(reason),
	}
	if err != nil {
		attrs["error"] = err.Error()
	}
	return &types.Event{Type: EventTypeExecutionFailed, Attributes: attrs}
}

// LargeOrderDetectedEvent reports a leg whose impact exceeds the limit.
func LargeOrderDetectedEvent(poolID string, direction Direction, amountIn *uint256.Int, impactBps, maxImpactBps uint64) *types.Event {
	return &types.Event{
		Type: EventTypeLargeOrderDetected,
		Attributes: map[string]string{
			"poolId":       poolID,
			"direction":    direction.String(),
			"amountIn":     amountString(amountIn),
			"impactBps":    u64(impactBps),
			"maxImpactBps": u64(maxImpactBps),
		},
	}
}

// ParamsUpdatedEvent describes the new execution parameters.
func ParamsUpdatedEvent(p Params) *types.Event {
	return &types.Event{
		Type: EventTypeParamsUpdated,
		Attributes: map[string]string{
			"minOrderAmount":      amountString(p.MinOrderAmount),
			"minDurationTicks":    u64(p.MinDurationTicks),
			"maxDurationTicks":    u64(p.MaxDurationTicks),
			"triggerIncentive":    amountString(p.TriggerIncentive),
			"maxSettlementCost":   u64(p.MaxSettlementCost),
			"minIntervalTicks":    u64(p.MinIntervalTicks),
			"maxPriceImpactBps":   u64(p.MaxPriceImpactBps),
			"slippageBps":         u64(p.SlippageBps),
			"hardCapBps":          u64(p.HardCapBps),
			"softCapBps":          u64(p.SoftCapBps),
			"emergencyPenaltyBps": u64(p.EmergencyPenaltyBps),
			"maxRateBps":          u64(p.MaxRateBps),
		},
	}
}
