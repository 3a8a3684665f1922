package server

import (
	"github.com/holiman/uint256"

	"twamm/native/twamm"
	"twamm/services/twammd/storage"
)

type orderView struct {
	ID                uint64 `json:"id"`
	Owner             string `json:"owner"`
	PoolID            string `json:"pool_id"`
	Direction         string `json:"direction"`
	OriginalAmount    string `json:"original_amount"`
	RemainingAmount   string `json:"remaining_amount"`
	SellRate          string `json:"sell_rate"`
	StartTime         uint64 `json:"start_time"`
	EndTime           uint64 `json:"end_time"`
	LastExecutionTime uint64 `json:"last_execution_time"`
	TotalExecuted     string `json:"total_executed"`
	Proceeds          string `json:"proceeds"`
	Active            bool   `json:"active"`
	PayoutPending     bool   `json:"payout_pending"`
}

func newOrderView(o *twamm.Order) orderView {
	return orderView{
		ID:                o.ID,
		Owner:             o.Owner.String(),
		PoolID:            o.PoolID,
		Direction:         o.Direction.String(),
		OriginalAmount:    dec(o.OriginalAmount),
		RemainingAmount:   dec(o.RemainingAmount),
		SellRate:          dec(o.SellRate),
		StartTime:         o.StartTime,
		EndTime:           o.EndTime,
		LastExecutionTime: o.LastExecutionTime,
		TotalExecuted:     dec(o.TotalExecuted),
		Proceeds:          dec(o.Proceeds),
		Active:            o.Active,
		PayoutPending:     o.PayoutPending,
	}
}

type scenarioView struct {
	Ticks       uint64 `json:"ticks"`
	AmountIn    string `json:"amount_in"`
	ExpectedOut string `json:"expected_out"`
	ImpactBps   uint64 `json:"impact_bps"`
	Quality     uint64 `json:"quality"`
}

func newScenarioViews(scenarios []twamm.Scenario) []scenarioView {
	out := make([]scenarioView, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, scenarioView{
			Ticks:       sc.Ticks,
			AmountIn:    dec(sc.AmountIn),
			ExpectedOut: dec(sc.ExpectedOut),
			ImpactBps:   sc.ImpactBps,
			Quality:     sc.Quality,
		})
	}
	return out
}

func newOrderViews(orders []*twamm.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	return out
}

type poolView struct {
	ID                   string `json:"id"`
	AssetA               string `json:"asset_a"`
	AssetB               string `json:"asset_b"`
	SellRateA            string `json:"sell_rate_a"`
	SellRateB            string `json:"sell_rate_b"`
	LastVirtualOrderTime uint64 `json:"last_virtual_order_time"`
	ActiveCountA         uint64 `json:"active_count_a"`
	ActiveCountB         uint64 `json:"active_count_b"`
	CreatedAt            uint64 `json:"created_at"`
}

func newPoolView(p *twamm.PoolState) poolView {
	return poolView{
		ID:                   p.ID,
		AssetA:               p.AssetA,
		AssetB:               p.AssetB,
		SellRateA:            dec(p.SellRateA),
		SellRateB:            dec(p.SellRateB),
		LastVirtualOrderTime: p.LastVirtualOrderTime,
		ActiveCountA:         p.ActiveCountA,
		ActiveCountB:         p.ActiveCountB,
		CreatedAt:            p.CreatedAt,
	}
}

type executionView struct {
	Executing            bool   `json:"executing"`
	CumulativeVolumeA    string `json:"cumulative_volume_a"`
	CumulativeVolumeB    string `json:"cumulative_volume_b"`
	LastExecutionTime    uint64 `json:"last_execution_time"`
	AccumulatedIncentive string `json:"accumulated_incentive"`
	Executions           uint64 `json:"executions"`
}

func newExecutionView(s twamm.ExecutionState) executionView {
	return executionView{
		Executing:            s.Executing,
		CumulativeVolumeA:    dec(s.CumulativeVolumeA),
		CumulativeVolumeB:    dec(s.CumulativeVolumeB),
		LastExecutionTime:    s.LastExecutionTime,
		AccumulatedIncentive: dec(s.AccumulatedIncentive),
		Executions:           s.Executions,
	}
}

type legView struct {
	Direction string `json:"direction"`
	AmountIn  string `json:"amount_in"`
	Requested string `json:"requested"`
	AmountOut string `json:"amount_out"`
	MinOut    string `json:"min_out"`
	ImpactBps uint64 `json:"impact_bps"`
}

type fillView struct {
	OrderID   uint64 `json:"order_id"`
	Direction string `json:"direction"`
	Executed  string `json:"executed"`
	Proceeds  string `json:"proceeds"`
}

type resultView struct {
	PoolID    string     `json:"pool_id"`
	Success   bool       `json:"success"`
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	From      uint64     `json:"from"`
	To        uint64     `json:"to"`
	Partial   bool       `json:"partial"`
	Cost      uint64     `json:"cost"`
	ExposureA string     `json:"exposure_a"`
	ExposureB string     `json:"exposure_b"`
	Leg       *legView   `json:"leg,omitempty"`
	ConsumedA string     `json:"consumed_a"`
	ConsumedB string     `json:"consumed_b"`
	ProceedsA string     `json:"proceeds_a"`
	ProceedsB string     `json:"proceeds_b"`
	Fills     []fillView `json:"fills"`
	Completed []uint64   `json:"completed"`
	Quality   uint64     `json:"quality"`
}

func newResultView(r *twamm.Result) resultView {
	view := resultView{
		PoolID:    r.PoolID,
		Success:   r.Success,
		Reason:    string(r.Reason),
		From:      r.From,
		To:        r.To,
		Partial:   r.Partial,
		Cost:      r.Cost,
		ExposureA: dec(r.ExposureA),
		ExposureB: dec(r.ExposureB),
		ConsumedA: dec(r.ConsumedA),
		ConsumedB: dec(r.ConsumedB),
		ProceedsA: dec(r.ProceedsA),
		ProceedsB: dec(r.ProceedsB),
		Fills:     make([]fillView, 0, len(r.Fills)),
		Completed: append([]uint64{}, r.Completed...),
		Quality:   r.Quality,
	}
	if r.Err != nil {
		view.Error = r.Err.Error()
	}
	if r.Leg != nil {
		view.Leg = &legView{
			Direction: r.Leg.Direction.String(),
			AmountIn:  dec(r.Leg.AmountIn),
			Requested: dec(r.Leg.Requested),
			AmountOut: dec(r.Leg.AmountOut),
			MinOut:    dec(r.Leg.MinOut),
			ImpactBps: r.Leg.ImpactBps,
		}
	}
	for _, f := range r.Fills {
		view.Fills = append(view.Fills, fillView{
			OrderID:   f.OrderID,
			Direction: f.Direction.String(),
			Executed:  dec(f.Executed),
			Proceeds:  dec(f.Proceeds),
		})
	}
	return view
}

type statisticsView struct {
	OrdersCreated   uint64 `json:"orders_created"`
	OrdersCompleted uint64 `json:"orders_completed"`
	OrdersCancelled uint64 `json:"orders_cancelled"`
	Settlements     uint64 `json:"settlements"`
	VolumeA         string `json:"volume_a"`
	VolumeB         string `json:"volume_b"`
	FeesCollected   string `json:"fees_collected"`
	IncentivesPaid  string `json:"incentives_paid"`
}

func newStatisticsView(s twamm.Statistics) statisticsView {
	return statisticsView{
		OrdersCreated:   s.OrdersCreated,
		OrdersCompleted: s.OrdersCompleted,
		OrdersCancelled: s.OrdersCancelled,
		Settlements:     s.Settlements,
		VolumeA:         dec(s.VolumeA),
		VolumeB:         dec(s.VolumeB),
		FeesCollected:   dec(s.FeesCollected),
		IncentivesPaid:  dec(s.IncentivesPaid),
	}
}

// paramsView is both the response and the admin update body. Empty amount
// strings and zero numbers keep the current value on update.
type paramsView struct {
	MinOrderAmount      string `json:"min_order_amount"`
	MinDurationTicks    uint64 `json:"min_duration_ticks"`
	MaxDurationTicks    uint64 `json:"max_duration_ticks"`
	TriggerIncentive    string `json:"trigger_incentive"`
	IncentiveAsset      string `json:"incentive_asset"`
	MaxSettlementCost   uint64 `json:"max_settlement_cost"`
	MinIntervalTicks    uint64 `json:"min_interval_ticks"`
	MaxPriceImpactBps   uint64 `json:"max_price_impact_bps"`
	SlippageBps         uint64 `json:"slippage_bps"`
	HardCapBps          uint64 `json:"hard_cap_bps"`
	SoftCapBps          uint64 `json:"soft_cap_bps"`
	EmergencyPenaltyBps uint64 `json:"emergency_penalty_bps"`
	MaxRateBps          uint64 `json:"max_rate_bps"`
}

func newParamsView(p twamm.Params) paramsView {
	return paramsView{
		MinOrderAmount:      dec(p.MinOrderAmount),
		MinDurationTicks:    p.MinDurationTicks,
		MaxDurationTicks:    p.MaxDurationTicks,
		TriggerIncentive:    dec(p.TriggerIncentive),
		IncentiveAsset:      p.IncentiveAsset,
		MaxSettlementCost:   p.MaxSettlementCost,
		MinIntervalTicks:    p.MinIntervalTicks,
		MaxPriceImpactBps:   p.MaxPriceImpactBps,
		SlippageBps:         p.SlippageBps,
		HardCapBps:          p.HardCapBps,
		SoftCapBps:          p.SoftCapBps,
		EmergencyPenaltyBps: p.EmergencyPenaltyBps,
		MaxRateBps:          p.MaxRateBps,
	}
}

func (v paramsView) apply(p twamm.Params) (twamm.Params, error) {
	next := p.Clone()
	if v.MinOrderAmount != "" {
		amount, err := uint256.FromDecimal(v.MinOrderAmount)
		if err != nil {
			return next, err
		}
		next.MinOrderAmount = amount
	}
	if v.TriggerIncentive != "" {
		amount, err := uint256.FromDecimal(v.TriggerIncentive)
		if err != nil {
			return next, err
		}
		next.TriggerIncentive = amount
	}
	if v.IncentiveAsset != "" {
		next.IncentiveAsset = v.IncentiveAsset
	}
	for _, field := range []struct {
		dst *uint64
		v   uint64
	}{
		{&next.MinDurationTicks, v.MinDurationTicks},
		{&next.MaxDurationTicks, v.MaxDurationTicks},
		{&next.MaxSettlementCost, v.MaxSettlementCost},
		{&next.MinIntervalTicks, v.MinIntervalTicks},
		{&next.MaxPriceImpactBps, v.MaxPriceImpactBps},
		{&next.SlippageBps, v.SlippageBps},
		{&next.HardCapBps, v.HardCapBps},
		{&next.SoftCapBps, v.SoftCapBps},
		{&next.EmergencyPenaltyBps, v.EmergencyPenaltyBps},
		{&next.MaxRateBps, v.MaxRateBps},
	} {
		if field.v != 0 {
			*field.dst = field.v
		}
	}
	return next, nil
}

type settlementView struct {
	ID           string `json:"id"`
	Caller       string `json:"caller"`
	From         uint64 `json:"from"`
	To           uint64 `json:"to"`
	Partial      bool   `json:"partial"`
	LegDirection string `json:"leg_direction,omitempty"`
	LegAmountIn  string `json:"leg_amount_in,omitempty"`
	LegAmountOut string `json:"leg_amount_out,omitempty"`
	ConsumedA    string `json:"consumed_a"`
	ConsumedB    string `json:"consumed_b"`
	ProceedsA    string `json:"proceeds_a"`
	ProceedsB    string `json:"proceeds_b"`
	Fills        int    `json:"fills"`
	Completed    int    `json:"completed"`
	Quality      uint64 `json:"quality"`
}

func newSettlementViews(rows []storage.Settlement) []settlementView {
	out := make([]settlementView, 0, len(rows))
	for _, row := range rows {
		out = append(out, settlementView{
			ID:           row.ID.String(),
			Caller:       row.Caller,
			From:         row.FromTick,
			To:           row.ToTick,
			Partial:      row.Partial,
			LegDirection: row.LegDirection,
			LegAmountIn:  row.LegAmountIn,
			LegAmountOut: row.LegAmountOut,
			ConsumedA:    row.ConsumedA,
			ConsumedB:    row.ConsumedB,
			ProceedsA:    row.ProceedsA,
			ProceedsB:    row.ProceedsB,
			Fills:        row.Fills,
			Completed:    row.Completed,
			Quality:      row.Quality,
		})
	}
	return out
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
