package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaOrdersExceeded  = errors.New("quota orders exceeded")
	ErrQuotaVolumeExceeded  = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an owner.
type QuotaNow struct {
	Orders  uint32
	Volume  uint64
	EpochID uint64
}

// Quota defines the submission limits enforced per owner and epoch. Zero
// values disable the corresponding limit.
type Quota struct {
	MaxOrdersPerEpoch uint32
	MaxVolumePerEpoch uint64
	EpochTicks        uint64
}

// Epoch maps a tick onto the quota epoch it belongs to.
func (q Quota) Epoch(tick uint64) uint64 {
	if q.EpochTicks == 0 {
		return 0
	}
	return tick / q.EpochTicks
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxOrdersPerEpoch > 0 || q.MaxVolumePerEpoch > 0
}

// CheckQuota verifies whether the additional orders and volume fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addOrders uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addOrders > 0 {
		if next.Orders > math.MaxUint32-addOrders {
			return prev, ErrQuotaCounterOverflow
		}
		next.Orders += addOrders
	}
	if q.MaxOrdersPerEpoch > 0 && next.Orders > q.MaxOrdersPerEpoch {
		return prev, ErrQuotaOrdersExceeded
	}

	if addVolume > 0 {
		if next.Volume > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.Volume += addVolume
	}
	if q.MaxVolumePerEpoch > 0 && next.Volume > q.MaxVolumePerEpoch {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
