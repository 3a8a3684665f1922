package twamm

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrMathOverflow          = errors.New("twamm math: overflow")
	ErrMathUnderflow         = errors.New("twamm math: underflow")
	ErrDivideByZero          = errors.New("twamm math: division by zero")
	ErrOutOfDomain           = errors.New("twamm math: input outside supported domain")
	ErrInsufficientLiquidity = errors.New("twamm math: insufficient liquidity")
	ErrInvalidSeries         = errors.New("twamm math: invalid price/weight series")
)

// BasisPoints is the denominator used for every bps-denominated quantity.
const BasisPoints = 10_000

const (
	maxSqrtIterations = 256
	expTerms          = 20
	lnIterations      = 50
	optimalRateSearch = 50
	qualityHalfScore  = 50
	qualityMaxScore   = 100
	mevSpreadTicks    = 100
)

var (
	// precision is 1e18, the fixed point unit.
	precision      = uint256.NewInt(1_000_000_000_000_000_000)
	twoPrecision   = uint256.NewInt(2_000_000_000_000_000_000)
	expDomainLimit = new(uint256.Int).Mul(uint256.NewInt(50), precision)
	lnTolerance    = uint256.NewInt(1_000_000_000_000)
	ln2            = uint256.NewInt(693_147_180_559_945_309)
	bpsScale       = uint256.NewInt(BasisPoints)
	timeFactorBase = uint256.NewInt(800_000_000_000_000_000)
	timeFactorSpan = uint256.NewInt(200_000_000_000_000_000)
)

// Precision returns the fixed point unit (1e18).
func Precision() *uint256.Int { return new(uint256.Int).Set(precision) }

func zero() *uint256.Int { return new(uint256.Int) }

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero()
	}
	return v
}

func checkedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(orZero(x), orZero(y))
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

func checkedSub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(orZero(x), orZero(y))
	if underflow {
		return nil, ErrMathUnderflow
	}
	return z, nil
}

func checkedMul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(orZero(x), orZero(y))
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

// mulDiv computes floor(x*y/d) with a 512-bit intermediate product.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(orZero(x), orZero(y), d)
	if overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

func saturatingSub(x, y *uint256.Int) *uint256.Int {
	if orZero(x).Lt(orZero(y)) {
		return zero()
	}
	return new(uint256.Int).Sub(x, y)
}

func minInt(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// Sqrt returns floor(sqrt(x)) using Newton's method.
func Sqrt(x *uint256.Int) *uint256.Int {
	if x == nil || x.IsZero() {
		return zero()
	}
	z := new(uint256.Int).Set(x)
	// ceil(x/2) without overflowing on the maximum value.
	y := new(uint256.Int).Rsh(x, 1)
	if x.Uint64()&1 == 1 {
		y.AddUint64(y, 1)
	}
	quo := new(uint256.Int)
	for i := 0; i < maxSqrtIterations && y.Lt(z); i++ {
		z.Set(y)
		quo.Div(x, z)
		y.Add(quo, z)
		y.Rsh(y, 1)
	}
	return z
}

// Exp returns e^x for a 1e18 fixed point x below 50. The Taylor series is
// truncated after a fixed number of terms.
func Exp(x *uint256.Int) (*uint256.Int, error) {
	x = orZero(x)
	if !x.Lt(expDomainLimit) {
		return nil, ErrOutOfDomain
	}
	result := Precision()
	term := Precision()
	for i := uint64(1); i <= expTerms; i++ {
		divisor := new(uint256.Int).Mul(uint256.NewInt(i), precision)
		next, err := mulDiv(term, x, divisor)
		if err != nil {
			return nil, err
		}
		if next.IsZero() {
			break
		}
		term = next
		if result, err = checkedAdd(result, term); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Ln returns the natural logarithm of a 1e18 fixed point x >= 1. The input is
// reduced to [1, 2) by powers of two before Newton iteration.
func Ln(x *uint256.Int) (*uint256.Int, error) {
	x = orZero(x)
	if x.Lt(precision) {
		return nil, ErrOutOfDomain
	}
	mantissa := new(uint256.Int).Set(x)
	var halvings uint64
	for !mantissa.Lt(twoPrecision) {
		mantissa.Rsh(mantissa, 1)
		halvings++
	}

	// m-1 >= ln(m), so the iteration approaches from above.
	y := new(uint256.Int).Sub(mantissa, precision)
	for i := 0; i < lnIterations; i++ {
		ey, err := Exp(y)
		if err != nil {
			return nil, err
		}
		var delta *uint256.Int
		if ey.Gt(mantissa) {
			if delta, err = mulDiv(new(uint256.Int).Sub(ey, mantissa), precision, ey); err != nil {
				return nil, err
			}
			y = saturatingSub(y, delta)
		} else {
			if delta, err = mulDiv(new(uint256.Int).Sub(mantissa, ey), precision, ey); err != nil {
				return nil, err
			}
			y.Add(y, delta)
		}
		if delta.Lt(lnTolerance) {
			break
		}
	}

	offset := new(uint256.Int).Mul(ln2, uint256.NewInt(halvings))
	return checkedAdd(y, offset)
}

// Pow raises a 1e18 fixed point base to an integer power.
func Pow(base *uint256.Int, exponent uint64) (*uint256.Int, error) {
	result := Precision()
	b := new(uint256.Int).Set(orZero(base))
	var err error
	for exponent > 0 {
		if exponent&1 == 1 {
			if result, err = mulDiv(result, b, precision); err != nil {
				return nil, err
			}
		}
		exponent >>= 1
		if exponent > 0 {
			if b, err = mulDiv(b, b, precision); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// TimeWeightingFactor returns 0.8 + 0.2*r/(1+r) in 1e18 fixed point where
// r = amountIn/reserveIn.
func TimeWeightingFactor(amountIn, reserveIn *uint256.Int) (*uint256.Int, error) {
	ratio, err := mulDiv(amountIn, precision, reserveIn)
	if err != nil {
		return nil, err
	}
	denominator, err := checkedAdd(precision, ratio)
	if err != nil {
		return nil, err
	}
	adjustment, err := mulDiv(timeFactorSpan, ratio, denominator)
	if err != nil {
		return nil, err
	}
	return checkedAdd(timeFactorBase, adjustment)
}

// OutGivenIn settles amountIn against the pair using the time-weighted
// closed form newReserveOut = k / (reserveIn + amountIn*factor).
func OutGivenIn(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if orZero(amountIn).IsZero() {
		return zero(), nil
	}
	if orZero(reserveIn).IsZero() || orZero(reserveOut).IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	factor, err := TimeWeightingFactor(amountIn, reserveIn)
	if err != nil {
		return nil, err
	}
	effective, err := mulDiv(amountIn, factor, precision)
	if err != nil {
		return nil, err
	}
	return curveOut(effective, reserveIn, reserveOut)
}

// ConstantProductOut is the output of an instantaneous x*y=k trade.
func ConstantProductOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if orZero(amountIn).IsZero() {
		return zero(), nil
	}
	if orZero(reserveIn).IsZero() || orZero(reserveOut).IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	return curveOut(amountIn, reserveIn, reserveOut)
}

func curveOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	newReserveIn, err := checkedAdd(reserveIn, amountIn)
	if err != nil {
		return nil, err
	}
	newReserveOut, err := mulDiv(reserveIn, reserveOut, newReserveIn)
	if err != nil {
		return nil, err
	}
	out, err := checkedSub(reserveOut, newReserveOut)
	if err != nil {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

// SpotOut values amountIn at the pre-trade price reserveOut/reserveIn.
func SpotOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	return mulDiv(amountIn, reserveOut, reserveIn)
}

// PriceImpact returns the shortfall of the constant-product output against the
// spot-priced output, in basis points.
func PriceImpact(amountIn, reserveIn, reserveOut *uint256.Int) (uint64, error) {
	if orZero(amountIn).IsZero() {
		return 0, nil
	}
	actual, err := ConstantProductOut(amountIn, reserveIn, reserveOut)
	if err != nil {
		return 0, err
	}
	expected, err := SpotOut(amountIn, reserveIn, reserveOut)
	if err != nil {
		return 0, err
	}
	if !expected.Gt(actual) {
		return 0, nil
	}
	impact, err := mulDiv(new(uint256.Int).Sub(expected, actual), bpsScale, expected)
	if err != nil {
		return 0, err
	}
	return impact.Uint64(), nil
}

// ExecutionQuality scores a fill from 0 to 100: half from the output ratio,
// half from how far the impact sits below maxImpactBps.
func ExecutionQuality(expected, actual *uint256.Int, impactBps, maxImpactBps uint64) uint64 {
	outputScore := uint64(qualityHalfScore)
	if !orZero(expected).IsZero() {
		ratio, err := mulDiv(actual, uint256.NewInt(qualityHalfScore), expected)
		switch {
		case err != nil:
			outputScore = 0
		case ratio.GtUint64(qualityHalfScore):
			outputScore = qualityHalfScore
		default:
			outputScore = ratio.Uint64()
		}
	}

	var impactScore uint64
	switch {
	case impactBps == 0:
		impactScore = qualityHalfScore
	case maxImpactBps == 0 || impactBps >= maxImpactBps:
		impactScore = 0
	default:
		impactScore = qualityHalfScore - impactBps*qualityHalfScore/maxImpactBps
	}

	total := outputScore + impactScore
	if total > qualityMaxScore {
		total = qualityMaxScore
	}
	return total
}

// MEVProtectionScore rates from 0 to 100 how hard a schedule is to trade
// against: half for spreading execution over time, full at mevSpreadTicks,
// and half for randomness in 1e18 fixed point, full at one.
func MEVProtectionScore(spreadTicks uint64, randomness *uint256.Int) uint64 {
	spreadScore := uint64(qualityHalfScore)
	if spreadTicks <= mevSpreadTicks {
		spreadScore = spreadTicks * qualityHalfScore / mevSpreadTicks
	}
	randomScore := uint64(qualityHalfScore)
	if r := orZero(randomness); !r.Gt(precision) {
		scaled := new(uint256.Int).Mul(r, uint256.NewInt(qualityHalfScore))
		randomScore = scaled.Div(scaled, precision).Uint64()
	}
	return spreadScore + randomScore
}

// TWAP returns the weight-averaged price of the series.
func TWAP(prices, weights []*uint256.Int) (*uint256.Int, error) {
	if len(prices) == 0 || len(prices) != len(weights) {
		return nil, ErrInvalidSeries
	}
	weighted := zero()
	total := zero()
	for i := range prices {
		product, err := checkedMul(prices[i], weights[i])
		if err != nil {
			return nil, err
		}
		if weighted, err = checkedAdd(weighted, product); err != nil {
			return nil, err
		}
		if total, err = checkedAdd(total, weights[i]); err != nil {
			return nil, err
		}
	}
	if total.IsZero() {
		return nil, ErrDivideByZero
	}
	return new(uint256.Int).Div(weighted, total), nil
}

// OptimalRate returns the largest per-tick rate not exceeding the uniform
// rate totalAmount/ticks whose single-tick impact stays within targetBps.
func OptimalRate(totalAmount *uint256.Int, ticks uint64, reserveIn, reserveOut *uint256.Int, targetBps uint64) (*uint256.Int, error) {
	if ticks == 0 {
		return nil, ErrOutOfDomain
	}
	uniform := new(uint256.Int).Div(orZero(totalAmount), uint256.NewInt(ticks))
	impact, err := PriceImpact(uniform, reserveIn, reserveOut)
	if err != nil {
		return nil, err
	}
	if impact <= targetBps {
		return uniform, nil
	}

	low := uint256.NewInt(1)
	high := new(uint256.Int).Set(uniform)
	best := zero()
	for i := 0; i < optimalRateSearch && !low.Gt(high); i++ {
		mid := new(uint256.Int).Add(low, high)
		mid.Rsh(mid, 1)
		midImpact, err := PriceImpact(mid, reserveIn, reserveOut)
		if err != nil {
			return nil, err
		}
		if midImpact <= targetBps {
			best.Set(mid)
			low.AddUint64(mid, 1)
		} else {
			if mid.IsZero() {
				break
			}
			high.SubUint64(mid, 1)
		}
	}
	return best, nil
}

// TimeDecayFactor is the linear fraction elapsed/total in 1e18 fixed point,
// saturating at one.
func TimeDecayFactor(elapsed, total uint64) (*uint256.Int, error) {
	if total == 0 {
		return nil, ErrDivideByZero
	}
	if elapsed >= total {
		return Precision(), nil
	}
	return mulDiv(uint256.NewInt(elapsed), precision, uint256.NewInt(total))
}
