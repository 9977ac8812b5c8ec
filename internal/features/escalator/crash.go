package escalator

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// CrashPoint переводит равномерное u ∈ [0, 1) в точку краша:
//
//	crash = floor(100 × (1 − edge) / (1 − u)) / 100
//
// P(crash ≥ x) = (1 − edge) / x, то есть ожидаемый возврат равен 1 − edge
// для любой цели кэшаута. Результат не меньше 1.00 и не больше maxCrash.
func CrashPoint(u, edge float64, maxCrash decimal.Decimal) decimal.Decimal {
	raw := 100 * (1 - edge) / (1 - u)
	limit := maxCrash.Mul(hundred).InexactFloat64()
	if raw >= limit || math.IsInf(raw, 0) || math.IsNaN(raw) {
		return maxCrash
	}

	crash := decimal.NewFromFloat(math.Floor(raw)).Div(hundred)
	if crash.LessThan(one) {
		return one
	}
	return crash
}

// stepsTo возвращает число шагов, за которое множитель дойдёт до target.
func stepsTo(target, step decimal.Decimal) int64 {
	return target.Sub(one).Div(step).Ceil().IntPart()
}

// multiplierAfter — множитель через elapsed после старта, не выше crash.
func multiplierAfter(elapsed, tick time.Duration, step, crash decimal.Decimal) decimal.Decimal {
	if elapsed <= 0 {
		return one
	}
	steps := int64(elapsed / tick)
	m := one.Add(step.Mul(decimal.NewFromInt(steps)))
	if m.GreaterThan(crash) {
		return crash
	}
	return m
}
