// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: ошибки с кодами для протокола, повторы ввода-вывода, расчёт выплат.
package common

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Payout считает чистую прибыль по ставке: floor(amount × (multiplier − 1)).
// Округление всегда вниз — дробные очки не выплачиваются.
//
// Примеры:
//
//	Payout(100, 2.50) → 150
//	Payout(100, 1.00) → 0
//	Payout(7, 1.33)   → 2
func Payout(amount int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).
		Mul(multiplier.Sub(decimal.NewFromInt(1))).
		Floor().
		IntPart()
}

// FormatMultiplier форматирует множитель для логов и протокола: "2.35x".
func FormatMultiplier(m decimal.Decimal) string {
	return m.StringFixed(2) + "x"
}

// FormatPoints создаёт строку вида "+100" или "-50" для логов расчётов.
func FormatPoints(delta int64) string {
	if delta >= 0 {
		return fmt.Sprintf("+%d", delta)
	}
	return fmt.Sprintf("%d", delta)
}
