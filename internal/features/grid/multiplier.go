package grid

import "github.com/shopspring/decimal"

// Multiplier — множитель после revealed безопасных клеток на поле из cells клеток с mines минами:
//
//	m(k) = (1 − edge) × Π_{i=0}^{k−1} (cells − i) / (cells − mines − i)
//
// Это обратная вероятность открыть k безопасных клеток подряд, поэтому при edge = 0
// игра честная: ожидаемый возврат кэшаута после любого k равен ставке.
// Результат округляется вниз до 4 знаков; m(0) = 1.
func Multiplier(cells, mines, revealed int, edge decimal.Decimal) decimal.Decimal {
	if revealed <= 0 {
		return decimal.NewFromInt(1)
	}

	num := decimal.NewFromInt(1).Sub(edge)
	den := decimal.NewFromInt(1)
	for i := 0; i < revealed; i++ {
		num = num.Mul(decimal.NewFromInt(int64(cells - i)))
		den = den.Mul(decimal.NewFromInt(int64(cells - mines - i)))
	}

	q, _ := num.QuoRem(den, 4)
	return q
}
