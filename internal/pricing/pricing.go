// Package pricing считает суммы заказа. Пакет не читает часы и конфигурацию:
// все правила передаются явно.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// minorExp денежные суммы хранятся в центах.
const minorExp = -2

// ErrAmountInvalid строку нельзя разобрать как денежную сумму.
var ErrAmountInvalid = errors.New("invalid money amount")

// ErrAmountOverflow сумма не помещается в int64 центов.
var ErrAmountOverflow = errors.New("money amount overflows")

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Line позиция для расчёта: цена за единицу в центах и количество.
type Line struct {
	UnitPriceMinor int64
	Quantity       int64
}

// Rules налоговая ставка и правила доставки.
type Rules struct {
	// TaxRate доля от подытога, например 0.08.
	TaxRate decimal.Decimal
	// FreeShippingOverMinor доставка бесплатна, если подытог строго больше порога.
	FreeShippingOverMinor int64
	// FlatShippingMinor стоимость доставки ниже порога.
	FlatShippingMinor int64
}

// DefaultRules возвращает правила витрины: налог 8%, доставка 10.00, бесплатно от 100.00.
func DefaultRules() Rules {
	return Rules{
		TaxRate:               decimal.NewFromFloat(0.08),
		FreeShippingOverMinor: 10000,
		FlatShippingMinor:     1000,
	}
}

// Totals итоговые суммы заказа в центах.
type Totals struct {
	SubtotalMinor int64
	TaxMinor      int64
	ShippingMinor int64
	TotalMinor    int64
}

// LineTotal цена позиции. Отрицательные значения и переполнение дают ошибку.
func LineTotal(line Line) (int64, error) {
	if line.UnitPriceMinor < 0 || line.Quantity < 0 {
		return 0, fmt.Errorf("%w: negative line %+v", ErrAmountInvalid, line)
	}
	if line.Quantity != 0 && line.UnitPriceMinor > math.MaxInt64/line.Quantity {
		return 0, fmt.Errorf("%w: %d x %d", ErrAmountOverflow, line.UnitPriceMinor, line.Quantity)
	}
	return line.UnitPriceMinor * line.Quantity, nil
}

// Compute считает подытог, налог, доставку и итог.
// Налог округляется до цента половиной вверх. Total всегда равен Subtotal + Tax + Shipping.
func Compute(lines []Line, rules Rules) (Totals, error) {
	var subtotal int64
	for _, line := range lines {
		lineTotal, err := LineTotal(line)
		if err != nil {
			return Totals{}, err
		}
		if subtotal, err = add(subtotal, lineTotal); err != nil {
			return Totals{}, err
		}
	}

	taxAmount := decimal.NewFromInt(subtotal).Mul(rules.TaxRate).Round(0)
	if taxAmount.GreaterThan(maxMinor) {
		return Totals{}, fmt.Errorf("%w: tax on %d", ErrAmountOverflow, subtotal)
	}
	tax := taxAmount.IntPart()

	shipping := rules.FlatShippingMinor
	if subtotal > rules.FreeShippingOverMinor {
		shipping = 0
	}

	total, err := add(subtotal, tax)
	if err == nil {
		total, err = add(total, shipping)
	}
	if err != nil {
		return Totals{}, err
	}

	return Totals{
		SubtotalMinor: subtotal,
		TaxMinor:      tax,
		ShippingMinor: shipping,
		TotalMinor:    total,
	}, nil
}

// add складывает неотрицательные суммы.
func add(a, b int64) (int64, error) {
	if b > math.MaxInt64-a {
		return 0, fmt.Errorf("%w: %d + %d", ErrAmountOverflow, a, b)
	}
	return a + b, nil
}

// FormatMinor переводит центы в строку с двумя знаками: 7480 -> "74.80".
func FormatMinor(minor int64) string {
	return decimal.New(minor, minorExp).StringFixed(2)
}

// ParseMinor разбирает сумму вида "74.80" в центы. Больше двух знаков после точки не допускается.
func ParseMinor(raw string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrAmountInvalid, raw)
	}
	scaled := value.Shift(-minorExp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than two decimal places", ErrAmountInvalid, raw)
	}
	return scaled.IntPart(), nil
}

// ParseRate разбирает налоговую ставку вида "0.08".
func ParseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || rate.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: tax rate %q", ErrAmountInvalid, raw)
	}
	return rate, nil
}
