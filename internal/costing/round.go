package costing

import "github.com/shopspring/decimal"

// Published precision per figure class.
const (
	MoneyPlaces    = 6
	FactorPlaces   = 6
	QuantityPlaces = 4
	SharePlaces    = 2
)

// Round rounds v half away from zero to the given number of decimal places.
// v must be finite.
func Round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// RoundMoney rounds a monetary figure to MoneyPlaces.
func RoundMoney(v float64) float64 { return Round(v, MoneyPlaces) }

func roundFactor(v float64) float64 { return Round(v, FactorPlaces) }

func roundQuantity(v float64) float64 { return Round(v, QuantityPlaces) }

// share returns part as a percentage of total.
func share(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return Round(part/total*100, SharePlaces)
}

func fraction(pct float64) float64 { return pct / 100 }

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
