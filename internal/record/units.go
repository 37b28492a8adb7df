package record

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	decimal32        = decimal.NewFromInt(32)
	decimalFive      = decimal.NewFromInt(5)
	decimalNine      = decimal.NewFromInt(9)
	kelvinOffset     = decimal.RequireFromString("273.15")
	conversionPlaces = int32(6)
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitCelsius, UnitFahrenheit, UnitKelvin, UnitRelativeHumidity:
		return true
	}
	return false
}

// ForMetric reports whether u can express values of metric m.
func (u Unit) ForMetric(m Metric) bool {
	switch m {
	case MetricTemperature:
		return u == UnitCelsius || u == UnitFahrenheit || u == UnitKelvin
	case MetricHumidity:
		return u == UnitRelativeHumidity
	}
	return false
}

// ConvertUnit converts value from one unit to another of the same metric.
// Temperature conversions round to 6 decimal places.
func ConvertUnit(value decimal.Decimal, from, to Unit) (decimal.Decimal, error) {
	if from == to {
		return value, nil
	}

	celsius, err := toCelsius(value, from)
	if err != nil {
		return decimal.Decimal{}, err
	}

	switch to {
	case UnitCelsius:
		return celsius.Round(conversionPlaces), nil
	case UnitFahrenheit:
		return celsius.Mul(decimalNine).Div(decimalFive).Add(decimal32).Round(conversionPlaces), nil
	case UnitKelvin:
		return celsius.Add(kelvinOffset).Round(conversionPlaces), nil
	}
	return decimal.Decimal{}, fmt.Errorf("cannot convert %s to %s", from, to)
}

func toCelsius(value decimal.Decimal, from Unit) (decimal.Decimal, error) {
	switch from {
	case UnitCelsius:
		return value, nil
	case UnitFahrenheit:
		return value.Sub(decimal32).Mul(decimalFive).Div(decimalNine), nil
	case UnitKelvin:
		return value.Sub(kelvinOffset), nil
	}
	return decimal.Decimal{}, fmt.Errorf("unit %s is not a temperature unit", from)
}
