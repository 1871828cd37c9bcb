package sensors

import (
	"github.com/shopspring/decimal"
)

// temperatureValues computes the statistics of a non-empty sample in
// decimal arithmetic so averages of short decimals stay exact.
func temperatureValues(sample []float64) TemperatureValues {
	var (
		max = decimal.NewFromFloat(sample[0])
		min = max
		sum = decimal.Zero
	)
	for _, v := range sample {
		d := decimal.NewFromFloat(v)
		sum = sum.Add(d)
		if d.GreaterThan(max) {
			max = d
		}
		if d.LessThan(min) {
			min = d
		}
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(sample))))
	return TemperatureValues{
		Max:     max.InexactFloat64(),
		Min:     min.InexactFloat64(),
		Average: avg.InexactFloat64(),
	}
}
