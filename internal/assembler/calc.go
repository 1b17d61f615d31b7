package assembler

import (
	"math"
	"time"

	"mtmfeed/internal/models"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

// roundToDecimal rounds a float64 to a specified number of decimal places.
func roundToDecimal(value float64, decimals int) float64 {
	multiplier := math.Pow(10, float64(decimals))
	return math.Round(value*multiplier) / multiplier
}

// openQuantity is the gross exposure: sum of |qty|.
func openQuantity(positions map[string]models.FlexFloat) float64 {
	var total float64
	for _, q := range positions {
		total += math.Abs(float64(q))
	}
	return total
}

// netQuantity is the signed sum of qty.
func netQuantity(positions map[string]models.FlexFloat) float64 {
	var total float64
	for _, q := range positions {
		total += float64(q)
	}
	return total
}

// sortedSeries parses hash entries into an ascending series. Keys are kept as
// written; entries with an unreadable timestamp or value are counted in
// skipped. With dropZero, zero-valued points are left out.
func sortedSeries(fields []store.Field, loc *time.Location, dropZero bool) (series models.Series, skipped int) {
	points := make([]models.TimedPoint, 0, len(fields))
	for _, f := range fields {
		at, err := timeseries.ParseTimestamp(f.Name, loc)
		if err != nil {
			skipped++
			continue
		}
		value, err := timeseries.ParseValue(f.Value)
		if err != nil {
			skipped++
			continue
		}
		if dropZero && value == 0 {
			continue
		}
		points = append(points, models.TimedPoint{At: at, Label: f.Name, Value: value})
	}

	models.SortTimed(points)

	series = make(models.Series, len(points))
	for i, p := range points {
		series[i] = models.Point{Timestamp: p.Label, Value: p.Value}
	}
	return series, skipped
}
