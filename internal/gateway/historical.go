package gateway

import (
	"context"
	"log/slog"
	"time"

	"mtmfeed/internal/models"
)

// WeightsSource supplies the active strategies per category.
type WeightsSource interface {
	LiveWeights(ctx context.Context) (models.LiveWeights, error)
}

// PointsReader rebuilds a strategy's intraday series up to a time of day.
type PointsReader interface {
	PointsBefore(ctx context.Context, strategy string, cutoff time.Time) (models.Series, error)
}

// Historical answers request_historical_data queries.
type Historical struct {
	weights WeightsSource
	series  PointsReader
	logger  *slog.Logger
}

// NewHistorical creates the historical query service.
func NewHistorical(weights WeightsSource, series PointsReader, logger *slog.Logger) *Historical {
	return &Historical{
		weights: weights,
		series:  series,
		logger:  logger.With("component", "historical"),
	}
}

// Query returns, for every strategy of every live weight category, today's
// points strictly before the clock time of cutoff. A strategy whose series
// cannot be read is returned empty.
func (h *Historical) Query(ctx context.Context, cutoff time.Time) (models.HistoricalResponse, error) {
	weights, err := h.weights.LiveWeights(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return models.HistoricalResponse{}, &RequestError{Kind: KindTimeout, Err: err}
		}
		return models.HistoricalResponse{}, &RequestError{Kind: KindUnavailable, Err: err}
	}

	groups := models.NewStrategyGroups()
	for _, category := range weights {
		entries := make([]models.NamedSeries, 0, len(category.Strategies))
		for _, strategy := range category.Strategies {
			series, err := h.series.PointsBefore(ctx, strategy, cutoff)
			if err != nil {
				if ctx.Err() != nil {
					return models.HistoricalResponse{}, &RequestError{Kind: KindTimeout, Err: ctx.Err()}
				}
				h.logger.Warn("strategy_series_unavailable", "strategy", strategy, "error", err)
				series = models.Series{}
			}
			entries = append(entries, models.NamedSeries{Name: strategy, Series: series})
		}
		groups[category.Name] = entries
	}

	return models.HistoricalResponse{Channel: models.TopicHistorical, Data: groups}, nil
}
