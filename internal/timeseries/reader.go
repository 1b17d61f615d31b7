package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/models"
	"mtmfeed/internal/store"
)

// HashReader is the slice of the store the reader needs.
type HashReader interface {
	HashAll(ctx context.Context, key string) ([]store.Field, error)
}

// Reader rebuilds per-day strategy MTM series from live.mtm_<strategy> hashes.
type Reader struct {
	store   HashReader
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// Option configures a Reader.
type Option func(*Reader)

// WithClock overrides the wall clock used to decide what "today" is.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) { r.now = now }
}

// WithMetrics counts skipped entries.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// New creates a reader. Timestamps without an offset are read in loc.
func New(s HashReader, loc *time.Location, logger *slog.Logger, opts ...Option) *Reader {
	if loc == nil {
		loc = time.Local
	}
	r := &Reader{
		store:  s,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "timeseries"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LatestPoint returns the newest point dated today. Data from earlier days is
// never returned, even when nothing has been written today yet.
func (r *Reader) LatestPoint(ctx context.Context, strategy string) (models.Point, bool, error) {
	today, err := r.today(ctx, strategy)
	if err != nil {
		return models.Point{}, false, err
	}
	if len(today) == 0 {
		return models.Point{}, false, nil
	}

	last := today[len(today)-1]
	return models.Point{Timestamp: last.At.Format(models.TimestampLayout), Value: last.Value}, true, nil
}

// PointsBefore returns today's points whose clock time is strictly before the
// clock time of cutoff. The date of cutoff is ignored.
func (r *Reader) PointsBefore(ctx context.Context, strategy string, cutoff time.Time) (models.Series, error) {
	today, err := r.today(ctx, strategy)
	if err != nil {
		return nil, err
	}

	limit := clockOf(cutoff.In(r.loc))
	out := models.Series{}
	for _, p := range today {
		if clockOf(p.At) < limit {
			out = append(out, models.Point{Timestamp: p.At.Format(models.TimestampLayout), Value: p.Value})
		}
	}
	return out, nil
}

// today loads, parses and sorts the series, keeping only entries dated today.
func (r *Reader) today(ctx context.Context, strategy string) ([]models.TimedPoint, error) {
	key := store.StrategyMTMKey(strategy)
	fields, err := r.store.HashAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read series %s: %w", strategy, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	y, m, d := r.now().In(r.loc).Date()
	points := make([]models.TimedPoint, 0, len(fields))
	for _, f := range fields {
		at, err := ParseTimestamp(f.Name, r.loc)
		if err != nil {
			r.skip(strategy, f, err)
			continue
		}
		value, err := ParseValue(f.Value)
		if err != nil {
			r.skip(strategy, f, err)
			continue
		}
		if py, pm, pd := at.Date(); py != y || pm != m || pd != d {
			continue
		}
		points = append(points, models.TimedPoint{At: at, Value: value})
	}

	models.SortTimed(points)
	return points, nil
}

func (r *Reader) skip(strategy string, f store.Field, err error) {
	r.logger.Debug("series_entry_skipped",
		"strategy", strategy,
		"timestamp", f.Name,
		"error", err,
	)
	if r.metrics != nil {
		r.metrics.RecordSkippedPoint()
	}
}

// clockOf is the time elapsed since local midnight.
func clockOf(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"15:04:05.999999999",
	"15:04",
}

// ParseTimestamp reads the timestamp formats producers write as hash keys.
// Values carrying an explicit offset are converted into loc. Clock-only keys
// parse onto year zero, so they order among themselves but are never "today".
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseValue reads a numeric store value. NaN and infinities are rejected so
// every payload stays encodable.
func ParseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite number %q", s)
	}
	return v, nil
}
