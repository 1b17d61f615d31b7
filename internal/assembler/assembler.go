package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/models"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

// ServerTimeLayout renders the connection payload's server time.
const ServerTimeLayout = "02-01-2006 15:04:05.000000"

// ErrInstrumentMap aborts a tick: every client record depends on the map.
var ErrInstrumentMap = errors.New("instrument map unavailable")

// StateReader is the read contract of the shared store.
type StateReader interface {
	GetScalar(ctx context.Context, key string) (string, bool, error)
	HashAll(ctx context.Context, key string) ([]store.Field, error)
	HashField(ctx context.Context, key, field string) (string, bool, error)
	HashFields(ctx context.Context, key string, fields ...string) ([]store.Value, error)
	LiveWeights(ctx context.Context) (models.LiveWeights, error)
}

// SeriesReader supplies the latest strategy MTM point.
type SeriesReader interface {
	LatestPoint(ctx context.Context, strategy string) (models.Point, bool, error)
}

// SnapshotPublisher publishes one payload on a topic.
type SnapshotPublisher interface {
	Publish(ctx context.Context, topic models.Topic, payload any) error
}

// Options tunes the assembler.
type Options struct {
	TickInterval       time.Duration
	ClientFetchTimeout time.Duration
	RosterRefresh      time.Duration
	IndexSymbols       []string
	Location           *time.Location
	Now                func() time.Time
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 200 * time.Millisecond
	}
	if o.ClientFetchTimeout <= 0 {
		o.ClientFetchTimeout = 150 * time.Millisecond
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Snapshot is everything one tick publishes.
type Snapshot struct {
	Clients    models.ClientPayload
	Baskets    *models.BasketPayload
	Strategies *models.StrategyChartPayload
	Connection models.ConnectionSnapshot
}

// Assembler periodically reads the store and publishes per-topic snapshots.
type Assembler struct {
	store     StateReader
	series    SeriesReader
	publisher SnapshotPublisher
	roster    *Roster
	opts      Options
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
}

// New creates an assembler.
func New(
	state StateReader,
	series SeriesReader,
	publisher SnapshotPublisher,
	roster *Roster,
	opts Options,
	logger *slog.Logger,
	metrics *instrumentation.Metrics,
) *Assembler {
	opts.applyDefaults()
	return &Assembler{
		store:     state,
		series:    series,
		publisher: publisher,
		roster:    roster,
		opts:      opts,
		logger:    logger.With("component", "assembler"),
		metrics:   metrics,
	}
}

// Run ticks until ctx is cancelled. Ticks never overlap: a slow tick delays
// the next one.
func (a *Assembler) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.TickInterval)
	defer ticker.Stop()

	var refresh <-chan time.Time
	if a.opts.RosterRefresh > 0 {
		t := time.NewTicker(a.opts.RosterRefresh)
		defer t.Stop()
		refresh = t.C
	}

	a.logger.Info("assembler_starting",
		"tick_interval_ms", a.opts.TickInterval.Milliseconds(),
		"clients", len(a.roster.Clients()),
	)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("assembler_stopping")
			return ctx.Err()
		case <-refresh:
			if err := a.roster.Reload(ctx); err != nil {
				a.logger.Error("roster_reload_failed", "error", err)
			}
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("tick_aborted", "error", err)
			}
		}
	}
}

// Tick assembles one snapshot and publishes it. It returns an error only
// when nothing was published.
func (a *Assembler) Tick(ctx context.Context) error {
	startTime := time.Now()

	snap, err := a.Assemble(ctx)
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordTickAborted()
		}
		return err
	}

	a.publish(ctx, models.TopicClient, snap.Clients)
	if snap.Baskets != nil {
		a.publish(ctx, models.TopicBasket, *snap.Baskets)
	}
	a.publish(ctx, models.TopicConnection, snap.Connection)
	if snap.Strategies != nil {
		a.publish(ctx, models.TopicStrategyChart, *snap.Strategies)
	}

	elapsed := time.Since(startTime)
	if a.metrics != nil {
		a.metrics.RecordTickLatency(float64(elapsed.Milliseconds()))
	}

	a.logger.Debug("tick_completed",
		"clients", len(snap.Clients.ClientData),
		"latency_ms", elapsed.Milliseconds(),
	)

	return nil
}

func (a *Assembler) publish(ctx context.Context, topic models.Topic, payload any) {
	if err := a.publisher.Publish(ctx, topic, payload); err != nil {
		a.logger.Error("publish_failed", "topic", topic, "error", err)
	}
}

// Assemble reads the store and builds every payload for one tick.
func (a *Assembler) Assemble(ctx context.Context) (*Snapshot, error) {
	instruments, err := a.instrumentMap(ctx)
	if err != nil {
		return nil, err
	}

	clients := a.roster.Clients()
	sh := a.fetchSheet(ctx, clients)

	snap := &Snapshot{
		Clients: models.ClientPayload{ClientData: make([]models.ClientSnapshot, 0, len(clients))},
	}
	for _, client := range clients {
		snap.Clients.ClientData = append(snap.Clients.ClientData, a.buildClient(ctx, client, instruments, sh))
	}

	weights, err := a.store.LiveWeights(ctx)
	if err != nil {
		a.logger.Error("live_weights_read_failed", "error", err)
		if a.metrics != nil {
			a.metrics.RecordError("assembler", "live_weights")
		}
	} else {
		snap.Baskets = a.baskets(ctx, weights)
		snap.Strategies = a.strategies(ctx, weights)
	}

	snap.Connection = a.connection(ctx)

	return snap, nil
}

func (a *Assembler) instrumentMap(ctx context.Context) (map[string]string, error) {
	raw, ok, err := a.store.GetScalar(ctx, store.KeyInstrumentMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstrumentMap, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %s absent", ErrInstrumentMap, store.KeyInstrumentMap)
	}

	var instruments map[string]string
	if err := json.Unmarshal([]byte(raw), &instruments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstrumentMap, err)
	}
	return instruments, nil
}

// baskets treats each weight category as a basket and reads its non-zero
// MTM series.
func (a *Assembler) baskets(ctx context.Context, weights models.LiveWeights) *models.BasketPayload {
	payload := &models.BasketPayload{BasketData: make([]models.BasketEntry, 0, len(weights))}
	for _, category := range weights {
		key := store.BasketMTMKey(category.Name)
		fields, err := a.store.HashAll(ctx, key)
		if err != nil {
			a.partFailed("", "basket_mtm", fmt.Errorf("%s: %w", key, err))
			continue
		}
		series, skipped := sortedSeries(fields, a.opts.Location, true)
		a.recordSkipped(key, skipped)
		payload.BasketData = append(payload.BasketData, models.BasketEntry{Name: category.Name, Series: series})
	}
	return payload
}

func (a *Assembler) strategies(ctx context.Context, weights models.LiveWeights) *models.StrategyChartPayload {
	groups := models.NewStrategyGroups()
	for _, category := range weights {
		entries := make([]models.NamedSeries, 0, len(category.Strategies))
		for _, strategy := range category.Strategies {
			entry := models.NamedSeries{Name: strategy, Series: models.Series{}}
			point, ok, err := a.series.LatestPoint(ctx, strategy)
			if err != nil {
				a.partFailed("", "strategy_mtm", err)
			} else if ok {
				entry.Series = models.Series{point}
			}
			entries = append(entries, entry)
		}
		groups[category.Name] = entries
	}
	return &models.StrategyChartPayload{Data: groups}
}

func (a *Assembler) connection(ctx context.Context) models.ConnectionSnapshot {
	conn := models.ConnectionSnapshot{
		Time:      a.opts.Now().In(a.opts.Location).Format(ServerTimeLayout),
		LiveIndex: make(map[string]float64, len(a.opts.IndexSymbols)),
		Pulse:     json.RawMessage("null"),
	}

	for _, symbol := range a.opts.IndexSymbols {
		raw, ok, err := a.store.GetScalar(ctx, store.IndexLTPKey(symbol))
		if err != nil {
			a.partFailed("", "index_ltp", err)
			continue
		}
		if !ok {
			continue
		}
		price, err := timeseries.ParseValue(raw)
		if err != nil {
			a.partFailed("", "index_ltp", fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		conn.LiveIndex[symbol] = price
	}

	raw, ok, err := a.store.GetScalar(ctx, store.KeyHeartbeat)
	if err != nil {
		a.partFailed("", "heartbeat", err)
	} else if ok {
		conn.Pulse = opaqueJSON(raw)
	}

	return conn
}

func (a *Assembler) partFailed(client, part string, err error) {
	logger := a.logger
	if client != "" {
		logger = logger.With("client", client)
	}
	logger.Error("snapshot_part_failed", "part", part, "error", err)
	if a.metrics != nil {
		a.metrics.RecordClientFetchError(part)
	}
}

func (a *Assembler) recordSkipped(key string, skipped int) {
	if skipped == 0 {
		return
	}
	a.logger.Debug("series_entries_skipped", "key", key, "skipped", skipped)
	if a.metrics != nil {
		for i := 0; i < skipped; i++ {
			a.metrics.RecordSkippedPoint()
		}
	}
}
