package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"mtmfeed/internal/models"
	"mtmfeed/internal/store"
	"mtmfeed/internal/timeseries"
)

// Per-client scalar hashes read once per tick for the whole roster.
var sheetKeys = []string{
	store.KeyIdealMTM,
	store.KeyRejectedOrders,
	store.KeyPendingOrders,
	store.KeyMargin,
	store.KeyVaR,
}

// sheet holds HMGET results for sheetKeys, aligned to the roster.
type sheet struct {
	index  map[string]int
	values map[string][]store.Value
}

func (s sheet) lookup(key, client string) (store.Value, bool) {
	column, ok := s.values[key]
	if !ok {
		return store.Value{}, false
	}
	i, ok := s.index[client]
	if !ok || i >= len(column) {
		return store.Value{}, false
	}
	return column[i], true
}

// fetchSheet reads every sheet hash for clients. A hash that cannot be read is
// left out; the affected fields fall back to their defaults.
func (a *Assembler) fetchSheet(ctx context.Context, clients []string) sheet {
	s := sheet{
		index:  make(map[string]int, len(clients)),
		values: make(map[string][]store.Value, len(sheetKeys)),
	}
	for i, c := range clients {
		s.index[c] = i
	}

	for _, key := range sheetKeys {
		fetchCtx, cancel := context.WithTimeout(ctx, a.opts.ClientFetchTimeout)
		values, err := a.store.HashFields(fetchCtx, key, clients...)
		cancel()
		if err != nil {
			a.partFailed("", "sheet", err)
			continue
		}
		s.values[key] = values
	}

	return s
}

// buildClient assembles one client's record. Each part is read independently;
// a failing part keeps its default and is logged.
func (a *Assembler) buildClient(ctx context.Context, client string, instruments map[string]string, sh sheet) models.ClientSnapshot {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ClientFetchTimeout)
	defer cancel()

	snap := models.EmptyClientSnapshot(client)

	// MTM tables
	if table, err := a.clientSeries(ctx, store.ClientMTMKey(client)); err != nil {
		a.partFailed(client, "mtm_table", err)
	} else {
		snap.MTMTable = table
		if last, ok := table.Last(); ok {
			snap.ActualMTM = roundToDecimal(last.Value, 2)
		}
	}

	if table, err := a.clientSeries(ctx, store.ClientIdealMTMKey(client)); err != nil {
		a.partFailed(client, "ideal_mtm_table", err)
	} else {
		snap.IdealMTMTable = table
		if last, ok := table.Last(); ok {
			snap.IdealMTM = roundToDecimal(last.Value, 2)
		}
	}

	// The published ideal MTM wins over the table's last point when present.
	if v, err := a.sheetFloat(sh, store.KeyIdealMTM, client); err != nil {
		a.partFailed(client, "ideal_mtm", err)
	} else if v != nil {
		snap.IdealMTM = roundToDecimal(*v, 2)
	}

	// Order counters
	if v, err := a.sheetFloat(sh, store.KeyRejectedOrders, client); err != nil {
		a.partFailed(client, "rejected_orders", err)
	} else if v != nil {
		snap.RejectedOrders = int64(math.Round(*v))
	}

	if v, err := a.sheetFloat(sh, store.KeyPendingOrders, client); err != nil {
		a.partFailed(client, "pending_orders", err)
	} else if v != nil {
		snap.PendingOrders = int64(math.Round(*v))
	}

	// Positions
	if raw, err := a.clientPositions(ctx, client); err != nil {
		a.partFailed(client, "positions", err)
	} else {
		snap.OpenQuantity = openQuantity(raw)
		snap.NetQuantity = netQuantity(raw)
		snap.Positions = a.translatePositions(client, raw, instruments)
	}

	// Books
	if orders, err := a.clientOrders(ctx, store.KeyTradeBook, client); err != nil {
		a.partFailed(client, "trade_book", err)
	} else {
		snap.LiveTradeBook = a.tradeBook(client, orders, instruments)
	}

	if orders, err := a.clientOrders(ctx, store.KeyOrderBook, client); err != nil {
		a.partFailed(client, "order_book", err)
	} else {
		snap.LiveOrderBook = a.orderBook(client, orders, instruments)
	}

	// RMS frame is passed through untouched.
	if raw, ok, err := a.store.HashField(ctx, store.KeyRMSFrame, client); err != nil {
		a.partFailed(client, "rms_frame", err)
	} else if ok {
		snap.RMSFrame = opaqueJSON(raw)
	}

	// Risk
	if v, err := a.sheetFloat(sh, store.KeyMargin, client); err != nil {
		a.partFailed(client, "margin", err)
	} else if v != nil {
		snap.Margin = math.Round(*v)
	}

	if v, err := a.sheetFloat(sh, store.KeyVaR, client); err != nil {
		a.partFailed(client, "var", err)
	} else if v != nil {
		snap.VaR = math.Abs(*v)
	}

	return snap
}

// sheetFloat returns nil when the field is absent. Present-but-zero is &0.
func (a *Assembler) sheetFloat(sh sheet, key, client string) (*float64, error) {
	value, ok := sh.lookup(key, client)
	if !ok || !value.Found {
		return nil, nil
	}
	v, err := timeseries.ParseValue(value.Data)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (a *Assembler) clientSeries(ctx context.Context, key string) (models.Series, error) {
	fields, err := a.store.HashAll(ctx, key)
	if err != nil {
		return nil, err
	}
	series, skipped := sortedSeries(fields, a.opts.Location, false)
	a.recordSkipped(key, skipped)
	return series, nil
}

func (a *Assembler) clientPositions(ctx context.Context, client string) (map[string]models.FlexFloat, error) {
	raw, ok, err := a.store.HashField(ctx, store.KeyPositions, client)
	if err != nil || !ok {
		return map[string]models.FlexFloat{}, err
	}

	positions := map[string]models.FlexFloat{}
	if err := json.Unmarshal([]byte(raw), &positions); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return positions, nil
}

func (a *Assembler) clientOrders(ctx context.Context, key, client string) ([]models.RawOrder, error) {
	raw, ok, err := a.store.HashField(ctx, key, client)
	if err != nil || !ok {
		return nil, err
	}

	var orders []models.RawOrder
	if err := json.Unmarshal([]byte(raw), &orders); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return orders, nil
}

// translatePositions maps instrument ids to symbols. Ids missing from the
// instrument map are kept under the raw id and reported.
func (a *Assembler) translatePositions(client string, raw map[string]models.FlexFloat, instruments map[string]string) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for id, qty := range raw {
		out[a.symbolFor(client, id, instruments)] += float64(qty)
	}
	return out
}

func (a *Assembler) tradeBook(client string, orders []models.RawOrder, instruments map[string]string) []models.Fill {
	fills := []models.Fill{}
	for _, o := range orders {
		if o.OrderStatus != models.OrderStatusFilled {
			continue
		}
		fills = append(fills, models.Fill{
			OrderGeneratedAt:   o.OrderGeneratedDateTime,
			ExchangeTransactAt: o.ExchangeTransactTime,
			Symbol:             a.symbolFor(client, string(o.ExchangeInstrumentID), instruments),
			AvgPrice:           float64(o.OrderAverageTradedPrice),
			Side:               o.OrderSide,
			Quantity:           float64(o.OrderQuantity),
		})
	}
	return fills
}

func (a *Assembler) orderBook(client string, orders []models.RawOrder, instruments map[string]string) []models.OrderRow {
	rows := make([]models.OrderRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, models.OrderRow{
			OrderGeneratedAt:   o.OrderGeneratedDateTime,
			ExchangeTransactAt: o.ExchangeTransactTime,
			Symbol:             a.symbolFor(client, string(o.ExchangeInstrumentID), instruments),
			AvgPrice:           float64(o.OrderAverageTradedPrice),
			Side:               o.OrderSide,
			LeavesQty:          float64(o.LeavesQuantity),
			Quantity:           float64(o.OrderQuantity),
			Status:             o.OrderStatus,
			CancelRejectReason: o.CancelRejectReason,
		})
	}
	return rows
}

func (a *Assembler) symbolFor(client, id string, instruments map[string]string) string {
	if symbol, ok := instruments[id]; ok {
		return symbol
	}
	a.logger.Warn("instrument_untranslated", "client", client, "instrument_id", id)
	if a.metrics != nil {
		a.metrics.RecordUntranslated()
	}
	return id
}

// opaqueJSON passes valid JSON through and wraps anything else as a string.
func opaqueJSON(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
