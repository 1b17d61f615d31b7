package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ClientSnapshot is one client's state for one tick. It is built fresh every
// tick and never mutated after construction.
type ClientSnapshot struct {
	Name           string             `json:"name"`
	IdealMTM       float64            `json:"ideal_MTM"`
	ActualMTM      float64            `json:"MTM"`
	MTMTable       Series             `json:"MTMTable"`
	IdealMTMTable  Series             `json:"ideal_MTMTable"`
	RejectedOrders int64              `json:"Rejected_orders"`
	PendingOrders  int64              `json:"Pending_orders"`
	OpenQuantity   float64            `json:"OpenQuantity"`
	NetQuantity    float64            `json:"NetQuantity"`
	LiveTradeBook  []Fill             `json:"Live_Trade_Book"`
	LiveOrderBook  []OrderRow         `json:"Live_Order_Book"`
	Positions      map[string]float64 `json:"Live_Client_Positions"`
	RMSFrame       json.RawMessage    `json:"Live_Client_RMS_df"`
	Margin         float64            `json:"Live_Client_Margin"`
	VaR            float64            `json:"Live_Client_Var"`
}

// EmptyClientSnapshot returns a record with every field at its default.
func EmptyClientSnapshot(name string) ClientSnapshot {
	return ClientSnapshot{
		Name:          name,
		MTMTable:      Series{},
		IdealMTMTable: Series{},
		LiveTradeBook: []Fill{},
		LiveOrderBook: []OrderRow{},
		Positions:     map[string]float64{},
		RMSFrame:      json.RawMessage("null"),
	}
}

// Fill is a filled order from the live trade book.
type Fill struct {
	OrderGeneratedAt   string  `json:"OrderGeneratedDateTime"`
	ExchangeTransactAt string  `json:"ExchangeTransactTime"`
	Symbol             string  `json:"ExchangeInstrumentID"`
	AvgPrice           float64 `json:"OrderAverageTradedPrice"`
	Side               string  `json:"OrderSide"`
	Quantity           float64 `json:"OrderQuantity"`
}

// OrderRow is any order from the live order book, whatever its status.
type OrderRow struct {
	OrderGeneratedAt   string  `json:"OrderGeneratedDateTime"`
	ExchangeTransactAt string  `json:"ExchangeTransactTime"`
	Symbol             string  `json:"ExchangeInstrumentID"`
	AvgPrice           float64 `json:"OrderAverageTradedPrice"`
	Side               string  `json:"OrderSide"`
	LeavesQty          float64 `json:"LeavesQuantity"`
	Quantity           float64 `json:"OrderQuantity"`
	Status             string  `json:"OrderStatus"`
	CancelRejectReason string  `json:"CancelRejectReason"`
}

// OrderStatusFilled is the terminal status kept in the trade book.
const OrderStatusFilled = "Filled"

// RawOrder is an order record as the execution layer stores it.
type RawOrder struct {
	OrderGeneratedDateTime  string       `json:"OrderGeneratedDateTime"`
	ExchangeTransactTime    string       `json:"ExchangeTransactTime"`
	ExchangeInstrumentID    InstrumentID `json:"ExchangeInstrumentID"`
	OrderAverageTradedPrice FlexFloat    `json:"OrderAverageTradedPrice"`
	OrderSide               string       `json:"OrderSide"`
	LeavesQuantity          FlexFloat    `json:"LeavesQuantity"`
	OrderQuantity           FlexFloat    `json:"OrderQuantity"`
	OrderStatus             string       `json:"OrderStatus"`
	CancelRejectReason      string       `json:"CancelRejectReason"`
}

// InstrumentID accepts an exchange instrument id written as a number or a string.
type InstrumentID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *InstrumentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = InstrumentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("instrument id: %w", err)
	}
	*id = InstrumentID(normalizeNumber(n.String()))
	return nil
}

// FlexFloat accepts a number, a numeric string, an empty string or null.
// Non-finite strings such as "NaN" are rejected: they cannot be encoded back
// to JSON.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite numeric string %q", s)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// normalizeNumber renders integral numbers like 101.0 as "101" so ids written
// by float-typed producers still match the instrument map.
func normalizeNumber(s string) string {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != float64(int64(v)) {
		return s
	}
	return strconv.FormatInt(int64(v), 10)
}

// BasketEntry is a basket's non-zero MTM series.
type BasketEntry = NamedSeries

// ConnectionSnapshot carries server time, index prices and the risk heartbeat.
type ConnectionSnapshot struct {
	Time      string             `json:"time"`
	LiveIndex map[string]float64 `json:"live_index"`
	Pulse     json.RawMessage    `json:"pulse"`
}

// ClientPayload is the client_dashboard_data message.
type ClientPayload struct {
	ClientData []ClientSnapshot `json:"client_data"`
}

// BasketPayload is the basket_dashboard_data message.
type BasketPayload struct {
	BasketData []BasketEntry `json:"basket_data"`
}

// StrategyGroups maps a weight category to its per-strategy series.
type StrategyGroups map[string][]NamedSeries

// StrategyChartPayload is the strategy_mtm_chart_data message.
type StrategyChartPayload struct {
	Data StrategyGroups `json:"strategy_mtm_chart_data"`
}

// HistoricalResponse answers a request_historical_data message.
type HistoricalResponse struct {
	Channel Topic          `json:"channel"`
	Data    StrategyGroups `json:"data"`
}
