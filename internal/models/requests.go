package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RequestHistoricalData is the only inbound message type the gateway answers.
const RequestHistoricalData = "request_historical_data"

// Calendar years an earliestTimestamp may fall in.
const (
	minTimestampYear = 1
	maxTimestampYear = 9999
)

// ClientMessage is an inbound websocket message.
type ClientMessage struct {
	Type              string          `json:"type"`
	EarliestTimestamp json.RawMessage `json:"earliestTimestamp,omitempty"`
}

// EpochMillis converts the earliestTimestamp field, given as a number or a
// string of digits, into a time in loc.
func EpochMillis(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("earliestTimestamp missing")
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, fmt.Errorf("earliestTimestamp: %w", err)
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(raw)
	}

	ms, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// Accept integral floats such as 1700000000000.0
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil || f != float64(int64(f)) {
			return time.Time{}, fmt.Errorf("earliestTimestamp %q is not epoch milliseconds", text)
		}
		ms = int64(f)
	}

	t := time.UnixMilli(ms)
	if y := t.Year(); y < minTimestampYear || y > maxTimestampYear {
		return time.Time{}, fmt.Errorf("earliestTimestamp %d is out of range", ms)
	}
	return t.In(loc), nil
}
