package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimestampLayout is how series timestamps are rendered on the wire.
const TimestampLayout = "2006-01-02 15:04:05"

// Point is a single (timestamp, value) reading.
type Point struct {
	Timestamp string
	Value     float64
}

// Series is an ordered sequence of points. On the wire it is a JSON object
// whose keys appear in sequence order, e.g. {"09:16:00":5.5,"09:17:00":6}.
type Series []Point

// MarshalJSON writes the series as an object, keeping point order.
func (s Series) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Timestamp)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", p.Timestamp, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object into a series in document order.
func (s *Series) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}

	out := Series{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("series key must be a string, got %T", tok)
		}
		var value float64
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("series value for %s: %w", key, err)
		}
		out = append(out, Point{Timestamp: key, Value: value})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return err
	}

	*s = out
	return nil
}

// Last returns the final point of the series.
func (s Series) Last() (Point, bool) {
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// TimedPoint is a point whose timestamp has been parsed. Label keeps the
// timestamp as the producer wrote it.
type TimedPoint struct {
	At    time.Time
	Label string
	Value float64
}

// SortTimed orders points ascending by time. Equal times keep their input order.
func SortTimed(points []TimedPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].At.Before(points[j].At)
	})
}

// NamedSeries is a series keyed by its owner: {"<name>": {ts: value, ...}}.
type NamedSeries struct {
	Name   string
	Series Series
}

// MarshalJSON writes the single-key object form.
func (n NamedSeries) MarshalJSON() ([]byte, error) {
	key, err := json.Marshal(n.Name)
	if err != nil {
		return nil, err
	}
	series := n.Series
	if series == nil {
		series = Series{}
	}
	body, err := series.MarshalJSON()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(body)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the single-key object form.
func (n *NamedSeries) UnmarshalJSON(data []byte) error {
	var raw map[string]Series
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("named series must have exactly one key, got %d", len(raw))
	}
	for name, series := range raw {
		n.Name = name
		n.Series = series
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// ObjectKeys returns the top-level keys of a JSON object in document order.
func ObjectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %T", tok)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("value for %s: %w", key, err)
		}
		keys = append(keys, key)
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return keys, nil
}
