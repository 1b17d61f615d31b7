package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newParser(t *testing.T) *RequestParser {
	t.Helper()

	p, err := NewRequestParser(time.UTC)
	if err != nil {
		t.Fatalf("parser: %v", err)
	}
	return p
}

func TestParseHistoricalRequest(t *testing.T) {
	p := newParser(t)
	want := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  string
	}{
		{"digit string", `{"type":"request_historical_data","earliestTimestamp":"1704187800000"}`},
		{"padded string", `{"type":"request_historical_data","earliestTimestamp":" 1704187800000 "}`},
		{"integer", `{"type":"request_historical_data","earliestTimestamp":1704187800000}`},
		{"integral float", `{"type":"request_historical_data","earliestTimestamp":1704187800000.0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := p.Parse([]byte(tt.msg))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if req.Type != "request_historical_data" {
				t.Errorf("type: %q", req.Type)
			}
			if !req.Cutoff.Equal(want) {
				t.Errorf("cutoff: got %v, want %v", req.Cutoff, want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	p := newParser(t)

	tests := []struct {
		name string
		msg  string
		kind RequestErrorKind
	}{
		{"not json", `{"type":`, KindMalformed},
		{"array", `[1]`, KindMalformed},
		{"missing timestamp", `{"type":"request_historical_data"}`, KindInvalid},
		{"letters", `{"type":"request_historical_data","earliestTimestamp":"soon"}`, KindInvalid},
		{"boolean", `{"type":"request_historical_data","earliestTimestamp":true}`, KindInvalid},
		{"fraction", `{"type":"request_historical_data","earliestTimestamp":1.5}`, KindTimestamp},
		{"far future", `{"type":"request_historical_data","earliestTimestamp":9e18}`, KindTimestamp},
		{"far future string", `{"type":"request_historical_data","earliestTimestamp":"9000000000000000000"}`, KindTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tt.msg))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := KindOf(err); got != tt.kind {
				t.Errorf("kind: got %s, want %s (%v)", got, tt.kind, err)
			}
		})
	}
}

func TestParseOtherTypesPassThrough(t *testing.T) {
	p := newParser(t)

	for _, msg := range []string{`{"type":"ping"}`, `{}`, `null`} {
		req, err := p.Parse([]byte(msg))
		if err != nil {
			t.Errorf("%s: unexpected error %v", msg, err)
		}
		if req.Type == "request_historical_data" {
			t.Errorf("%s: unexpected type", msg)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("wrapped: %w", &RequestError{Kind: KindTimestamp, Err: errors.New("x")})); got != KindTimestamp {
		t.Errorf("wrapped request error: %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("deadline: %s", got)
	}
	if got := KindOf(errors.New("redis down")); got != KindUnavailable {
		t.Errorf("other: %s", got)
	}
}
