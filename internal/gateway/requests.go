package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mtmfeed/internal/models"
)

// RequestErrorKind classifies why an inbound message was not answered.
type RequestErrorKind string

const (
	KindMalformed   RequestErrorKind = "malformed_json"
	KindInvalid     RequestErrorKind = "invalid_request"
	KindTimestamp   RequestErrorKind = "bad_timestamp"
	KindUnavailable RequestErrorKind = "data_unavailable"
	KindTimeout     RequestErrorKind = "timeout"
)

// RequestError is a client request that gets no response.
type RequestError struct {
	Kind  RequestErrorKind
	Field string
	Err   error
}

func (e *RequestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field '%s': %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// KindOf maps any request-handling error onto a RequestErrorKind.
func KindOf(err error) RequestErrorKind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// historicalRequestSchema describes a request_historical_data message.
// earliestTimestamp is epoch milliseconds, as a number or a string of digits.
var historicalRequestSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"type", "earliestTimestamp"},
	"properties": map[string]interface{}{
		"type": map[string]interface{}{
			"const": models.RequestHistoricalData,
		},
		"earliestTimestamp": map[string]interface{}{
			"type":    []string{"string", "number"},
			"pattern": `^\s*[0-9]+\s*$`,
		},
	},
}

// Request is a parsed inbound message.
type Request struct {
	Type   string
	Cutoff time.Time
}

// RequestParser decodes and validates inbound websocket messages.
type RequestParser struct {
	schema *jsonschema.Schema
	loc    *time.Location
}

// NewRequestParser compiles the request schema. Timestamps are converted into loc.
func NewRequestParser(loc *time.Location) (*RequestParser, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	schemaJSON, err := json.Marshal(historicalRequestSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	if err := compiler.AddResource("historical_request.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("historical_request.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	if loc == nil {
		loc = time.Local
	}

	return &RequestParser{schema: schema, loc: loc}, nil
}

// Parse decodes data. Messages of a type other than request_historical_data
// are returned without further checks so the caller can ignore them.
func (p *RequestParser) Parse(data []byte) (Request, error) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Request{}, &RequestError{Kind: KindMalformed, Err: err}
	}

	req := Request{Type: msg.Type}
	if msg.Type != models.RequestHistoricalData {
		return req, nil
	}

	if err := p.validate(data); err != nil {
		return Request{}, err
	}

	cutoff, err := models.EpochMillis(msg.EarliestTimestamp, p.loc)
	if err != nil {
		return Request{}, &RequestError{Kind: KindTimestamp, Field: "earliestTimestamp", Err: err}
	}
	req.Cutoff = cutoff

	return req, nil
}

func (p *RequestParser) validate(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return &RequestError{Kind: KindMalformed, Err: err}
	}

	if err := p.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return &RequestError{Kind: KindInvalid, Field: leaf.InstanceLocation, Err: errors.New(leaf.Message)}
		}
		return &RequestError{Kind: KindInvalid, Err: err}
	}
	return nil
}
