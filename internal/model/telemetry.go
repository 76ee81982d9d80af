package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrTelemetry = errors.New("invalid telemetry record")

// Telemetry is the status record a scraper publishes on its telemetry
// address. Every field except State is optional.
type Telemetry struct {
	State              string   `json:"state"`
	StartTime          *string  `json:"start_time,omitempty"`
	EndTime            *string  `json:"end_time,omitempty"`
	Duration           *float64 `json:"duration,omitempty"` // seconds
	Status             *string  `json:"status,omitempty"`
	NumRequests        *int64   `json:"num_requests,omitempty"`
	SuccessfulRequests *int64   `json:"successful_requests,omitempty"`
	FailedRequests     *int64   `json:"failed_requests,omitempty"`
	RequestsPerMinute  *float64 `json:"requests_per_minute,omitempty"`
	Fault              *string  `json:"fault,omitempty"`
	LastUpdated        *string  `json:"last_updated,omitempty"`
}

// DecodeTelemetry parses exactly one telemetry record. Unknown fields, type
// mismatches, trailing data and a missing state are rejected as a whole; a
// partially valid record is never returned.
func DecodeTelemetry(raw []byte) (Telemetry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var t Telemetry
	if err := dec.Decode(&t); err != nil {
		return Telemetry{}, fmt.Errorf("%w: %w", ErrTelemetry, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Telemetry{}, fmt.Errorf("%w: trailing data", ErrTelemetry)
	}
	if t.State == "" {
		return Telemetry{}, fmt.Errorf("%w: missing state", ErrTelemetry)
	}
	for name, v := range map[string]*int64{
		"num_requests":        t.NumRequests,
		"successful_requests": t.SuccessfulRequests,
		"failed_requests":     t.FailedRequests,
	} {
		if v != nil && *v < 0 {
			return Telemetry{}, fmt.Errorf("%w: negative %s", ErrTelemetry, name)
		}
	}
	return t, nil
}
