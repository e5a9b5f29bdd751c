package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"example.com/nfcstats/internal/timefmt"
)

// Known event types. The set is open; other values are stored as-is and
// only these feed the aggregates and reports.
const (
	EventPageView    = "pageView"
	EventButtonClick = "buttonClick"
	EventNFCScan     = "nfcScan"
	EventFormSubmit  = "formSubmit"
	EventSignup      = "signup"
)

// DefaultSource is the source recorded when an event carries none.
const DefaultSource = "NFC"

// Event is one observed action, as submitted by a device or the web front-end.
// ID is the idempotency key; events without one are never persisted.
type Event struct {
	ID        string         `json:"id,omitempty"`
	EntityID  string         `json:"entityId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Page      string         `json:"page,omitempty"`
	URL       string         `json:"url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Source    string         `json:"source,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// Validation constraints
const (
	MaxIDLen        = 128
	MaxEntityIDLen  = 128
	MaxEventTypeLen = 64
	MaxPageLen      = 2048
)

// UnmarshalJSON accepts "uid" as an alias for "entityId", and any timestamp
// shape timefmt.ToTime understands (RFC 3339 strings, Unix milliseconds,
// {seconds,nanos} objects).
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var aux struct {
		plain
		UID       string `json:"uid"`
		Timestamp any    `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	*e = Event(aux.plain)
	if e.EntityID == "" {
		e.EntityID = aux.UID
	}
	if aux.Timestamp != nil {
		ts, err := timefmt.ToTime(aux.Timestamp)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		e.Timestamp = ts
	}
	return nil
}

// IsCritical reports whether the event is flagged metadata.critical == true.
// Critical events bypass sampling.
func (e *Event) IsCritical() bool {
	v, ok := e.Metadata["critical"].(bool)
	return ok && v
}

// Location is the page if set, else the URL.
func (e *Event) Location() string {
	if e.Page != "" {
		return e.Page
	}
	return e.URL
}

// Platform returns metadata.platform or "unknown".
func (e *Event) Platform() string {
	if p, ok := e.Metadata["platform"].(string); ok && p != "" {
		return p
	}
	return "unknown"
}

// SourceOrDefault returns the event's source or DefaultSource.
func (e *Event) SourceOrDefault() string {
	if e.Source != "" {
		return e.Source
	}
	return DefaultSource
}
