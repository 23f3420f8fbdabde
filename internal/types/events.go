// Package types defines the shared records passed between the observer,
// analyzer and responder stages and exposed by the HTTP API.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity levels for events and assessments. The zero value is SeverityLow.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

// Severities lists every severity in ascending order.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity converts a case-insensitive name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// Max returns the higher of the two severities.
func (s Severity) Max(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Layer is the system layer an event was observed on.
type Layer string

const (
	LayerNetwork      Layer = "network"
	LayerApplication  Layer = "application"
	LayerData         Layer = "data"
	LayerUserBehavior Layer = "user_behavior"
)

// Layers lists every observation layer.
func Layers() []Layer {
	return []Layer{LayerNetwork, LayerApplication, LayerData, LayerUserBehavior}
}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	switch l {
	case LayerNetwork, LayerApplication, LayerData, LayerUserBehavior:
		return true
	}
	return false
}

// SecurityEvent is a non-trivial signal emitted by the observer. It is not
// modified after creation.
type SecurityEvent struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Layer     Layer        `json:"layer"`
	EventType string       `json:"event_type"`
	SourceIP  string       `json:"source_ip,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	Endpoint  string       `json:"endpoint,omitempty"`
	Details   EventDetails `json:"details"`
	Severity  Severity     `json:"severity"`
}

// EventDetails carries the layer specific payload of an event. At most one of
// Request and DataAccess is set; Extra holds open-ended context such as the
// user behavior context map.
type EventDetails struct {
	Request    *RequestDetails        `json:"request,omitempty"`
	DataAccess *DataAccessDetails     `json:"data_access,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// RequestDetails is the HTTP metadata of an observed request.
type RequestDetails struct {
	Method         string  `json:"method"`
	StatusCode     int     `json:"status_code"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	RequestSize    int64   `json:"request_size"`
}

// DataAccessDetails describes an observed data access action.
type DataAccessDetails struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
}

// Len returns the number of detail keys the event carries.
func (d EventDetails) Len() int {
	n := len(d.Extra)
	if d.Request != nil {
		n += 4
	}
	if d.DataAccess != nil {
		n += 3
	}
	return n
}

// Clone returns a copy that shares no mutable state with d.
func (d EventDetails) Clone() EventDetails {
	out := EventDetails{}
	if d.Request != nil {
		r := *d.Request
		out.Request = &r
	}
	if d.DataAccess != nil {
		da := *d.DataAccess
		out.DataAccess = &da
	}
	if d.Extra != nil {
		out.Extra = make(map[string]interface{}, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
