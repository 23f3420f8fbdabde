package observer

import (
	"time"

	"github.com/invisible-tech/sentinel/internal/types"
)

// suspiciousIPLimit caps SuspiciousIPs output.
const suspiciousIPLimit = 20

// EventFilter narrows RecentEvents. Zero values disable a filter.
type EventFilter struct {
	Limit       int
	Layer       types.Layer
	MinSeverity *types.Severity
}

// Stats summarizes observed events.
type Stats struct {
	TotalEvents       int                    `json:"total_events"`
	EventsLastHour    int                    `json:"events_last_hour"`
	EventsLastDay     int                    `json:"events_last_day"`
	BySeverity        map[types.Severity]int `json:"by_severity"`
	ByLayer           map[types.Layer]int    `json:"by_layer"`
	SuspiciousIPCount int                    `json:"suspicious_ip_count"`
	TrackedRateKeys   int                    `json:"tracked_rate_keys"`
}

// RecentEvents returns the most recent retained events matching f, oldest
// first. Filters apply before the limit.
func (o *Observer) RecentEvents(f EventFilter) []*types.SecurityEvent {
	o.mu.Lock()
	matched := o.events.Filter(func(e *types.SecurityEvent) bool {
		if f.Layer != "" && e.Layer != f.Layer {
			return false
		}
		if f.MinSeverity != nil && !e.Severity.AtLeast(*f.MinSeverity) {
			return false
		}
		return true
	})
	o.mu.Unlock()

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// SuspiciousIPs returns the addresses that most often tripped the request
// rate limit, highest count first.
func (o *Observer) SuspiciousIPs() []SuspiciousIP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspicious.top(suspiciousIPLimit)
}

// Stats returns counts over the retained event log. Severity and layer
// breakdowns cover the last 24 hours.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	s := Stats{
		TotalEvents:       o.events.Len(),
		BySeverity:        make(map[types.Severity]int),
		ByLayer:           make(map[types.Layer]int),
		SuspiciousIPCount: o.suspicious.len(),
		TrackedRateKeys:   o.requestRate.len(),
	}
	for _, e := range o.events.Items() {
		if e.Timestamp.After(hourAgo) {
			s.EventsLastHour++
		}
		if e.Timestamp.After(dayAgo) {
			s.EventsLastDay++
			s.BySeverity[e.Severity]++
			s.ByLayer[e.Layer]++
		}
	}
	return s
}
