package responder

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/sentinel/internal/types"
)

// Expired entries are removed lazily by the queries below; there is no
// background sweep.

// IsIPBlocked reports whether ip is under an unexpired block.
func (r *Responder) IsIPBlocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(r.blockedIPs, ip)
}

// IsUserBlocked reports whether user is under an unexpired block.
func (r *Responder) IsUserBlocked(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(r.blockedUsers, user)
}

func (r *Responder) activeLocked(table map[string]time.Time, key string) bool {
	if key == "" {
		return false
	}
	expiry, ok := table[key]
	if !ok {
		return false
	}
	if r.clock.Now().After(expiry) {
		delete(table, key)
		return false
	}
	return true
}

// RateLimit returns the active rate limit for key, if any.
func (r *Responder) RateLimit(key string) (types.RateLimit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.rateLimits[key]
	if !ok {
		return types.RateLimit{}, false
	}
	if r.clock.Now().After(rl.Expiry) {
		delete(r.rateLimits, key)
		return types.RateLimit{}, false
	}
	return rl, true
}

// IsHoneypotTarget reports whether ip is redirected to the decoy.
func (r *Responder) IsHoneypotTarget(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.honeypot.Has(ip)
}

// RemoveHoneypotTarget stops redirecting ip. It reports whether ip was a target.
func (r *Responder) RemoveHoneypotTarget(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.honeypot.Has(ip) {
		return false
	}
	r.honeypot.Delete(ip)
	return true
}

// HoneypotTargets returns the redirected addresses, sorted.
func (r *Responder) HoneypotTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sets.List(r.honeypot)
}

// UnblockIP lifts a block on ip. It reports whether a block existed.
func (r *Responder) UnblockIP(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blockedIPs[ip]
	delete(r.blockedIPs, ip)
	return ok
}

// UnblockUser lifts a block on user. It reports whether a block existed.
func (r *Responder) UnblockUser(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blockedUsers[user]
	delete(r.blockedUsers, user)
	return ok
}

// BlockedIPs returns the unexpired IP blocks, soonest expiry first.
func (r *Responder) BlockedIPs() []types.BlockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entriesLocked(r.blockedIPs)
}

// BlockedUsers returns the unexpired user blocks, soonest expiry first.
func (r *Responder) BlockedUsers() []types.BlockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entriesLocked(r.blockedUsers)
}

func (r *Responder) entriesLocked(table map[string]time.Time) []types.BlockEntry {
	now := r.clock.Now()
	out := make([]types.BlockEntry, 0, len(table))
	for key, expiry := range table {
		if now.After(expiry) {
			delete(table, key)
			continue
		}
		out = append(out, types.BlockEntry{
			Key:              key,
			ExpiresAt:        expiry.UTC(),
			RemainingSeconds: int(expiry.Sub(now).Seconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// History returns up to limit records, newest first. limit <= 0 returns all
// retained records.
func (r *Responder) History(limit int) []*types.ResponseRecord {
	r.mu.Lock()
	items := r.responses.Items()
	r.mu.Unlock()

	out := make([]*types.ResponseRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats summarizes responses and active protection state. Action and status
// breakdowns cover the last 24 hours.
type Stats struct {
	TotalResponses  int                          `json:"total_responses"`
	Responses24h    int                          `json:"responses_24h"`
	BlockedIPs      int                          `json:"blocked_ips"`
	BlockedUsers    int                          `json:"blocked_users"`
	RateLimited     int                          `json:"rate_limited"`
	HoneypotTargets int                          `json:"honeypot_targets"`
	ByAction        map[types.ResponseAction]int `json:"by_action"`
	ByStatus        map[types.ResponseStatus]int `json:"by_status"`
}

// Stats returns response counters.
func (r *Responder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		TotalResponses:  r.responses.Len(),
		BlockedIPs:      len(r.entriesLocked(r.blockedIPs)),
		BlockedUsers:    len(r.entriesLocked(r.blockedUsers)),
		HoneypotTargets: r.honeypot.Len(),
		ByAction:        make(map[types.ResponseAction]int),
		ByStatus:        make(map[types.ResponseStatus]int),
	}
	now := r.clock.Now()
	for key, rl := range r.rateLimits {
		if now.After(rl.Expiry) {
			delete(r.rateLimits, key)
		}
	}
	s.RateLimited = len(r.rateLimits)

	for _, a := range types.Actions() {
		s.ByAction[a] = 0
	}
	for _, st := range types.Statuses() {
		s.ByStatus[st] = 0
	}
	cutoff := now.Add(-24 * time.Hour)
	for _, rec := range r.responses.Items() {
		if !rec.StartedAt.After(cutoff) {
			continue
		}
		s.Responses24h++
		s.ByAction[rec.Action]++
		s.ByStatus[rec.Status]++
	}
	return s
}
