package types

import (
	"fmt"
	"time"
)

// ResponseAction is a countermeasure the responder can execute.
type ResponseAction string

const (
	ActionLog           ResponseAction = "log"
	ActionAlert         ResponseAction = "alert"
	ActionRateLimit     ResponseAction = "rate_limit"
	ActionBlockIP       ResponseAction = "block_ip"
	ActionBlockUser     ResponseAction = "block_user"
	ActionCaptcha       ResponseAction = "captcha"
	ActionMFAChallenge  ResponseAction = "mfa_challenge"
	ActionSessionRevoke ResponseAction = "session_revoke"
	ActionHoneypot      ResponseAction = "honeypot"
	ActionTarpit        ResponseAction = "tarpit"
)

// Actions lists every response action.
func Actions() []ResponseAction {
	return []ResponseAction{
		ActionLog, ActionAlert, ActionRateLimit, ActionBlockIP, ActionBlockUser,
		ActionCaptcha, ActionMFAChallenge, ActionSessionRevoke, ActionHoneypot, ActionTarpit,
	}
}

// ParseAction converts a name to a ResponseAction.
func ParseAction(s string) (ResponseAction, error) {
	for _, a := range Actions() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown response action %q", s)
}

// ResponseStatus is the outcome of one executed action.
type ResponseStatus string

const (
	StatusPending   ResponseStatus = "pending"
	StatusExecuting ResponseStatus = "executing"
	StatusSuccess   ResponseStatus = "success"
	StatusFailed    ResponseStatus = "failed"
	StatusSkipped   ResponseStatus = "skipped"
)

// Statuses lists every response status.
func Statuses() []ResponseStatus {
	return []ResponseStatus{StatusPending, StatusExecuting, StatusSuccess, StatusFailed, StatusSkipped}
}

// ResponseParams overrides action defaults. Zero values mean "use the default".
type ResponseParams struct {
	Target            string                 `json:"target,omitempty"`
	DurationSeconds   int                    `json:"duration_seconds,omitempty"`
	RequestsPerMinute int                    `json:"requests_per_minute,omitempty"`
	DelayMs           int                    `json:"delay_ms,omitempty"`
	Reason            string                 `json:"reason,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ResponseRecord records one attempted countermeasure.
type ResponseRecord struct {
	ID              string         `json:"id"`
	AssessmentID    string         `json:"assessment_id"`
	Action          ResponseAction `json:"action"`
	Status          ResponseStatus `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	Target          string         `json:"target,omitempty"`
	DurationSeconds *int           `json:"duration_seconds,omitempty"`
	Result          string         `json:"result"`
	Details         ResponseParams `json:"details"`
}

// RateLimit is an active rate limit applied to a key.
type RateLimit struct {
	Limit         int       `json:"limit"`
	WindowSeconds int       `json:"window_seconds"`
	Expiry        time.Time `json:"expiry"`
}

// BlockEntry describes an active IP or user block.
type BlockEntry struct {
	Key              string    `json:"key"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}
