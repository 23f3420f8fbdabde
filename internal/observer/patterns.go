package observer

import "strings"

// injectionSignatures are matched case-insensitively against the endpoint.
var injectionSignatures = []string{
	"' OR '1'='1",
	"'; DROP TABLE",
	"UNION SELECT",
	"' OR 1=1--",
	"admin'--",
}

var upperSignatures = func() []string {
	out := make([]string, len(injectionSignatures))
	for i, s := range injectionSignatures {
		out[i] = strings.ToUpper(s)
	}
	return out
}()

// containsInjection reports whether text carries a known SQL injection signature.
func containsInjection(text string) bool {
	if text == "" {
		return false
	}
	upper := strings.ToUpper(text)
	for _, sig := range upperSignatures {
		if strings.Contains(upper, sig) {
			return true
		}
	}
	return false
}

var (
	bulkActions = map[string]bool{
		"export":      true,
		"bulk_delete": true,
		"bulk_update": true,
	}
	sensitiveResources = map[string]bool{
		"user":       true,
		"api_key":    true,
		"credential": true,
		"audit_log":  true,
	}
	privilegeActions = map[string]bool{
		"role_change":      true,
		"permission_grant": true,
		"admin_access":     true,
	}
	accountSecurityActions = map[string]bool{
		"password_change": true,
		"email_change":    true,
		"mfa_disable":     true,
	}
)

// Event types emitted by the observer.
const (
	EventAPIRequest                 = "api_request"
	EventRateLimitExceeded          = "rate_limit_exceeded"
	EventBruteForceAttempt          = "brute_force_attempt"
	EventUnauthorizedAccessAttempt  = "unauthorized_access_attempt"
	EventSQLInjectionAttempt        = "sql_injection_attempt"
	EventLargeRequest               = "large_request"
	EventDataAccess                 = "data_access"
	EventBulkDataOperation          = "bulk_data_operation"
	EventSensitiveDataAccess        = "sensitive_data_access"
	EventUserAction                 = "user_action"
	EventPrivilegeEscalationAttempt = "privilege_escalation_attempt"
	EventAccountSecurityChange      = "account_security_change"
)

// unusualHour reports whether hour (UTC) falls outside 05:00-23:00.
func unusualHour(hour int) bool {
	return hour < 5 || hour >= 23
}
