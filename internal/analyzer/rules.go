package analyzer

import (
	"strings"

	"github.com/invisible-tech/sentinel/internal/types"
)

// Rule maps a class of events to a threat category. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	ID        string
	Name      string
	Category  types.ThreatCategory
	Indicator string
	Actions   []string
	Condition func(event *types.SecurityEvent) bool
}

func typeContains(subs ...string) func(*types.SecurityEvent) bool {
	return func(e *types.SecurityEvent) bool {
		t := strings.ToLower(e.EventType)
		for _, s := range subs {
			if strings.Contains(t, s) {
				return true
			}
		}
		return false
	}
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			ID:        "SNT-001",
			Name:      "Injection Payload",
			Category:  types.CategoryInjection,
			Indicator: "Malicious payload detected in request",
			Condition: typeContains("injection", "xss"),
			Actions: []string{
				"Block request immediately",
				"Review and sanitize input validation",
				"Scan for similar patterns in logs",
			},
		},
		{
			ID:        "SNT-002",
			Name:      "Credential Brute Force",
			Category:  types.CategoryBruteForce,
			Indicator: "Multiple failed authentication attempts",
			Condition: typeContains("brute_force", "failed_login"),
			Actions: []string{
				"Implement account lockout",
				"Add CAPTCHA to login",
				"Rate limit authentication endpoint",
			},
		},
		{
			ID:        "SNT-003",
			Name:      "Request Flood",
			Category:  types.CategoryDenialOfService,
			Indicator: "Abnormal request volume or size",
			Condition: typeContains("rate_limit", "large_request"),
			Actions: []string{
				"Apply rate limiting",
				"Enable DDoS protection",
				"Scale infrastructure if needed",
			},
		},
		{
			ID:        "SNT-004",
			Name:      "Privilege Escalation",
			Category:  types.CategoryPrivilegeEscalation,
			Indicator: "Access attempted beyond granted privileges",
			Condition: typeContains("unauthorized", "privilege"),
			Actions: []string{
				"Revoke suspicious session",
				"Audit user permissions",
				"Review access logs",
			},
		},
		{
			ID:        "SNT-005",
			Name:      "Data Exfiltration",
			Category:  types.CategoryDataExfiltration,
			Indicator: "Bulk or sensitive data accessed",
			Condition: func(e *types.SecurityEvent) bool {
				if e.Layer != types.LayerData {
					return false
				}
				return e.EventType == "bulk_data_operation" || e.EventType == "sensitive_data_access"
			},
			Actions: []string{
				"Block data transfer",
				"Revoke user access",
				"Forensic analysis of accessed data",
			},
		},
		{
			ID:        "SNT-006",
			Name:      "Insider Account Change",
			Category:  types.CategoryInsiderThreat,
			Indicator: "Security-sensitive account change by user",
			Condition: func(e *types.SecurityEvent) bool {
				return e.Layer == types.LayerUserBehavior && typeContains("account_security_change")(e)
			},
			Actions: []string{
				"Monitor user activity closely",
				"Review recent account changes",
				"Contact user for verification",
			},
		},
	}
}

// match returns the first rule whose condition holds, or nil.
func match(rules []*Rule, event *types.SecurityEvent) *Rule {
	for _, r := range rules {
		if r.Condition(event) {
			return r
		}
	}
	return nil
}
