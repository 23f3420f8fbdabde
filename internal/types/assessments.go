package types

import "time"

// ThreatCategory classifies what kind of attack an event represents.
type ThreatCategory string

const (
	CategoryReconnaissance      ThreatCategory = "reconnaissance"
	CategoryBruteForce          ThreatCategory = "brute_force"
	CategoryInjection           ThreatCategory = "injection"
	CategoryPrivilegeEscalation ThreatCategory = "privilege_escalation"
	CategoryDataExfiltration    ThreatCategory = "data_exfiltration"
	CategoryDenialOfService     ThreatCategory = "denial_of_service"
	CategoryInsiderThreat       ThreatCategory = "insider_threat"
	CategoryUnknown             ThreatCategory = "unknown"
)

// Categories lists every threat category.
func Categories() []ThreatCategory {
	return []ThreatCategory{
		CategoryReconnaissance, CategoryBruteForce, CategoryInjection,
		CategoryPrivilegeEscalation, CategoryDataExfiltration,
		CategoryDenialOfService, CategoryInsiderThreat, CategoryUnknown,
	}
}

// Confidence is the bucketed form of a 0-100 confidence score.
type Confidence string

const (
	ConfidenceLow       Confidence = "low"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceHigh      Confidence = "high"
	ConfidenceConfirmed Confidence = "confirmed"
)

// Confidences lists every confidence bucket in ascending order.
func Confidences() []Confidence {
	return []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceConfirmed}
}

// ConfidenceFromScore buckets a score: <40 low, 40-69 medium, 70-89 high, >=90 confirmed.
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score >= 90:
		return ConfidenceConfirmed
	case score >= 70:
		return ConfidenceHigh
	case score >= 40:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Rank orders confidence buckets; unknown values rank below low.
func (c Confidence) Rank() int {
	for i, v := range Confidences() {
		if v == c {
			return i
		}
	}
	return -1
}

// ThreatAssessment is the analyzer's judgment about one SecurityEvent.
type ThreatAssessment struct {
	ID                 string            `json:"id"`
	EventID            string            `json:"event_id"`
	Timestamp          time.Time         `json:"timestamp"`
	Category           ThreatCategory    `json:"category"`
	ConfidenceScore    float64           `json:"confidence_score"`
	Confidence         Confidence        `json:"confidence"`
	Severity           Severity          `json:"severity"`
	Indicators         []string          `json:"indicators"`
	RecommendedActions []string          `json:"recommended_actions"`
	Context            AssessmentContext `json:"context"`
}

// AssessmentContext is a snapshot of the event and the source IP reputation
// at analysis time.
type AssessmentContext struct {
	SourceIP       string       `json:"source_ip,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
	Endpoint       string       `json:"endpoint,omitempty"`
	EventTimestamp time.Time    `json:"event_timestamp"`
	EventDetails   EventDetails `json:"event_details"`
	IPReputation   float64      `json:"ip_reputation"`
	IPKnownBad     bool         `json:"ip_known_bad"`
}

// IPReputation is the analyzer's view of one address.
type IPReputation struct {
	IP              string  `json:"ip"`
	ReputationScore float64 `json:"reputation_score"`
	KnownBad        bool    `json:"known_bad"`
	KnownGood       bool    `json:"known_good"`
}
