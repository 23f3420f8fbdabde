// Package config provides shared configuration loading from environment
// and defaults for all sentinel components.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat returns the float for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	s := os.Getenv(key)
	if strings.TrimSpace(s) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ObserverConfig holds the thresholds and table bounds of the observer.
type ObserverConfig struct {
	RequestRateLimit    int
	RequestRateWindow   time.Duration
	BruteForceThreshold int
	BruteForceWindow    time.Duration
	LargeRequestBytes   int64
	MaxTrackedKeys      int
	EventHistorySize    int
	CallbackTimeout     time.Duration
}

// AnalyzerConfig holds analyzer bounds and the initial known-good addresses.
type AnalyzerConfig struct {
	AssessmentHistorySize int
	MaxTrackedIPs         int
	KnownGoodIPs          []string
	KnownBadIPs           []string
}

// ResponderConfig holds responder history bounds.
type ResponderConfig struct {
	ResponseHistorySize int
}

// NotifyConfig configures the alert webhook used by the ALERT action.
type NotifyConfig struct {
	Enabled    bool
	WebhookURL string
	Token      string
	Timeout    time.Duration
}

// GuardConfig configures the serving-layer middleware. SkipPrefixes exempt
// whole route trees, such as the ingestion API used by trusted shippers.
type GuardConfig struct {
	Enabled      bool
	SkipPaths    []string
	SkipPrefixes []string
	UserIDHeader string
}

// IngestConfig configures access-log tailing.
type IngestConfig struct {
	AccessLogPath string
	Poll          bool
}

// SentinelConfig holds configuration for the sentinel process.
type SentinelConfig struct {
	HTTPAddr                 string
	ShutdownTimeout          time.Duration
	EventBufferSize          int
	AutoRespondMinConfidence float64
	AnalyzeMinConfidence     float64
	ReputationFile           string

	Observer  ObserverConfig
	Analyzer  AnalyzerConfig
	Responder ResponderConfig
	Notify    NotifyConfig
	Guard     GuardConfig
	Ingest    IngestConfig
}

// DefaultObserverConfig returns observer config from environment with defaults.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		RequestRateLimit:    GetEnvInt("SENTINEL_REQUEST_RATE_LIMIT", 100),
		RequestRateWindow:   GetEnvDuration("SENTINEL_REQUEST_RATE_WINDOW", 60*time.Second),
		BruteForceThreshold: GetEnvInt("SENTINEL_BRUTE_FORCE_THRESHOLD", 5),
		BruteForceWindow:    GetEnvDuration("SENTINEL_BRUTE_FORCE_WINDOW", 5*time.Minute),
		LargeRequestBytes:   int64(GetEnvInt("SENTINEL_LARGE_REQUEST_BYTES", 10_000_000)),
		MaxTrackedKeys:      GetEnvInt("SENTINEL_MAX_TRACKED_KEYS", 10000),
		EventHistorySize:    GetEnvInt("SENTINEL_EVENT_HISTORY", 10000),
		CallbackTimeout:     GetEnvDuration("SENTINEL_CALLBACK_TIMEOUT", 5*time.Second),
	}
}

// DefaultAnalyzerConfig returns analyzer config from environment with defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		AssessmentHistorySize: GetEnvInt("SENTINEL_ASSESSMENT_HISTORY", 10000),
		MaxTrackedIPs:         GetEnvInt("SENTINEL_MAX_TRACKED_IPS", 50000),
		KnownGoodIPs:          GetEnvList("SENTINEL_KNOWN_GOOD_IPS", defaultKnownGoodIPs()),
		KnownBadIPs:           GetEnvList("SENTINEL_KNOWN_BAD_IPS", nil),
	}
}

func defaultKnownGoodIPs() []string {
	return []string{"127.0.0.1", "::1"}
}

func defaultSkipPaths() []string {
	return []string{"/health", "/metrics", "/favicon.ico", "/robots.txt"}
}

func defaultSkipPrefixes() []string {
	return []string{"/api/v1/observe/", "/api/v1/check/"}
}

// DefaultSentinelConfig returns the full sentinel config from environment.
func DefaultSentinelConfig() SentinelConfig {
	url := GetEnv("SENTINEL_ALERT_WEBHOOK_URL", "")
	return SentinelConfig{
		HTTPAddr:                 GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:          GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		EventBufferSize:          GetEnvInt("SENTINEL_EVENT_BUFFER", 10000),
		AutoRespondMinConfidence: GetEnvFloat("SENTINEL_AUTO_RESPOND_MIN_CONFIDENCE", 0),
		AnalyzeMinConfidence:     GetEnvFloat("SENTINEL_ANALYZE_MIN_CONFIDENCE", 60),
		ReputationFile:           GetEnv("SENTINEL_REPUTATION_FILE", ""),
		Observer:                 DefaultObserverConfig(),
		Analyzer:                 DefaultAnalyzerConfig(),
		Responder: ResponderConfig{
			ResponseHistorySize: GetEnvInt("SENTINEL_RESPONSE_HISTORY", 10000),
		},
		Notify: NotifyConfig{
			Enabled:    url != "",
			WebhookURL: url,
			Token:      GetEnv("SENTINEL_ALERT_WEBHOOK_TOKEN", ""),
			Timeout:    GetEnvDuration("SENTINEL_ALERT_TIMEOUT", 10*time.Second),
		},
		Guard: GuardConfig{
			Enabled:      GetEnvBool("SENTINEL_GUARD_ENABLED", true),
			SkipPaths:    GetEnvList("SENTINEL_GUARD_SKIP_PATHS", defaultSkipPaths()),
			SkipPrefixes: GetEnvList("SENTINEL_GUARD_SKIP_PREFIXES", defaultSkipPrefixes()),
			UserIDHeader: GetEnv("SENTINEL_USER_ID_HEADER", "X-User-ID"),
		},
		Ingest: IngestConfig{
			AccessLogPath: GetEnv("SENTINEL_ACCESS_LOG", ""),
			Poll:          GetEnvBool("SENTINEL_ACCESS_LOG_POLL", true),
		},
	}
}
