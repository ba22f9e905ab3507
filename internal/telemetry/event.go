// Package telemetry batches access, security and debug events into bounded
// persisted logs and optionally forwards security events to an external
// reporting endpoint. Everything here is best-effort.
package telemetry

import "time"

type Kind string

const (
	KindAccess   Kind = "access"
	KindSecurity Kind = "security"
	KindDebug    Kind = "debug"
)

// Kinds in storage order.
var Kinds = []Kind{KindAccess, KindSecurity, KindDebug}

func (k Kind) Valid() bool {
	return k == KindAccess || k == KindSecurity || k == KindDebug
}

// Event types the service emits.
const (
	TypePageScan         = "page_scan"
	TypeVerdictChange    = "verdict_change"
	TypeLegitimateAccess = "legitimate_access"
	TypePhishingDetected = "phishing_detected"
	TypeRogueApp         = "rogue_app_detected"
	TypeURLAnalysis      = "url_analysis"
)

// Event is one log entry.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Type      string         `json:"type"`
	TabID     int            `json:"tabId,omitempty"`
	URL       string         `json:"url,omitempty"`
	Verdict   string         `json:"verdict,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Filter selects logs. An empty Kind means every kind; Limit <= 0 means no
// limit.
type Filter struct {
	Kind  Kind `json:"kind,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

// Statistics aggregates persisted logs.
type Statistics struct {
	BlockedThreats  int `json:"blockedThreats"`
	RogueApps       int `json:"rogueApps"`
	LegitimateSites int `json:"legitimateSites"`
	TotalScans      int `json:"totalScans"`
	SecurityEvents  int `json:"securityEvents"`
	AccessEvents    int `json:"accessEvents"`
}
