// Package messaging defines the request contract between the browser
// extension and the service. Every request is a JSON envelope
// {"type": "...", "tabId": n, ...} decoded into one concrete variant.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raysh454/m365guard/internal/telemetry"
)

// Request types.
const (
	TypePing                  = "ping"
	TypeGetConfig             = "GET_CONFIG"
	TypeUpdateConfig          = "UPDATE_CONFIG"
	TypeSaveConfig            = "SAVE_CONFIG"
	TypeGetDetectionRules     = "get_detection_rules"
	TypeRefreshDetectionRules = "REFRESH_DETECTION_RULES"
	TypeCheckRogueApp         = "CHECK_ROGUE_APP"
	TypeURLAnalysis           = "URL_ANALYSIS_REQUEST"
	TypeFlagPhishy            = "FLAG_PHISHY"
	TypeFlagTrustedByReferrer = "FLAG_TRUSTED_BY_REFERRER"
	TypeLogEvent              = "LOG_EVENT"
	TypeGetLogs               = "GET_LOGS"
	TypeClearLogs             = "CLEAR_LOGS"
	TypeGetStatistics         = "GET_STATISTICS"
	TypeURLComplete           = "URL_COMPLETE"
	TypeTabRemoved            = "TAB_REMOVED"
	TypeScanPage              = "SCAN_PAGE"
	TypeRecordPageHeaders     = "RECORD_PAGE_HEADERS"
	TypeGetPageHeaders        = "GET_PAGE_HEADERS"
	TypeGetTabVerdict         = "GET_TAB_VERDICT"
	TypeSessionStarted        = "SESSION_STARTED"
)

// ErrInvalidRequest wraps envelope and field validation failures.
var ErrInvalidRequest = errors.New("messaging: invalid request")

// UnknownRequestError is returned for an unrecognized type tag.
type UnknownRequestError struct {
	Type string
}

func (e *UnknownRequestError) Error() string {
	if e.Type == "" {
		return "messaging: request has no type"
	}
	return fmt.Sprintf("messaging: unknown request type %q", e.Type)
}

// Request is implemented only by the variants in this package.
type Request interface {
	Type() string
	validate() error
}

type Ping struct{}

type GetConfig struct{}

type UpdateConfig struct {
	Config map[string]any `json:"config"`
}

type SaveConfig struct {
	Config map[string]any `json:"config"`
}

type GetDetectionRules struct{}

type RefreshDetectionRules struct{}

type CheckRogueApp struct {
	TabID    int    `json:"tabId"`
	URL      string `json:"url"`
	ClientID string `json:"clientId"`
}

type URLAnalysis struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
	// Render asks for a rendered content scan instead of a URL-only
	// heuristic when a rendering backend is available.
	Render bool `json:"render,omitempty"`
}

type FlagPhishy struct {
	TabID  int    `json:"tabId"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

type FlagTrustedByReferrer struct {
	TabID    int    `json:"tabId"`
	URL      string `json:"url"`
	Referrer string `json:"origin"`
}

type LogEvent struct {
	TabID int             `json:"tabId"`
	Event telemetry.Event `json:"event"`
}

type GetLogs struct {
	Filter telemetry.Filter `json:"filter"`
}

type ClearLogs struct {
	Kind telemetry.Kind `json:"kind,omitempty"`
}

type GetStatistics struct{}

type URLComplete struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
}

type TabRemoved struct {
	TabID int `json:"tabId"`
}

type ScanPage struct {
	TabID  int    `json:"tabId"`
	URL    string `json:"url"`
	Markup string `json:"markup"`
}

type RecordPageHeaders struct {
	TabID   int                 `json:"tabId"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
}

type GetPageHeaders struct {
	TabID int `json:"tabId"`
}

type GetTabVerdict struct {
	TabID int `json:"tabId"`
}

type SessionStarted struct{}

func (Ping) Type() string                  { return TypePing }
func (GetConfig) Type() string             { return TypeGetConfig }
func (UpdateConfig) Type() string          { return TypeUpdateConfig }
func (SaveConfig) Type() string            { return TypeSaveConfig }
func (GetDetectionRules) Type() string     { return TypeGetDetectionRules }
func (RefreshDetectionRules) Type() string { return TypeRefreshDetectionRules }
func (CheckRogueApp) Type() string         { return TypeCheckRogueApp }
func (URLAnalysis) Type() string           { return TypeURLAnalysis }
func (FlagPhishy) Type() string            { return TypeFlagPhishy }
func (FlagTrustedByReferrer) Type() string { return TypeFlagTrustedByReferrer }
func (LogEvent) Type() string              { return TypeLogEvent }
func (GetLogs) Type() string               { return TypeGetLogs }
func (ClearLogs) Type() string             { return TypeClearLogs }
func (GetStatistics) Type() string         { return TypeGetStatistics }
func (URLComplete) Type() string           { return TypeURLComplete }
func (TabRemoved) Type() string            { return TypeTabRemoved }
func (ScanPage) Type() string              { return TypeScanPage }
func (RecordPageHeaders) Type() string     { return TypeRecordPageHeaders }
func (GetPageHeaders) Type() string        { return TypeGetPageHeaders }
func (GetTabVerdict) Type() string         { return TypeGetTabVerdict }
func (SessionStarted) Type() string        { return TypeSessionStarted }

func (Ping) validate() error                  { return nil }
func (GetConfig) validate() error             { return nil }
func (UpdateConfig) validate() error          { return nil }
func (SaveConfig) validate() error            { return nil }
func (GetDetectionRules) validate() error     { return nil }
func (RefreshDetectionRules) validate() error { return nil }
func (GetStatistics) validate() error         { return nil }
func (SessionStarted) validate() error        { return nil }
func (GetPageHeaders) validate() error        { return nil }
func (GetTabVerdict) validate() error         { return nil }
func (TabRemoved) validate() error            { return nil }
func (FlagTrustedByReferrer) validate() error { return nil }
func (FlagPhishy) validate() error            { return nil }

func (r CheckRogueApp) validate() error { return required("clientId", r.ClientID) }
func (r URLAnalysis) validate() error   { return required("url", r.URL) }
func (r URLComplete) validate() error   { return required("url", r.URL) }
func (r ScanPage) validate() error      { return required("url", r.URL) }

func (r RecordPageHeaders) validate() error { return required("url", r.URL) }

func (r LogEvent) validate() error {
	if r.Event.Type == "" {
		return fmt.Errorf("%w: event.type is required", ErrInvalidRequest)
	}
	return validKind(string(r.Event.Kind))
}

func (r ClearLogs) validate() error { return validKind(string(r.Kind)) }

func (r GetLogs) validate() error { return validKind(string(r.Filter.Kind)) }

var variants = map[string]func() Request{
	TypePing:                  func() Request { return &Ping{} },
	TypeGetConfig:             func() Request { return &GetConfig{} },
	TypeUpdateConfig:          func() Request { return &UpdateConfig{} },
	TypeSaveConfig:            func() Request { return &SaveConfig{} },
	TypeGetDetectionRules:     func() Request { return &GetDetectionRules{} },
	TypeRefreshDetectionRules: func() Request { return &RefreshDetectionRules{} },
	TypeCheckRogueApp:         func() Request { return &CheckRogueApp{} },
	TypeURLAnalysis:           func() Request { return &URLAnalysis{} },
	TypeFlagPhishy:            func() Request { return &FlagPhishy{} },
	TypeFlagTrustedByReferrer: func() Request { return &FlagTrustedByReferrer{} },
	TypeLogEvent:              func() Request { return &LogEvent{} },
	TypeGetLogs:               func() Request { return &GetLogs{} },
	TypeClearLogs:             func() Request { return &ClearLogs{} },
	TypeGetStatistics:         func() Request { return &GetStatistics{} },
	TypeURLComplete:           func() Request { return &URLComplete{} },
	TypeTabRemoved:            func() Request { return &TabRemoved{} },
	TypeScanPage:              func() Request { return &ScanPage{} },
	TypeRecordPageHeaders:     func() Request { return &RecordPageHeaders{} },
	TypeGetPageHeaders:        func() Request { return &GetPageHeaders{} },
	TypeGetTabVerdict:         func() Request { return &GetTabVerdict{} },
	TypeSessionStarted:        func() Request { return &SessionStarted{} },
}

// Types lists every recognized request type.
func Types() []string {
	out := make([]string, 0, len(variants))
	for t := range variants {
		out = append(out, t)
	}
	return out
}

// Decode parses an envelope into its variant. The returned Request is a
// value, not a pointer, so callers can switch on concrete types.
func Decode(data []byte) (Request, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	mk, ok := variants[env.Type]
	if !ok {
		return nil, &UnknownRequestError{Type: env.Type}
	}
	ptr := mk()
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, env.Type, err)
	}
	req := deref(ptr)
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Encode renders req as an envelope.
func Encode(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(req.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

func deref(r Request) Request {
	switch v := r.(type) {
	case *Ping:
		return *v
	case *GetConfig:
		return *v
	case *UpdateConfig:
		return *v
	case *SaveConfig:
		return *v
	case *GetDetectionRules:
		return *v
	case *RefreshDetectionRules:
		return *v
	case *CheckRogueApp:
		return *v
	case *URLAnalysis:
		return *v
	case *FlagPhishy:
		return *v
	case *FlagTrustedByReferrer:
		return *v
	case *LogEvent:
		return *v
	case *GetLogs:
		return *v
	case *ClearLogs:
		return *v
	case *GetStatistics:
		return *v
	case *URLComplete:
		return *v
	case *TabRemoved:
		return *v
	case *ScanPage:
		return *v
	case *RecordPageHeaders:
		return *v
	case *GetPageHeaders:
		return *v
	case *GetTabVerdict:
		return *v
	case *SessionStarted:
		return *v
	}
	return r
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	return nil
}

func validKind(kind string) error {
	if kind == "" || telemetry.Kind(kind).Valid() {
		return nil
	}
	return fmt.Errorf("%w: unknown log kind %q", ErrInvalidRequest, kind)
}
