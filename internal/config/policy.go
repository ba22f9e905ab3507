// Package config holds the product policy and merges it from its layers:
// bundled defaults, branding, the locally saved layer and enterprise
// policy, in increasing order of precedence.
package config

// Policy is the merged product configuration.
type Policy struct {
	EnablePageBlocking  bool     `json:"enablePageBlocking" mapstructure:"enablePageBlocking"`
	ShowValidPageBadge  bool     `json:"showValidPageBadge" mapstructure:"showValidPageBadge"`
	EnableDebugLogging  bool     `json:"enableDebugLogging" mapstructure:"enableDebugLogging"`
	URLAllowlist        []string `json:"urlAllowlist" mapstructure:"urlAllowlist"`
	CustomRulesURL      string   `json:"customRulesUrl" mapstructure:"customRulesUrl"`
	RulesUpdateHours    int      `json:"rulesUpdateHours" mapstructure:"rulesUpdateHours"`
	EnableCippReporting bool     `json:"enableCippReporting" mapstructure:"enableCippReporting"`
	CippServerURL       string   `json:"cippServerUrl" mapstructure:"cippServerUrl"`
	CippTenantID        string   `json:"cippTenantId" mapstructure:"cippTenantId"`
	CompanyName         string   `json:"companyName" mapstructure:"companyName"`
	SupportEmail        string   `json:"supportEmail" mapstructure:"supportEmail"`
}

// DefaultPolicy is the lowest layer.
func DefaultPolicy() Policy {
	return Policy{
		EnablePageBlocking: true,
		ShowValidPageBadge: false,
		URLAllowlist:       []string{},
		RulesUpdateHours:   24,
		CompanyName:        "m365guard",
	}
}

// FallbackPolicy is applied when startup could not complete. It keeps
// blocking on and turns off everything that depends on remote services.
func FallbackPolicy() Policy {
	return Policy{
		EnablePageBlocking: true,
		URLAllowlist:       []string{},
		RulesUpdateHours:   24,
		CompanyName:        "m365guard",
	}
}

// Reporting reports whether external event reporting is configured.
func (p Policy) Reporting() bool {
	return p.EnableCippReporting && p.CippServerURL != ""
}
