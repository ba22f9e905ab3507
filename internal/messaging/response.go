package messaging

// PingResponse answers ping.
type PingResponse struct {
	Success      bool `json:"success"`
	Initialized  bool `json:"initialized"`
	FallbackMode bool `json:"fallbackMode"`
	ErrorCount   int  `json:"errorCount"`
}

// RogueAppResponse answers CHECK_ROGUE_APP.
type RogueAppResponse struct {
	IsRogue     bool   `json:"isRogue"`
	AppName     string `json:"appName,omitempty"`
	Risk        string `json:"risk,omitempty"`
	Description string `json:"description,omitempty"`
}

// Ack answers requests that only have an effect.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is sent for requests that could not be decoded or handled.
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}
