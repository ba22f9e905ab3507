package server

// MessageEnvelope documents the shape of POST /messages. Variant fields sit
// next to type and tabId.
type MessageEnvelope struct {
	Type     string `json:"type" example:"SCAN_PAGE"`
	TabID    int    `json:"tabId,omitempty" example:"42"`
	URL      string `json:"url,omitempty" example:"https://secure-login.contoso-docs.example/"`
	Markup   string `json:"markup,omitempty" example:"<html>...</html>"`
	ClientID string `json:"clientId,omitempty" example:"ff8d92dc-3d82-41d6-bcbd-b9174d163620"`
}

// ErrorResponse is a uniform error payload returned by the API. Type is set
// when a message carried an unknown tag.
type ErrorResponse struct {
	Error string `json:"error" example:"messaging: unknown request type \"SELF_DESTRUCT\""`
	Type  string `json:"type,omitempty" example:"SELF_DESTRUCT"`
}
