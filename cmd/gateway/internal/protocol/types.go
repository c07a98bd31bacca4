// Package protocol holds the JSON control messages exchanged with gateway
// clients. Rate updates themselves are sent as raw wire records
// (rateName|bid|ask|timestamp), not wrapped in JSON.
package protocol

const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
)

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

// RequestPayload lists case-sensitive rate names, raw or calculated
type RequestPayload struct {
	Rates []string `json:"rates"`
}

type WSResponse struct {
	Type    string `json:"type"`             // "ack", "error", "status"
	ID      string `json:"id,omitempty"`     // echoes the request ID
	Rate    string `json:"rate,omitempty"`   // set on status messages
	Status  string `json:"status,omitempty"` // "success" on acks, the rate state on status messages
	Message string `json:"message,omitempty"`
}
