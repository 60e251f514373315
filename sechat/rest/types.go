package rest

import (
	"encoding/json"
	"strings"
)

// Feed ticket types

// WSAuthResponse is the answer to a feed ticket request. URL is nil when
// the server declines to grant a ticket.
type WSAuthResponse struct {
	URL *string `json:"url"`
}

// Message types

// SendMessageResponse is returned when a message is posted.
type SendMessageResponse struct {
	ID   uint64 `json:"id"`
	Time int64  `json:"time"`
}

// EventsResponse is returned by the history endpoint. Events are left raw
// so callers can decode them with the same code as feed events.
type EventsResponse struct {
	Events []json.RawMessage `json:"events"`
	Time   int64             `json:"time,omitempty"`
	Sync   int64             `json:"sync,omitempty"`
}

// IsOK reports whether an action response body is the literal ok, either
// bare or as a JSON string.
func IsOK(body []byte) bool {
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s == "ok"
	}
	return strings.TrimSpace(string(body)) == "ok"
}
