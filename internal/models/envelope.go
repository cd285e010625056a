package models

import "encoding/json"

// Envelope is the {success, message, data} wrapper used by every auth
// endpoint. Data is kept raw so callers decide the payload shape.
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HasData reports whether the envelope carried a non-null data member.
func (e *Envelope) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// Failed reports an explicit success=false, which some handlers send with a
// 200 status.
func (e *Envelope) Failed() bool {
	return e.Success != nil && !*e.Success
}
