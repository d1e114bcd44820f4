// internal/status/encode.go
package status

import "encoding/json"

type wire struct {
	Snapshot
	State string `json:"state"`
}

// Encode renders a Snapshot as the JSON status payload.
// No IO. No side effects.
func Encode(s Snapshot) []byte {
	b, _ := json.Marshal(wire{Snapshot: s, State: s.HealthName()})
	return b
}
