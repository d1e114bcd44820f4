// internal/status/snapshot.go
package status

// Snapshot represents exactly what is published for the device.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	Health         uint16 `json:"health"`
	LastErrorCode  uint16 `json:"last_error_code"`
	SecondsInError uint16 `json:"seconds_in_error"`
}

// HealthName returns a readable name for s.Health.
func (s Snapshot) HealthName() string {
	switch s.Health {
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	case HealthStale:
		return "stale"
	case HealthDisabled:
		return "disabled"
	}
	return "unknown"
}
