// internal/status/constants.go
package status

// Health codes. These values are published verbatim and MUST NOT change.

// HealthUnknown represents an unknown or boot state.
const HealthUnknown uint16 = 0

// HealthOK represents a healthy device.
const HealthOK uint16 = 1

// HealthError represents a device error state.
const HealthError uint16 = 2

// HealthStale represents a device that answers but whose reads all fail.
const HealthStale uint16 = 3

// HealthDisabled represents a stopped bridge.
const HealthDisabled uint16 = 4

// MaxSecondsInError is where seconds_in_error stops counting. It never wraps.
const MaxSecondsInError = 65535

// Error codes reported in last_error_code besides raw Modbus exception codes.
const (
	CodeNone       uint16 = 0
	CodeGeneric    uint16 = 1
	CodeConnection uint16 = 0x100
)
