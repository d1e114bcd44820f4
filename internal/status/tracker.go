// internal/status/tracker.go
package status

import (
	"errors"
	"sync"

	"github.com/goburrow/modbus"
	svmodbus "github.com/simonvetter/modbus"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// Tracker owns the device Snapshot and moves it on poll outcomes and a 1 Hz tick.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{Health: HealthUnknown}}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Observe records one poll outcome and reports whether the snapshot changed.
// err is the fatal error of the cycle, if any; stale means every read batch
// of the cycle failed with a localized error.
func (t *Tracker) Observe(err error, stale error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.snap
	switch {
	case err != nil:
		next.Health = HealthError
		next.LastErrorCode = ErrorCode(err)
	case stale != nil:
		next.Health = HealthStale
		next.LastErrorCode = ErrorCode(stale)
	default:
		// recovery resets the error code and the error clock
		next = Snapshot{Health: HealthOK}
	}

	if next == t.snap {
		return false
	}
	if next.Health != t.snap.Health {
		next.SecondsInError = 0
	}
	t.snap = next
	return true
}

// Tick advances seconds_in_error while not OK. It reports whether the
// snapshot changed; the counter saturates instead of wrapping.
func (t *Tracker) Tick() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snap.Health == HealthOK || t.snap.Health == HealthDisabled {
		return false
	}
	if t.snap.SecondsInError >= MaxSecondsInError {
		return false
	}
	t.snap.SecondsInError++
	return true
}

// Disable marks the device as no longer bridged.
func (t *Tracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = Snapshot{Health: HealthDisabled, LastErrorCode: t.snap.LastErrorCode}
}

var exceptionCodes = []struct {
	err  error
	code uint16
}{
	{svmodbus.ErrIllegalFunction, modbus.ExceptionCodeIllegalFunction},
	{svmodbus.ErrIllegalDataAddress, modbus.ExceptionCodeIllegalDataAddress},
	{svmodbus.ErrIllegalDataValue, modbus.ExceptionCodeIllegalDataValue},
	{svmodbus.ErrServerDeviceFailure, modbus.ExceptionCodeServerDeviceFailure},
	{svmodbus.ErrServerDeviceBusy, modbus.ExceptionCodeServerDeviceBusy},
}

// ErrorCode extracts a best-effort uint16 code from an error.
// Modbus exceptions map to their exception code, lost connections to
// CodeConnection, anything else to CodeGeneric.
func ErrorCode(err error) uint16 {
	if err == nil {
		return CodeNone
	}

	var exc *modbus.ModbusError
	if errors.As(err, &exc) {
		return uint16(exc.ExceptionCode)
	}
	for _, e := range exceptionCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	if faults.IsFatal(err) {
		return CodeConnection
	}
	return CodeGeneric
}
