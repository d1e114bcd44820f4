// internal/status/tracker_test.go
package status

import (
	"errors"
	"io"
	"testing"

	"github.com/goburrow/modbus"
	svmodbus "github.com/simonvetter/modbus"
	"gotest.tools/v3/assert"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, tr.Snapshot().Health, HealthUnknown)

	assert.Assert(t, tr.Observe(nil, nil))
	assert.Equal(t, tr.Snapshot(), Snapshot{Health: HealthOK})
	assert.Assert(t, !tr.Observe(nil, nil))
	assert.Assert(t, !tr.Tick())

	lost := faults.Fatal("read", io.EOF)
	assert.Assert(t, tr.Observe(lost, nil))
	assert.Equal(t, tr.Snapshot(), Snapshot{Health: HealthError, LastErrorCode: CodeConnection})

	assert.Assert(t, tr.Tick())
	assert.Assert(t, tr.Tick())
	assert.Equal(t, tr.Snapshot().SecondsInError, uint16(2))

	// same error again keeps the clock running
	assert.Assert(t, !tr.Observe(lost, nil))
	assert.Equal(t, tr.Snapshot().SecondsInError, uint16(2))

	assert.Assert(t, tr.Observe(nil, nil))
	assert.Equal(t, tr.Snapshot(), Snapshot{Health: HealthOK})
}

func TestTrackerStale(t *testing.T) {
	tr := NewTracker()
	exc := faults.Localized("read", &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress})

	assert.Assert(t, tr.Observe(nil, exc))
	assert.Equal(t, tr.Snapshot(), Snapshot{Health: HealthStale, LastErrorCode: 2})
}

func TestSecondsInErrorSaturates(t *testing.T) {
	tr := NewTracker()
	tr.Observe(errors.New("boom"), nil)
	tr.snap.SecondsInError = MaxSecondsInError - 1

	assert.Assert(t, tr.Tick())
	assert.Assert(t, !tr.Tick())
	assert.Equal(t, tr.Snapshot().SecondsInError, uint16(MaxSecondsInError))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCode(nil), CodeNone)
	assert.Equal(t, ErrorCode(faults.Localized("read", svmodbus.ErrIllegalDataValue)), uint16(3))
	assert.Equal(t, ErrorCode(faults.Localized("read", errors.New("short frame"))), CodeGeneric)
	assert.Equal(t, ErrorCode(faults.Fatal("read", io.EOF)), CodeConnection)
}

func TestEncode(t *testing.T) {
	b := Encode(Snapshot{Health: HealthError, LastErrorCode: 2, SecondsInError: 7})
	assert.Equal(t, string(b), `{"health":2,"last_error_code":2,"seconds_in_error":7,"state":"error"}`)
}
