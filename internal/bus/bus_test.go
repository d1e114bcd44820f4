// internal/bus/bus_test.go
package bus

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestPrefix(t *testing.T) {
	assert.Equal(t, Prefix("modbus-bridge"), "modbus-bridge/")
	assert.Equal(t, Prefix("site/inverter/"), "site/inverter/")
	assert.Equal(t, Prefix(""), "")
}
