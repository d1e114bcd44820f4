// internal/faults/faults_test.go
package faults

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"gotest.tools/v3/assert"
)

func TestTransportErrorClassification(t *testing.T) {
	fatal := fmt.Errorf("poll: %w", Fatal("read holding 0+10", io.EOF))
	local := Localized("read input 5+1", errors.New("illegal data address"))

	assert.Assert(t, IsFatal(fatal))
	assert.Assert(t, !IsLocalized(fatal))
	assert.Assert(t, IsLocalized(local))
	assert.Assert(t, !IsFatal(local))
	assert.Assert(t, errors.Is(fatal, io.EOF))

	assert.Assert(t, !IsFatal(io.EOF))
	assert.Assert(t, !IsLocalized(nil))
}

func TestNilPassthrough(t *testing.T) {
	assert.NilError(t, Fatal("x", nil))
	assert.NilError(t, Localized("x", nil))
}

func TestConfigf(t *testing.T) {
	err := Configf("unknown framer %q", "foo")
	assert.Assert(t, errors.Is(err, ErrConfiguration))
	assert.ErrorContains(t, err, `unknown framer "foo"`)
}
