// internal/writer/types.go
package writer

import (
	"context"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/registers"
)

// Mode selects the write function codes the device accepts.
type Mode int

const (
	// Multi uses FC 16 for runs longer than one register.
	Multi Mode = iota
	// Single issues one FC 6 per register.
	Single
)

// Transport is the exact contract the writer needs from a connection.
type Transport interface {
	ReadRange(ctx context.Context, unit uint8, table registers.TableKind, start, count uint16) ([]uint16, error)
	WriteRange(ctx context.Context, unit uint8, start uint16, values []uint16) error
	WriteSingle(ctx context.Context, unit uint8, addr, value uint16) error
}

// Target is one holding table and the device unit it belongs to.
type Target struct {
	Unit  uint8
	Table *registers.Table
}

// Config tunes a drain pass.
type Config struct {
	Mode Mode

	// Budget bounds the wall-clock time of one drain pass; zero means unbounded.
	Budget time.Duration

	// Delay is slept after every write call.
	Delay time.Duration
}

// Stats reports what a drain pass did.
type Stats struct {
	Written  int // batches acknowledged by the device
	Failed   int // batches dropped after a localized error
	Deferred bool
}
