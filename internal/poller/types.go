// internal/poller/types.go
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/registers"
	"github.com/tamzrod/modbus-bridge/internal/writer"
)

// DeviceUnit addresses one register space on one Modbus unit.
type DeviceUnit struct {
	Table registers.TableKind
	Unit  uint8
}

func (d DeviceUnit) String() string {
	return fmt.Sprintf("%s@%d", d.Table, d.Unit)
}

// State is where the engine is in its cycle.
type State int32

const (
	Idle State = iota
	Reading
	Writing
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Reconnecting:
		return "reconnecting"
	}
	return "idle"
}

// Transport is the connection contract the engine drives.
type Transport interface {
	writer.Transport
	Connect(ctx context.Context) (bool, error)
	ConnectWithRetry(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
}

// PollResult is a snapshot produced by one poll cycle.
type PollResult struct {
	At time.Time

	ReadBatches int   // batches stored
	ReadFailed  int   // batches skipped after a localized error
	ReadErr     error // last localized read error, if any

	Writes writer.Stats

	// Err is non-nil only for fatal transport errors; the caller must reconnect.
	Err error
}
