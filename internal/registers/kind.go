// internal/registers/kind.go
package registers

import (
	"strings"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// TableKind is a Modbus register space.
type TableKind int

const (
	// Holding registers are read/write (FC 3, 6, 16).
	Holding TableKind = iota
	// Input registers are read-only (FC 4).
	Input
)

// ParseTableKind accepts "holding" and "input"; empty means holding.
func ParseTableKind(s string) (TableKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "holding":
		return Holding, nil
	case "input":
		return Input, nil
	}
	return 0, faults.Configf("unsupported table type %q, use holding or input", s)
}

func (k TableKind) String() string {
	if k == Input {
		return "input"
	}
	return "holding"
}
