// internal/codec/kind.go
package codec

import (
	"fmt"
	"strings"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// Kind is the scalar type carried by one or more registers.
type Kind int

const (
	Uint16 Kind = iota + 1
	Int16
	Uint32
	Int32
	Uint64
	Int64
	// Float32 is IEEE-754 binary32 with big-endian bit layout.
	Float32
	// Float32LE is binary32 with the four bytes reversed before the word split.
	Float32LE
)

var kindNames = map[string]Kind{
	"uint16":   Uint16,
	"int16":    Int16,
	"uint32":   Uint32,
	"int32":    Int32,
	"uint64":   Uint64,
	"int64":    Int64,
	"float":    Float32,
	"float32":  Float32,
	"float_be": Float32,
	"float_le": Float32LE,
}

// ParseKind resolves a configuration type string.
func ParseKind(s string) (Kind, error) {
	k, ok := kindNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("codec: %w %q", faults.ErrUnsupportedType, s)
	}
	return k, nil
}

func (k Kind) String() string {
	switch k {
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Uint64:
		return "uint64"
	case Int64:
		return "int64"
	case Float32:
		return "float"
	case Float32LE:
		return "float_le"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Signed reports whether integer decode uses two's complement.
func (k Kind) Signed() bool {
	return k == Int16 || k == Int32 || k == Int64
}

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool {
	return k == Float32 || k == Float32LE
}

// WordsForWidth returns the number of 16-bit registers a kind occupies.
func WordsForWidth(k Kind) (int, error) {
	switch k {
	case Uint16, Int16:
		return 1, nil
	case Uint32, Int32, Float32, Float32LE:
		return 2, nil
	case Uint64, Int64:
		return 4, nil
	}
	return 0, fmt.Errorf("codec: %w %v", faults.ErrUnsupportedType, k)
}

// WordOrder selects which word of a multi-word value sits at the lower address.
type WordOrder int

const (
	// HighFirst stores the most significant word at the lowest address.
	HighFirst WordOrder = iota
	// LowFirst stores the least significant word at the lowest address.
	LowFirst
)

// ParseWordOrder accepts "highlow" and "lowhigh"; empty means HighFirst.
func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "highlow":
		return HighFirst, nil
	case "lowhigh":
		return LowFirst, nil
	}
	return 0, faults.Configf("unknown word order %q", s)
}

func (o WordOrder) String() string {
	if o == LowFirst {
		return "lowhigh"
	}
	return "highlow"
}
