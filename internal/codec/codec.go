// internal/codec/codec.go
package codec

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// Value is a decoded register value.
// For integer kinds bits holds the zero-extended big-endian word concatenation,
// for float kinds the IEEE-754 binary32 pattern.
type Value struct {
	kind Kind
	bits uint64
}

func (v Value) Kind() Kind { return v.kind }

// Int returns the value as int64. Signed kinds are sign-extended;
// uint64 values above MaxInt64 wrap.
func (v Value) Int() int64 {
	switch v.kind {
	case Int16:
		return int64(int16(uint16(v.bits)))
	case Int32:
		return int64(int32(uint32(v.bits)))
	case Int64:
		return int64(v.bits)
	case Float32, Float32LE:
		return int64(v.Float())
	}
	return int64(v.bits)
}

// Uint returns the value as uint64. Negative signed values wrap.
func (v Value) Uint() uint64 {
	switch {
	case v.kind.IsFloat():
		return uint64(v.Float())
	case v.kind.Signed():
		return uint64(v.Int())
	}
	return v.bits
}

// Float returns the value as float64.
func (v Value) Float() float64 {
	switch {
	case v.kind.IsFloat():
		return float64(math.Float32frombits(uint32(v.bits)))
	case v.kind.Signed():
		return float64(v.Int())
	}
	return float64(v.bits)
}

// Interface returns the value as its native Go type
// (uint16, int16, uint32, int32, uint64, int64 or float32).
func (v Value) Interface() any {
	switch v.kind {
	case Uint16:
		return uint16(v.bits)
	case Int16:
		return int16(uint16(v.bits))
	case Uint32:
		return uint32(v.bits)
	case Int32:
		return int32(uint32(v.bits))
	case Uint64:
		return v.bits
	case Int64:
		return int64(v.bits)
	case Float32, Float32LE:
		return math.Float32frombits(uint32(v.bits))
	}
	return nil
}

func (v Value) String() string {
	switch {
	case v.kind.IsFloat():
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case v.kind.Signed():
		return strconv.FormatInt(v.Int(), 10)
	}
	return strconv.FormatUint(v.bits, 10)
}

// Decode composes a typed value from words given in address order (lowest first).
func Decode(words []uint16, kind Kind, order WordOrder) (Value, error) {
	n, err := WordsForWidth(kind)
	if err != nil {
		return Value{}, err
	}
	if len(words) != n {
		return Value{}, fmt.Errorf("codec: %w: %v needs %d words, got %d", faults.ErrOutOfRange, kind, n, len(words))
	}

	var raw uint64
	for i := 0; i < n; i++ {
		w := words[i]
		if order == LowFirst {
			w = words[n-1-i]
		}
		raw = raw<<16 | uint64(w)
	}
	if kind == Float32LE {
		raw = uint64(bits.ReverseBytes32(uint32(raw)))
	}
	return Value{kind: kind, bits: raw}, nil
}

// Encode converts v into words in address order (lowest first).
// v may be any Go integer or float type, or a Value.
func Encode(v any, kind Kind, order WordOrder) ([]uint16, error) {
	n, err := WordsForWidth(kind)
	if err != nil {
		return nil, err
	}

	var raw uint64
	if kind.IsFloat() {
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("codec: %w: %v does not fit %v", faults.ErrOutOfRange, f, kind)
		}
		b := math.Float32bits(float32(f))
		if kind == Float32LE {
			b = bits.ReverseBytes32(b)
		}
		raw = uint64(b)
	} else {
		raw, err = integerBits(v, kind, n*16)
		if err != nil {
			return nil, err
		}
	}

	words := make([]uint16, n)
	for i := 0; i < n; i++ {
		w := uint16(raw >> (16 * uint(n-1-i)))
		if order == LowFirst {
			words[n-1-i] = w
		} else {
			words[i] = w
		}
	}
	return words, nil
}

func integerBits(v any, kind Kind, width int) (uint64, error) {
	s, u, unsigned, err := asInteger(v)
	if err != nil {
		return 0, err
	}

	outOfRange := func() error {
		if unsigned {
			return fmt.Errorf("codec: %w: %d does not fit %v", faults.ErrOutOfRange, u, kind)
		}
		return fmt.Errorf("codec: %w: %d does not fit %v", faults.ErrOutOfRange, s, kind)
	}

	if kind.Signed() {
		maxS := int64(1)<<(width-1) - 1
		minS := -maxS - 1
		if unsigned {
			if u > uint64(maxS) {
				return 0, outOfRange()
			}
			s = int64(u)
		}
		if s < minS || s > maxS {
			return 0, outOfRange()
		}
		mask := uint64(math.MaxUint64)
		if width < 64 {
			mask = uint64(1)<<width - 1
		}
		return uint64(s) & mask, nil
	}

	if !unsigned {
		if s < 0 {
			return 0, outOfRange()
		}
		u = uint64(s)
	}
	if width < 64 && u > uint64(1)<<width-1 {
		return 0, outOfRange()
	}
	return u, nil
}

// asInteger normalizes v to either a signed or an unsigned 64-bit integer.
func asInteger(v any) (s int64, u uint64, unsigned bool, err error) {
	switch n := v.(type) {
	case int:
		return int64(n), 0, false, nil
	case int8:
		return int64(n), 0, false, nil
	case int16:
		return int64(n), 0, false, nil
	case int32:
		return int64(n), 0, false, nil
	case int64:
		return n, 0, false, nil
	case uint:
		return 0, uint64(n), true, nil
	case uint8:
		return 0, uint64(n), true, nil
	case uint16:
		return 0, uint64(n), true, nil
	case uint32:
		return 0, uint64(n), true, nil
	case uint64:
		return 0, n, true, nil
	case float32:
		return floatToInteger(float64(n))
	case float64:
		return floatToInteger(n)
	case Value:
		switch {
		case n.kind.IsFloat():
			return floatToInteger(n.Float())
		case n.kind.Signed():
			return n.Int(), 0, false, nil
		}
		return 0, n.bits, true, nil
	}
	return 0, 0, false, fmt.Errorf("codec: %w: cannot encode %T", faults.ErrUnsupportedType, v)
}

func floatToInteger(f float64) (int64, uint64, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, 0, false, fmt.Errorf("codec: %w: %v is not an integer", faults.ErrOutOfRange, f)
	}
	switch {
	case f >= -(1<<63) && f < 1<<63:
		return int64(f), 0, false, nil
	case f >= 0 && f < 1<<64:
		return 0, uint64(f), true, nil
	}
	return 0, 0, false, fmt.Errorf("codec: %w: %v exceeds 64 bits", faults.ErrOutOfRange, f)
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case Value:
		return n.Float(), nil
	}
	return 0, fmt.Errorf("codec: %w: cannot encode %T", faults.ErrUnsupportedType, v)
}
