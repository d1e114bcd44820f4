// internal/transport/client.go
package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/registers"
)

// Client is one open connection to a Modbus device.
// Implementations are not required to be safe for concurrent use;
// Manager serializes every call.
type Client interface {
	ReadRegisters(unit uint8, table registers.TableKind, addr, qty uint16) ([]uint16, error)
	WriteRegister(unit uint8, addr, value uint16) error
	WriteRegisters(unit uint8, addr uint16, values []uint16) error
	Close() error
}

// TLSConfig names the PEM files used by the tls transport.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// SerialConfig holds line settings for the serial transport.
type SerialConfig struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
}

// Config describes how to reach the device.
type Config struct {
	Variant string
	Host    string // hostname, or device path for serial
	Port    int
	Timeout time.Duration

	// Retries bounds connection attempts; values below 1 retry forever.
	Retries    int
	RetrySleep time.Duration

	TLS    TLSConfig
	Serial SerialConfig

	// Debug routes library frame logging into the logger.
	Debug bool
}

type dialFunc func(ctx context.Context, cfg Config, log zerolog.Logger) (Client, error)

func unpackRegisters(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return out
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
