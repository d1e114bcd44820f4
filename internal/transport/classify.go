// internal/transport/classify.go
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	svmodbus "github.com/simonvetter/modbus"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// classify tags err as fatal when the connection itself failed and as
// localized when the device answered with an exception or a bad frame.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if connectionLost(err) {
		return faults.Fatal(op, err)
	}
	return faults.Localized(op, err)
}

var fatalErrors = []error{
	faults.ErrClosed,
	net.ErrClosed,
	io.EOF,
	io.ErrUnexpectedEOF,
	os.ErrDeadlineExceeded,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	serial.ErrTimeout,
	svmodbus.ErrRequestTimedOut,
	context.Canceled,
	context.DeadlineExceeded,
}

func connectionLost(err error) bool {
	var exc *modbus.ModbusError
	if errors.As(err, &exc) {
		return false
	}
	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
