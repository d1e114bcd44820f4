// internal/transport/manager_test.go
package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
)

type fakeClient struct {
	words    []uint16
	readErr  error
	writeErr error
	closed   bool

	singles []uint16
	ranges  [][]uint16
}

func (f *fakeClient) ReadRegisters(_ uint8, _ registers.TableKind, _, _ uint16) ([]uint16, error) {
	return f.words, f.readErr
}

func (f *fakeClient) WriteRegister(_ uint8, _, value uint16) error {
	f.singles = append(f.singles, value)
	return f.writeErr
}

func (f *fakeClient) WriteRegisters(_ uint8, _ uint16, values []uint16) error {
	f.ranges = append(f.ranges, values)
	return f.writeErr
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, zerolog.Nop())
	m.OnGiveUp = func(err error) error { return err }
	return m
}

func connectedManager(t *testing.T, c Client) *Manager {
	t.Helper()
	m := newTestManager(t, Config{})
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) { return c, nil }
	ok, err := m.Connect(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, ok)
	return m
}

func TestRetryBoundInvokesHook(t *testing.T) {
	m := newTestManager(t, Config{Retries: 3, RetrySleep: time.Millisecond})

	attempts := 0
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) {
		attempts++
		return nil, errors.New("connection refused")
	}
	hooked := 0
	m.OnGiveUp = func(err error) error {
		hooked++
		return err
	}

	err := m.ConnectWithRetry(context.Background())
	assert.Assert(t, err != nil)
	assert.Equal(t, attempts, 3)
	assert.Equal(t, hooked, 1)
}

func TestRetrySucceedsEventually(t *testing.T) {
	m := newTestManager(t, Config{Retries: -1, RetrySleep: time.Millisecond})

	attempts := 0
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) {
		attempts++
		if attempts < 4 {
			return nil, errors.New("connection refused")
		}
		return &fakeClient{words: []uint16{7}}, nil
	}

	assert.NilError(t, m.ConnectWithRetry(context.Background()))
	assert.Equal(t, attempts, 4)
	words, err := m.ReadRange(context.Background(), 1, registers.Holding, 0, 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, words, []uint16{7})
}

func TestRetryStopsOnCancel(t *testing.T) {
	m := newTestManager(t, Config{RetrySleep: time.Hour})
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) {
		return nil, errors.New("connection refused")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.ConnectWithRetry(ctx)
	assert.Assert(t, errors.Is(err, context.Canceled))
}

func TestConnectConfigurationError(t *testing.T) {
	m := newTestManager(t, Config{Variant: "ascii-over-udp"})
	dialed := false
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) {
		dialed = true
		return &fakeClient{}, nil
	}
	ok, err := m.Connect(context.Background())
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, faults.ErrConfiguration))
	assert.Assert(t, !dialed)

	// a retry loop never retries a configuration error
	assert.Assert(t, errors.Is(m.ConnectWithRetry(context.Background()), faults.ErrConfiguration))

	m = newTestManager(t, Config{})
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) {
		return nil, faults.Configf("bad certificate")
	}
	ok, err = m.Connect(context.Background())
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, faults.ErrConfiguration))
}

func TestReadRange(t *testing.T) {
	fc := &fakeClient{words: []uint16{1, 2, 3}}
	m := connectedManager(t, fc)

	words, err := m.ReadRange(context.Background(), 1, registers.Holding, 10, 3)
	assert.NilError(t, err)
	assert.DeepEqual(t, words, []uint16{1, 2, 3})

	_, err = m.ReadRange(context.Background(), 1, registers.Holding, 10, 4)
	assert.Assert(t, faults.IsLocalized(err))
}

func TestErrorClassification(t *testing.T) {
	fc := &fakeClient{}
	m := connectedManager(t, fc)
	ctx := context.Background()

	fc.readErr = &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}
	_, err := m.ReadRange(ctx, 1, registers.Input, 0, 1)
	assert.Assert(t, faults.IsLocalized(err))

	fc.readErr = io.EOF
	_, err = m.ReadRange(ctx, 1, registers.Input, 0, 1)
	assert.Assert(t, faults.IsFatal(err))

	fc.writeErr = errors.New("modbus: response data size '3' does not match count '4'")
	assert.Assert(t, faults.IsLocalized(m.WriteSingle(ctx, 1, 0, 7)))

	fc.writeErr = io.ErrUnexpectedEOF
	assert.Assert(t, faults.IsFatal(m.WriteRange(ctx, 1, 0, []uint16{1, 2})))
	assert.DeepEqual(t, fc.singles, []uint16{7})
	assert.DeepEqual(t, fc.ranges, [][]uint16{{1, 2}})
}

func TestClosedManagerFailsFatally(t *testing.T) {
	fc := &fakeClient{words: []uint16{1}}
	m := connectedManager(t, fc)

	assert.NilError(t, m.Close())
	assert.Assert(t, fc.closed)

	_, err := m.ReadRange(context.Background(), 1, registers.Holding, 0, 1)
	assert.Assert(t, faults.IsFatal(err))
	assert.Assert(t, errors.Is(err, faults.ErrClosed))
}

func TestClosedManagerStaysClosed(t *testing.T) {
	m := connectedManager(t, &fakeClient{words: []uint16{7}})
	assert.NilError(t, m.Close())

	dialed := 0
	m.dial = func(context.Context, Variant, Config, zerolog.Logger) (Client, error) {
		dialed++
		return &fakeClient{words: []uint16{7}}, nil
	}
	ctx := context.Background()

	ok, err := m.Connect(ctx)
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, faults.ErrClosed))
	assert.Assert(t, errors.Is(m.Reconnect(ctx), faults.ErrClosed))
	assert.Equal(t, dialed, 0)

	_, err = m.ReadRange(ctx, 1, registers.Holding, 0, 1)
	assert.Assert(t, errors.Is(err, faults.ErrClosed))
}

func TestTimeoutDefaultsWhenUnset(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		m := newTestManager(t, Config{Timeout: timeout})
		var got time.Duration
		m.dial = func(_ context.Context, _ Variant, cfg Config, _ zerolog.Logger) (Client, error) {
			got = cfg.Timeout
			return &fakeClient{}, nil
		}
		ok, err := m.Connect(context.Background())
		assert.NilError(t, err)
		assert.Assert(t, ok)
		assert.Equal(t, got, DefaultTimeout)
	}

	m := newTestManager(t, Config{Timeout: 3 * time.Second})
	assert.Equal(t, m.cfg.Timeout, 3*time.Second)
}
