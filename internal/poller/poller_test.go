// internal/poller/poller_test.go
package poller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/tamzrod/modbus-bridge/internal/codec"
	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
	"github.com/tamzrod/modbus-bridge/internal/writer"
)

type cell struct {
	unit  uint8
	table registers.TableKind
	addr  uint16
}

type call struct {
	op    string
	unit  uint8
	start uint16
	n     int
}

// fakeConn is an in-memory device that satisfies Transport.
type fakeConn struct {
	mu    sync.Mutex
	regs  map[cell]uint16
	calls []call

	readErr    map[uint16]error // by batch start
	reconnects int
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{regs: make(map[cell]uint16), readErr: make(map[uint16]error)}
}

func (f *fakeConn) Connect(context.Context) (bool, error)  { return true, nil }
func (f *fakeConn) ConnectWithRetry(context.Context) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeConn) set(u uint8, t registers.TableKind, a, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[cell{u, t, a}] = v
}

func (f *fakeConn) get(u uint8, t registers.TableKind, a uint16) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[cell{u, t, a}]
}

func (f *fakeConn) ReadRange(_ context.Context, unit uint8, table registers.TableKind, start, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"read", unit, start, int(count)})
	if f.closed {
		return nil, faults.Fatal("read", faults.ErrClosed)
	}
	if err := f.readErr[start]; err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = f.regs[cell{unit, table, start + uint16(i)}]
	}
	return out, nil
}

func (f *fakeConn) WriteRange(_ context.Context, unit uint8, start uint16, values []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"write-multiple", unit, start, len(values)})
	for i, v := range values {
		f.regs[cell{unit, registers.Holding, start + uint16(i)}] = v
	}
	return nil
}

func (f *fakeConn) WriteSingle(_ context.Context, unit uint8, addr, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"write-single", unit, addr, 1})
	f.regs[cell{unit, registers.Holding, addr}] = value
	return nil
}

func (f *fakeConn) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

var (
	holding1 = DeviceUnit{Table: registers.Holding, Unit: 1}
	input1   = DeviceUnit{Table: registers.Input, Unit: 1}
)

func newEngine(conn *fakeConn, cfg Config) *Engine {
	return New(cfg, conn, zerolog.Nop())
}

func TestEndToEndHoldingWord(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{})
	ctx := context.Background()

	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))
	ok, err := e.Connect(ctx)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	res := e.Poll(ctx)
	assert.NilError(t, res.Err)
	v, err := e.Value(holding1, 1, codec.Uint16)
	assert.NilError(t, err)
	assert.Equal(t, v.Uint(), uint64(0))

	assert.NilError(t, e.SetValue(ctx, holding1, 1, 65535, registers.FullMask, codec.Uint16))
	res = e.Poll(ctx)
	assert.NilError(t, res.Err)

	v, err = e.Value(holding1, 1, codec.Uint16)
	assert.NilError(t, err)
	assert.Equal(t, v.Uint(), uint64(65535))

	v, err = e.Value(holding1, 1, codec.Int16)
	assert.NilError(t, err)
	assert.Equal(t, v.Int(), int64(-1))
	assert.Equal(t, conn.get(1, registers.Holding, 1), uint16(0xFFFF))
}

func TestValueErrors(t *testing.T) {
	e := newEngine(newFakeConn(), Config{})
	assert.NilError(t, e.Monitor(holding1, 10, codec.Uint16))

	_, err := e.Value(holding1, 11, codec.Uint16)
	assert.ErrorIs(t, err, faults.ErrAddressNotMonitored)

	_, err = e.Value(input1, 10, codec.Uint16)
	assert.ErrorIs(t, err, faults.ErrAddressNotMonitored)

	_, err = e.Value(holding1, 10, codec.Uint16)
	assert.ErrorIs(t, err, faults.ErrNotPolled)

	// a 32-bit read over one monitored word runs off the table
	_, err = e.Value(holding1, 10, codec.Uint32)
	assert.ErrorIs(t, err, faults.ErrAddressNotMonitored)
}

func TestMonitorPastLastAddress(t *testing.T) {
	e := newEngine(newFakeConn(), Config{})
	err := e.Monitor(holding1, 0xFFFF, codec.Uint32)
	assert.ErrorIs(t, err, faults.ErrOutOfRange)
}

func TestSetValueOnInputTable(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{})
	assert.NilError(t, e.Monitor(input1, 5, codec.Uint16))

	err := e.SetValue(context.Background(), input1, 5, 1, registers.FullMask, codec.Uint16)
	assert.ErrorIs(t, err, faults.ErrReadOnlyTable)
	assert.Equal(t, conn.count("write-single")+conn.count("write-multiple"), 0)
}

func TestSetValueOutOfRange(t *testing.T) {
	e := newEngine(newFakeConn(), Config{})
	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))

	err := e.SetValue(context.Background(), holding1, 1, -1, registers.FullMask, codec.Uint16)
	assert.ErrorIs(t, err, faults.ErrOutOfRange)
	err = e.SetValue(context.Background(), holding1, 1, 0x10000, registers.FullMask, codec.Uint16)
	assert.ErrorIs(t, err, faults.ErrOutOfRange)
}

func TestSetValueDrainsEagerly(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{})
	assert.NilError(t, e.Monitor(holding1, 20, codec.Uint32))

	assert.NilError(t, e.SetValue(context.Background(), holding1, 20, uint32(689876135), registers.FullMask, codec.Uint32))

	// no poll needed: HighFirst puts 0x291E at the lower address
	assert.Equal(t, conn.get(1, registers.Holding, 20), uint16(0x291E))
	assert.Equal(t, conn.get(1, registers.Holding, 21), uint16(0xACA7))
	assert.Equal(t, conn.count("write-multiple"), 1)
}

func TestLowFirstRoundTrip(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{Order: codec.LowFirst})
	ctx := context.Background()
	assert.NilError(t, e.Monitor(holding1, 20, codec.Int32))

	assert.NilError(t, e.SetValue(ctx, holding1, 20, -2, registers.FullMask, codec.Int32))
	assert.Equal(t, conn.get(1, registers.Holding, 20), uint16(0xFFFE))
	assert.Equal(t, conn.get(1, registers.Holding, 21), uint16(0xFFFF))

	assert.NilError(t, e.Poll(ctx).Err)
	v, err := e.Value(holding1, 20, codec.Int32)
	assert.NilError(t, err)
	assert.Equal(t, v.Int(), int64(-2))
}

func TestMaskedWriteKeepsOtherBits(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registers.Holding, 7, 0xAB00)
	e := newEngine(conn, Config{})
	ctx := context.Background()
	assert.NilError(t, e.Monitor(holding1, 7, codec.Uint16))
	assert.NilError(t, e.Poll(ctx).Err)

	// the device moves on between poll and write
	conn.set(1, registers.Holding, 7, 0xAB11)

	assert.NilError(t, e.SetValue(ctx, holding1, 7, 0x00CD, 0x00FF, codec.Uint16))
	assert.Equal(t, conn.get(1, registers.Holding, 7), uint16(0xABCD))
	assert.Equal(t, conn.count("write-single"), 1)
}

func TestLocalizedReadContinues(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registers.Holding, 50, 42)
	conn.readErr[1] = faults.Localized("read", &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2})
	e := newEngine(conn, Config{})

	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))
	assert.NilError(t, e.Monitor(holding1, 50, codec.Uint16))

	res := e.Poll(context.Background())
	assert.NilError(t, res.Err)
	assert.Equal(t, res.ReadFailed, 1)
	assert.Equal(t, res.ReadBatches, 1)
	assert.Assert(t, faults.IsLocalized(res.ReadErr))
	assert.Equal(t, e.State(), Idle)

	v, err := e.Value(holding1, 50, codec.Uint16)
	assert.NilError(t, err)
	assert.Equal(t, v.Uint(), uint64(42))
}

func TestFatalReadSkipsWrites(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{})
	ctx := context.Background()
	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))
	assert.NilError(t, e.Poll(ctx).Err)

	// queue a write without draining it
	tbl := e.table(holding1)
	assert.NilError(t, tbl.SetValue(1, 9, registers.FullMask))

	conn.readErr[1] = faults.Fatal("read", io.EOF)
	res := e.Poll(ctx)
	assert.Assert(t, faults.IsFatal(res.Err))
	assert.Equal(t, e.State(), Reconnecting)
	assert.Equal(t, conn.count("write-single")+conn.count("write-multiple"), 0)
	assert.Assert(t, tbl.Changed(1))

	delete(conn.readErr, 1)
	res = e.Poll(ctx)
	assert.NilError(t, res.Err)
	assert.Equal(t, res.Writes.Written, 1)
	assert.Equal(t, conn.get(1, registers.Holding, 1), uint16(9))
}

func TestUnitsAreSeparateSpaces(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registers.Holding, 3, 11)
	conn.set(2, registers.Holding, 3, 22)
	conn.set(1, registers.Input, 3, 33)
	e := newEngine(conn, Config{})

	holding2 := DeviceUnit{Table: registers.Holding, Unit: 2}
	for _, du := range []DeviceUnit{holding2, input1, holding1} {
		assert.NilError(t, e.Monitor(du, 3, codec.Uint16))
	}
	assert.DeepEqual(t, e.units(), []DeviceUnit{holding1, input1, holding2})

	assert.NilError(t, e.Poll(context.Background()).Err)
	for du, want := range map[DeviceUnit]uint64{holding1: 11, holding2: 22, input1: 33} {
		v, err := e.Value(du, 3, codec.Uint16)
		assert.NilError(t, err)
		assert.Equal(t, v.Uint(), want, du.String())
	}
	assert.Equal(t, len(e.targets()), 2)
}

func TestSingleModeForcesBatchOfOne(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{WriteMode: writer.Single, WriteBatch: 50})
	assert.Equal(t, e.cfg.WriteBatch, 1)

	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint32))
	assert.NilError(t, e.SetValue(context.Background(), holding1, 1, uint32(0x00010002), registers.FullMask, codec.Uint32))
	assert.Equal(t, conn.count("write-single"), 2)
	assert.Equal(t, conn.count("write-multiple"), 0)
}

func TestRunReconnectsAfterFatalPoll(t *testing.T) {
	conn := newFakeConn()
	conn.readErr[1] = faults.Fatal("read", io.EOF)
	e := newEngine(conn, Config{})
	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan PollResult)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, 1, out) }()

	res := <-out
	assert.Assert(t, faults.IsFatal(res.Err))
	// the next result is only produced after the reconnect
	<-out
	cancel()

	err := <-done
	assert.Assert(t, errors.Is(err, context.Canceled))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Assert(t, conn.reconnects >= 1)
}

func TestStopDiscardsQueuedWrites(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{})
	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))

	tbl := e.table(holding1)
	assert.NilError(t, tbl.SetValue(1, 9, registers.FullMask))
	assert.NilError(t, e.Stop())
	assert.Assert(t, !tbl.Changed(1))

	err := e.Run(context.Background(), 1, nil)
	assert.Assert(t, errors.Is(err, faults.ErrClosed))
	assert.Equal(t, conn.count("read"), 0)
	assert.Equal(t, conn.count("write-single")+conn.count("write-multiple"), 0)
}

func TestStopDuringRunDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	e := newEngine(conn, Config{})
	assert.NilError(t, e.Monitor(holding1, 1, codec.Uint16))

	out := make(chan PollResult)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), 1, out) }()

	assert.NilError(t, (<-out).Err)
	assert.NilError(t, e.Stop())

	for {
		select {
		case <-out:
		case err := <-done:
			assert.Assert(t, errors.Is(err, faults.ErrClosed))
			conn.mu.Lock()
			defer conn.mu.Unlock()
			assert.Equal(t, conn.reconnects, 0)
			return
		}
	}
}

func TestBuildMonitorsRegisters(t *testing.T) {
	unit := uint8(4)
	cfg := &config.Config{
		IP:            "127.0.0.1",
		AddressOffset: -1,
		Registers: []config.RegisterConfig{
			{PubTopic: "a", Address: 11},
			{PubTopic: "b", Address: 21, Type: "uint32", Table: "input", Unit: &unit},
		},
	}
	e, err := Build(cfg, zerolog.Nop())
	assert.NilError(t, err)

	assert.DeepEqual(t, e.units(), []DeviceUnit{
		holding1,
		{Table: registers.Input, Unit: 4},
	})
	assert.Assert(t, e.table(holding1).Contains(10))
	in := e.table(DeviceUnit{Table: registers.Input, Unit: 4})
	assert.Assert(t, in.Contains(20) && in.Contains(21))
}
