// internal/poller/poller.go
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/codec"
	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
	"github.com/tamzrod/modbus-bridge/internal/writer"
)

// Config is the runtime config the engine needs.
type Config struct {
	Order codec.WordOrder

	ReadBatch  int
	WriteBatch int

	WriteMode   writer.Mode
	WriteDelay  time.Duration
	WriteBudget time.Duration

	// ReadDelay is slept after every stored read batch.
	ReadDelay time.Duration
}

// Engine polls every monitored register space and drains queued writes.
// Poll is driven by one goroutine; SetValue may be called from others.
type Engine struct {
	cfg Config
	tr  Transport
	wr  *writer.Writer
	log zerolog.Logger

	mu     sync.Mutex
	tables map[DeviceUnit]*registers.Table

	state   atomic.Int32
	stopped atomic.Bool
	now     func() time.Time
}

// New creates an engine. Batch sizes are clamped; single write mode forces a
// write batch of one.
func New(cfg Config, tr Transport, log zerolog.Logger) *Engine {
	cfg.ReadBatch = registers.ClampBatch(cfg.ReadBatch)
	cfg.WriteBatch = registers.ClampBatch(cfg.WriteBatch)
	if cfg.WriteMode == writer.Single {
		cfg.WriteBatch = 1
	}

	l := log.With().Str("component", "poller").Logger()
	return &Engine{
		cfg: cfg,
		tr:  tr,
		wr: writer.New(writer.Config{
			Mode:   cfg.WriteMode,
			Budget: cfg.WriteBudget,
			Delay:  cfg.WriteDelay,
		}, tr, log),
		log:    l,
		tables: make(map[DeviceUnit]*registers.Table),
		now:    time.Now,
	}
}

// Monitor registers the words a value of kind occupies starting at addr.
func (e *Engine) Monitor(du DeviceUnit, addr uint16, kind codec.Kind) error {
	n, err := codec.WordsForWidth(kind)
	if err != nil {
		return err
	}
	if int(addr)+n-1 > 0xFFFF {
		return fmt.Errorf("poller: %w: %s at %d runs past the last address", faults.ErrOutOfRange, kind, addr)
	}

	e.mu.Lock()
	tbl, ok := e.tables[du]
	if !ok {
		tbl = registers.New(e.cfg.ReadBatch, e.cfg.WriteBatch)
		e.tables[du] = tbl
	}
	e.mu.Unlock()

	for i := 0; i < n; i++ {
		tbl.Monitor(addr + uint16(i))
	}
	return nil
}

// Connect makes one connection attempt.
func (e *Engine) Connect(ctx context.Context) (bool, error) {
	return e.tr.Connect(ctx)
}

// ConnectWithRetry connects under the transport's retry policy.
func (e *Engine) ConnectWithRetry(ctx context.Context) error {
	return e.tr.ConnectWithRetry(ctx)
}

// State returns the current cycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Poll runs one read phase followed by one write phase.
//
// A localized read error skips that batch. A fatal one aborts the cycle,
// skips the write phase and is returned in PollResult.Err; queued writes stay
// queued for the cycle after reconnect.
func (e *Engine) Poll(ctx context.Context) PollResult {
	res := PollResult{At: e.now()}

	e.setState(Reading)
	for _, du := range e.units() {
		tbl := e.table(du)
		for _, b := range tbl.Batches(registers.Read) {
			gen := tbl.Generation()
			words, err := e.tr.ReadRange(ctx, du.Unit, du.Table, b.Start, b.Length)
			if err != nil {
				if faults.IsFatal(err) {
					e.log.Error().Err(err).Stringer("unit", du).Msg("connection lost during read")
					e.setState(Reconnecting)
					res.Err = err
					return res
				}
				res.ReadFailed++
				res.ReadErr = err
				e.log.Warn().Err(err).
					Stringer("unit", du).
					Uint16("addr", b.Start).
					Uint16("len", b.Length).
					Msg("read failed, keeping previous values")
				continue
			}

			tbl.Store(b.Start, words, gen)
			res.ReadBatches++
			e.pause(ctx, e.cfg.ReadDelay)
		}
	}

	e.setState(Writing)
	res.Writes, res.Err = e.wr.Drain(ctx, e.targets())
	if res.Err != nil {
		e.log.Error().Err(res.Err).Msg("connection lost during write")
		e.setState(Reconnecting)
		return res
	}
	e.setState(Idle)
	return res
}

// Value decodes the value of kind stored at addr.
func (e *Engine) Value(du DeviceUnit, addr uint16, kind codec.Kind) (codec.Value, error) {
	n, err := codec.WordsForWidth(kind)
	if err != nil {
		return codec.Value{}, err
	}
	tbl := e.table(du)
	if tbl == nil {
		return codec.Value{}, fmt.Errorf("poller: %w: %s %d", faults.ErrAddressNotMonitored, du, addr)
	}

	words := make([]uint16, n)
	for i := range words {
		a := addr + uint16(i)
		if int(addr)+i > 0xFFFF || !tbl.Contains(a) {
			return codec.Value{}, fmt.Errorf("poller: %w: %s %d", faults.ErrAddressNotMonitored, du, int(addr)+i)
		}
		if !tbl.Fetched(a) {
			return codec.Value{}, fmt.Errorf("poller: %w: %s %d", faults.ErrNotPolled, du, a)
		}
		if words[i], err = tbl.Value(a); err != nil {
			return codec.Value{}, err
		}
	}
	return codec.Decode(words, kind, e.cfg.Order)
}

// SetValue encodes v as kind, queues it at addr under mask and drains
// the write queue straight away. The mask applies to every word of a
// multi-word value.
func (e *Engine) SetValue(ctx context.Context, du DeviceUnit, addr uint16, v any, mask uint16, kind codec.Kind) error {
	if du.Table != registers.Holding {
		return fmt.Errorf("poller: %w: %s", faults.ErrReadOnlyTable, du)
	}
	words, err := codec.Encode(v, kind, e.cfg.Order)
	if err != nil {
		return err
	}

	tbl := e.table(du)
	if tbl == nil {
		return fmt.Errorf("poller: %w: %s %d", faults.ErrAddressNotMonitored, du, addr)
	}
	for i := range words {
		if int(addr)+i > 0xFFFF || !tbl.Contains(addr+uint16(i)) {
			return fmt.Errorf("poller: %w: %s %d", faults.ErrAddressNotMonitored, du, int(addr)+i)
		}
	}
	for i, w := range words {
		if err := tbl.SetValue(addr+uint16(i), int(w), mask); err != nil {
			return err
		}
	}

	_, err = e.wr.Drain(ctx, e.targets())
	return err
}

// Stop closes the transport and ends Run. In-flight calls fail with a fatal
// error and writes still queued are discarded. A stopped engine stays stopped.
func (e *Engine) Stop() error {
	e.stopped.Store(true)
	err := e.tr.Close()

	dropped := 0
	for _, tgt := range e.targets() {
		dropped += tgt.Table.ClearChanged()
	}
	if dropped > 0 {
		e.log.Warn().Int("registers", dropped).Msg("discarding queued writes")
	}
	e.setState(Idle)
	return err
}

func (e *Engine) table(du DeviceUnit) *registers.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables[du]
}

// units returns every monitored DeviceUnit, ordered by unit then table.
func (e *Engine) units() []DeviceUnit {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DeviceUnit, 0, len(e.tables))
	for du := range e.tables {
		out = append(out, du)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		return out[i].Table < out[j].Table
	})
	return out
}

func (e *Engine) targets() []writer.Target {
	var out []writer.Target
	for _, du := range e.units() {
		if du.Table != registers.Holding {
			continue
		}
		out = append(out, writer.Target{Unit: du.Unit, Table: e.table(du)})
	}
	return out
}

func (e *Engine) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
