// internal/writer/writer.go
package writer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
)

// Writer drains queued register writes to the device.
// Only one drain runs at a time; a concurrent call returns immediately and
// leaves its writes queued for the running or next drain.
type Writer struct {
	cfg Config
	tr  Transport
	log zerolog.Logger

	running atomic.Bool
	now     func() time.Time
}

func New(cfg Config, tr Transport, log zerolog.Logger) *Writer {
	return &Writer{
		cfg: cfg,
		tr:  tr,
		log: log.With().Str("component", "writer").Logger(),
		now: time.Now,
	}
}

// Drain writes every pending batch of every target.
//
// A localized failure is logged and drops that batch. A fatal failure stops
// the pass, keeps the remaining writes queued and is returned.
func (w *Writer) Drain(ctx context.Context, targets []Target) (Stats, error) {
	var st Stats

	if !w.running.CompareAndSwap(false, true) {
		st.Deferred = true
		return st, nil
	}
	defer w.running.Store(false)

	start := w.now()

	for _, tgt := range targets {
		for _, p := range tgt.Table.Pending() {
			if w.cfg.Budget > 0 && w.now().Sub(start) >= w.cfg.Budget {
				w.log.Debug().Dur("budget", w.cfg.Budget).Msg("write budget spent, deferring remaining writes")
				st.Deferred = true
				return st, nil
			}

			err := w.apply(ctx, tgt.Unit, p)
			switch {
			case err == nil:
				st.Written++
			case faults.IsFatal(err):
				return st, err
			default:
				st.Failed++
				w.log.Warn().Err(err).
					Uint8("unit", tgt.Unit).
					Uint16("addr", p.Start).
					Uint16("len", p.Length).
					Msg("write failed, dropping batch")
			}

			// words rewritten while in flight stay queued
			tgt.Table.Acknowledge(p.Start, p.Values)
		}
	}
	return st, nil
}

// apply issues the calls for one pending batch.
func (w *Writer) apply(ctx context.Context, unit uint8, p registers.Pending) error {
	if p.Mask != registers.FullMask {
		return w.applyMasked(ctx, unit, p)
	}

	if w.cfg.Mode == Multi && p.Length > 1 {
		err := w.tr.WriteRange(ctx, unit, p.Start, p.Values)
		w.pause(ctx)
		return err
	}

	for i, v := range p.Values {
		err := w.tr.WriteSingle(ctx, unit, p.Start+uint16(i), v)
		w.pause(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// applyMasked merges the pending bits into a live read of the register so bits
// outside the mask keep whatever the device currently holds.
func (w *Writer) applyMasked(ctx context.Context, unit uint8, p registers.Pending) error {
	cur, err := w.tr.ReadRange(ctx, unit, registers.Holding, p.Start, 1)
	if err != nil {
		return err
	}
	if len(cur) != 1 {
		return faults.Localized("masked-read", fmt.Errorf("expected 1 register at %d, got %d", p.Start, len(cur)))
	}
	merged := (cur[0] &^ p.Mask) | (p.Values[0] & p.Mask)

	err = w.tr.WriteSingle(ctx, unit, p.Start, merged)
	w.pause(ctx)
	return err
}

func (w *Writer) pause(ctx context.Context) {
	if w.cfg.Delay <= 0 {
		return
	}
	t := time.NewTimer(w.cfg.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
