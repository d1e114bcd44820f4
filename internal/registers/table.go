// internal/registers/table.go
package registers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// Batching limits. Every configured batch size is clamped into [MinBatch, MaxBatch].
const (
	MinBatch     = 1
	MaxBatch     = 100
	DefaultBatch = 100
)

// FullMask selects every bit of a register.
const FullMask uint16 = 0xFFFF

// Mode selects which addresses take part in batching.
type Mode int

const (
	// Read batches every monitored address.
	Read Mode = iota
	// Write batches only addresses changed since the last write pass.
	Write
)

// Batch is a contiguous run of addresses transferred in one call.
type Batch struct {
	Start  uint16
	Length uint16
}

// End returns the address after the last one in the batch.
func (b Batch) End() int { return int(b.Start) + int(b.Length) }

// Pending is a write batch with the values and mask captured at snapshot time.
// Mask is FullMask for plain writes; a partial mask only ever appears on a
// single-address batch.
type Pending struct {
	Batch
	Values []uint16
	Mask   uint16
}

// Table is the shadow copy of one register space (one table kind on one
// device unit). It is safe for concurrent use.
type Table struct {
	mu sync.Mutex

	readBatch  int
	writeBatch int

	values  map[uint16]uint16
	fetched map[uint16]bool
	changed map[uint16]uint16 // addr -> accumulated write mask

	// write generation, bumped by every Acknowledge
	gen     uint64
	ackedAt map[uint16]uint64

	// derived, rebuilt when stale
	sorted      []uint16
	readBatches []Batch
	stale       bool
}

// New creates an empty table. Batch sizes are clamped into [MinBatch, MaxBatch].
func New(readBatch, writeBatch int) *Table {
	return &Table{
		readBatch:  ClampBatch(readBatch),
		writeBatch: ClampBatch(writeBatch),
		values:     make(map[uint16]uint16),
		fetched:    make(map[uint16]bool),
		changed:    make(map[uint16]uint16),
		ackedAt:    make(map[uint16]uint64),
		stale:      true,
	}
}

// ClampBatch forces n into [MinBatch, MaxBatch].
func ClampBatch(n int) int {
	if n < MinBatch {
		return MinBatch
	}
	if n > MaxBatch {
		return MaxBatch
	}
	return n
}

// Monitor adds addr to the table. Adding an address twice is a no-op.
func (t *Table) Monitor(addr uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.values[addr]; ok {
		return
	}
	t.values[addr] = 0
	t.stale = true
}

// Contains reports whether addr is monitored.
func (t *Table) Contains(addr uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.values[addr]
	return ok
}

// Len returns the number of monitored addresses.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.values)
}

// Batches returns the ascending list of batches for mode.
func (t *Table) Batches(mode Mode) []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchesLocked(mode)
}

func (t *Table) batchesLocked(mode Mode) []Batch {
	t.refreshLocked()

	if mode == Read {
		out := make([]Batch, len(t.readBatches))
		copy(out, t.readBatches)
		return out
	}

	if len(t.changed) == 0 {
		return nil
	}
	addrs := make([]uint16, 0, len(t.changed))
	for _, a := range t.sorted {
		if _, ok := t.changed[a]; ok {
			addrs = append(addrs, a)
		}
	}
	return coalesce(addrs, t.writeBatch)
}

func (t *Table) refreshLocked() {
	if !t.stale {
		return
	}
	t.sorted = t.sorted[:0]
	for a := range t.values {
		t.sorted = append(t.sorted, a)
	}
	sort.Slice(t.sorted, func(i, j int) bool { return t.sorted[i] < t.sorted[j] })
	t.readBatches = coalesce(t.sorted, t.readBatch)
	t.stale = false
}

// coalesce greedily groups ascending addresses into runs of consecutive
// addresses no longer than max.
func coalesce(addrs []uint16, max int) []Batch {
	var out []Batch
	var cur Batch
	open := false

	for _, a := range addrs {
		if open && (int(cur.Length) >= max || int(a) != cur.End()) {
			out = append(out, cur)
			open = false
		}
		if !open {
			cur = Batch{Start: a, Length: 0}
			open = true
		}
		cur.Length++
	}
	if open {
		out = append(out, cur)
	}
	return out
}

// SetValue merges value into addr under mask: new = (old &^ mask) | (value & mask).
// The address is marked changed when the stored value moves.
func (t *Table) SetValue(addr uint16, value int, mask uint16) error {
	if value < 0 || value > 0xFFFF {
		return fmt.Errorf("registers: %w: %d is not a 16-bit register value", faults.ErrOutOfRange, value)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.values[addr]
	if !ok {
		return fmt.Errorf("registers: %w: %d", faults.ErrAddressNotMonitored, addr)
	}

	v := (old &^ mask) | (uint16(value) & mask)
	if prev, pending := t.changed[addr]; v != old || pending {
		t.changed[addr] = prev | mask
	}
	t.values[addr] = v
	return nil
}

// Value returns the stored word. Unpolled addresses read as zero.
func (t *Table) Value(addr uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.values[addr]
	if !ok {
		return 0, fmt.Errorf("registers: %w: %d", faults.ErrAddressNotMonitored, addr)
	}
	return v, nil
}

// Fetched reports whether addr has been filled by at least one read.
func (t *Table) Fetched(addr uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetched[addr]
}

// Generation returns the current write generation. Take it before issuing a
// read and hand it to Store.
func (t *Table) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Store records words read from the device starting at start. gen is the
// write generation taken before the read was issued.
// Addresses with a pending write keep their shadow value until it is drained,
// and addresses acknowledged after gen keep the value just written.
func (t *Table) Store(start uint16, words []uint16, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, w := range words {
		a := int(start) + i
		if a > 0xFFFF {
			return
		}
		addr := uint16(a)
		if _, ok := t.values[addr]; !ok {
			continue
		}
		t.fetched[addr] = true
		if _, pending := t.changed[addr]; pending {
			continue
		}
		if t.ackedAt[addr] > gen {
			continue
		}
		t.values[addr] = w
	}
}

// Pending snapshots the write batches together with their values and masks.
// Runs of fully-masked words stay together; a partially-masked word is split
// out into its own single-address batch.
func (t *Table) Pending() []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Pending
	for _, b := range t.batchesLocked(Write) {
		var run *Pending
		for i := 0; i < int(b.Length); i++ {
			addr := b.Start + uint16(i)
			mask := t.changed[addr]
			v := t.values[addr]

			if mask != FullMask {
				if run != nil {
					out = append(out, *run)
					run = nil
				}
				out = append(out, Pending{Batch: Batch{Start: addr, Length: 1}, Values: []uint16{v}, Mask: mask})
				continue
			}
			if run == nil {
				run = &Pending{Batch: Batch{Start: addr}, Mask: FullMask}
			}
			run.Length++
			run.Values = append(run.Values, v)
		}
		if run != nil {
			out = append(out, *run)
		}
	}
	return out
}

// Acknowledge clears the changed flag of each address in the written range
// whose stored value still equals what was written. Words modified again while
// the write was in flight stay pending.
func (t *Table) Acknowledge(start uint16, written []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	for i, w := range written {
		addr := start + uint16(i)
		t.ackedAt[addr] = t.gen
		if t.values[addr] == w {
			delete(t.changed, addr)
		}
	}
}

// Changed reports whether addr has a pending write.
func (t *Table) Changed(addr uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.changed[addr]
	return ok
}

// ClearChanged drops every pending write flag and returns how many were set.
func (t *Table) ClearChanged() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.changed)
	t.changed = make(map[uint16]uint16)
	return n
}
