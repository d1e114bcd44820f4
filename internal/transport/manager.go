// internal/transport/manager.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
)

const (
	// DefaultRetrySleep is the pause between connection attempts.
	DefaultRetrySleep = 5 * time.Second
	// DefaultTimeout bounds every request when no timeout is configured.
	DefaultTimeout = time.Second
)

// Manager owns the single connection to a device. Every request goes through
// it and is serialized; failures come back tagged fatal or localized.
type Manager struct {
	cfg Config
	log zerolog.Logger

	// OnGiveUp runs when the retry bound is exhausted. The default terminates
	// the process; tests and embedders can return an error instead.
	OnGiveUp func(err error) error

	dial func(ctx context.Context, v Variant, cfg Config, log zerolog.Logger) (Client, error)

	opMu sync.Mutex // serializes requests on the wire

	mu     sync.Mutex
	client Client

	stopped atomic.Bool
}

// NewManager returns an unconnected manager. The variant is resolved on Connect.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.RetrySleep <= 0 {
		cfg.RetrySleep = DefaultRetrySleep
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Manager{
		cfg:  cfg,
		log:  log.With().Str("component", "transport").Logger(),
		dial: dialVariant,
	}
	m.OnGiveUp = func(err error) error {
		m.log.Fatal().Err(err).Msg("modbus connection failed")
		return err
	}
	return m
}

func dialVariant(ctx context.Context, v Variant, cfg Config, log zerolog.Logger) (Client, error) {
	d, ok := dialers[v]
	if !ok {
		return nil, faults.Configf("framer %q is not supported over %q", v.Framing, v.Transport)
	}
	return d(ctx, cfg, log)
}

// Connect makes one connection attempt. It returns false with a nil error when
// the device could not be reached; configuration problems are returned as errors.
// A closed manager refuses with ErrClosed.
func (m *Manager) Connect(ctx context.Context) (bool, error) {
	if m.stopped.Load() {
		return false, fmt.Errorf("transport: %w", faults.ErrClosed)
	}
	v, err := Resolve(m.cfg.Variant)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.dropClient()

	c, err := m.dial(ctx, v, m.cfg, m.log)
	if err != nil {
		if errors.Is(err, faults.ErrConfiguration) {
			return false, err
		}
		m.log.Warn().Err(err).Str("variant", v.String()).Str("host", m.cfg.Host).Msg("modbus connect failed")
		return false, nil
	}

	m.mu.Lock()
	if m.stopped.Load() {
		m.mu.Unlock()
		_ = c.Close()
		return false, fmt.Errorf("transport: %w", faults.ErrClosed)
	}
	m.client = c
	m.mu.Unlock()

	m.log.Info().Str("variant", v.String()).Str("host", m.cfg.Host).Int("port", m.cfg.Port).Msg("modbus connected")
	return true, nil
}

// ConnectWithRetry keeps calling Connect, sleeping between attempts, until it
// succeeds or the retry bound is exhausted. On exhaustion it hands over to
// OnGiveUp.
func (m *Manager) ConnectWithRetry(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		ok, err := m.Connect(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if m.cfg.Retries > 0 && attempt >= m.cfg.Retries {
			return m.OnGiveUp(fmt.Errorf("transport: %w: giving up after %d attempts", faults.ErrClosed, attempt))
		}

		m.log.Info().Int("attempt", attempt).Dur("sleep", m.cfg.RetrySleep).Msg("retrying modbus connection")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RetrySleep):
		}
	}
}

// Reconnect drops the current connection and runs ConnectWithRetry.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.dropClient()
	return m.ConnectWithRetry(ctx)
}

// ReadRange reads count registers starting at start.
func (m *Manager) ReadRange(ctx context.Context, unit uint8, table registers.TableKind, start, count uint16) ([]uint16, error) {
	const op = "read"

	var words []uint16
	err := m.do(ctx, op, func(c Client) error {
		var err error
		words, err = c.ReadRegisters(unit, table, start, count)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(words) != int(count) {
		return nil, faults.Localized(op, fmt.Errorf("expected %d registers at %d, got %d", count, start, len(words)))
	}
	return words, nil
}

// WriteRange writes values to consecutive holding registers (FC 16).
func (m *Manager) WriteRange(ctx context.Context, unit uint8, start uint16, values []uint16) error {
	return m.do(ctx, "write-multiple", func(c Client) error {
		return c.WriteRegisters(unit, start, values)
	})
}

// WriteSingle writes one holding register (FC 6).
func (m *Manager) WriteSingle(ctx context.Context, unit uint8, addr, value uint16) error {
	return m.do(ctx, "write-single", func(c Client) error {
		return c.WriteRegister(unit, addr, value)
	})
}

func (m *Manager) do(ctx context.Context, op string, fn func(Client) error) error {
	if err := ctx.Err(); err != nil {
		return faults.Fatal(op, err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c == nil || m.stopped.Load() {
		return faults.Fatal(op, faults.ErrClosed)
	}

	err := fn(c)
	if m.stopped.Load() {
		return faults.Fatal(op, faults.ErrClosed)
	}
	return classify(op, err)
}

// Close tears the connection down for good. In-flight and later requests
// fail fatally with ErrClosed, and Connect and Reconnect refuse to reopen.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopped.Store(true)
	m.mu.Unlock()
	return m.dropClient()
}

func (m *Manager) dropClient() error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
