// internal/bridge/bridge.go
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/bus"
	"github.com/tamzrod/modbus-bridge/internal/codec"
	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/metrics"
	"github.com/tamzrod/modbus-bridge/internal/poller"
	"github.com/tamzrod/modbus-bridge/internal/registers"
	"github.com/tamzrod/modbus-bridge/internal/status"
)

const (
	// AnnounceTopic is published under the prefix on every bus connect.
	AnnounceTopic = "modbus-bridge"
	// StatusTopic carries the device status snapshot.
	StatusTopic = "status"

	setTimeout = 10 * time.Second
)

// Engine is what the bridge needs from the poll/write engine.
type Engine interface {
	Value(du poller.DeviceUnit, addr uint16, kind codec.Kind) (codec.Value, error)
	SetValue(ctx context.Context, du poller.DeviceUnit, addr uint16, v any, mask uint16, kind codec.Kind) error
}

// Options tune a Bridge.
type Options struct {
	Prefix  string // topic prefix; a trailing '/' is added when missing
	Version string

	Metrics *metrics.Metrics // optional
}

// register is one configured register with its resolved location.
type register struct {
	cfg  config.RegisterConfig
	du   poller.DeviceUnit
	addr uint16
	kind codec.Kind

	// last published reading, before value_map
	last      string
	published bool
}

func (r *register) onlyOnChange() bool {
	return r.cfg.PubOnlyOnChange == nil || *r.cfg.PubOnlyOnChange
}

func (r *register) retain() bool {
	return r.cfg.Retain != nil && *r.cfg.Retain
}

func (r *register) mask() uint16 {
	if r.cfg.Mask == nil {
		return registers.FullMask
	}
	return *r.cfg.Mask
}

// Bridge moves values between the engine and the bus: a publish pass after
// every good poll, set topics into queued writes, and the status topic.
type Bridge struct {
	eng     Engine
	bus     bus.Client
	prefix  string
	version string
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu   sync.Mutex // guards publish pass state
	regs []*register
	sets map[string][]*register // by full topic, in config order

	status *status.Tracker
}

// New resolves every configured register.
func New(cfg *config.Config, eng Engine, b bus.Client, opts Options, log zerolog.Logger) (*Bridge, error) {
	config.Normalize(cfg)

	br := &Bridge{
		eng:     eng,
		bus:     b,
		prefix:  bus.Prefix(opts.Prefix),
		version: opts.Version,
		metrics: opts.Metrics,
		log:     log.With().Str("component", "bridge").Logger(),
		sets:    make(map[string][]*register),
		status:  status.NewTracker(),
	}

	for i, rc := range cfg.Registers {
		du, addr, kind, err := poller.Locate(rc)
		if err != nil {
			return nil, fmt.Errorf("bridge: register %d: %w", i, err)
		}
		r := &register{cfg: rc, du: du, addr: addr, kind: kind}
		br.regs = append(br.regs, r)
		if rc.SetTopic != "" {
			topic := br.prefix + rc.SetTopic
			br.sets[topic] = append(br.sets[topic], r)
		}
	}
	return br, nil
}

// Announce publishes the connect message. It runs on every bus (re)connect.
func (b *Bridge) Announce() {
	msg := fmt.Sprintf("modbus-bridge %s connected.", b.version)
	if err := b.bus.Publish(b.prefix+AnnounceTopic, []byte(msg), false); err != nil {
		b.log.Warn().Err(err).Msg("announce failed")
		return
	}
	b.log.Info().Str("topic", b.prefix+AnnounceTopic).Msg("announced")
}

// Subscribe subscribes every set topic. Bus clients keep subscriptions
// across reconnects, so this runs once.
func (b *Bridge) Subscribe() error {
	for topic := range b.sets {
		if err := b.bus.Subscribe(topic, b.HandleSet); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
	}
	return nil
}

// Run consumes poll results until ctx is done or results is closed, and
// ticks the status clock once a second.
func (b *Bridge) Run(ctx context.Context, results <-chan poller.PollResult) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			b.HandleResult(res)
		case <-tick.C:
			if b.status.Tick() {
				b.publishStatus()
			}
		}
	}
}

// HandleResult records one poll cycle. A failed cycle skips the publish pass.
func (b *Bridge) HandleResult(res poller.PollResult) {
	b.metrics.ObservePoll(res)

	var stale error
	if res.ReadBatches == 0 && res.ReadFailed > 0 {
		stale = res.ReadErr
	}
	if b.status.Observe(res.Err, stale) {
		b.publishStatus()
	}

	if res.Err != nil {
		b.log.Error().Err(res.Err).Msg("poll failed, reconnecting")
		return
	}
	b.Publish()
}

// Shutdown publishes a final disabled status.
func (b *Bridge) Shutdown() {
	b.status.Disable()
	b.publishStatus()
}

// Status returns the current device status.
func (b *Bridge) Status() status.Snapshot {
	return b.status.Snapshot()
}

func (b *Bridge) publishStatus() {
	if err := b.bus.Publish(b.prefix+StatusTopic, status.Encode(b.status.Snapshot()), true); err != nil {
		b.log.Warn().Err(err).Msg("status publish failed")
	}
}
