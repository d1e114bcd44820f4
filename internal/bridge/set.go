// internal/bridge/set.go
package bridge

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/tamzrod/modbus-bridge/internal/faults"
)

// HandleSet turns a set-topic message into a queued write on every register
// subscribed to topic.
func (b *Bridge) HandleSet(topic string, payload []byte) {
	regs, ok := b.sets[topic]
	if !ok {
		return
	}
	text := strings.TrimSpace(string(payload))
	for _, r := range regs {
		b.set(r, topic, text)
	}
}

func (b *Bridge) set(r *register, topic, text string) {
	log := b.log.With().Str("topic", topic).Uint16("addr", r.addr).Logger()

	var f float64
	if len(r.cfg.ValueMap) > 0 {
		raw, ok := r.cfg.ValueMap.Raw(text)
		if !ok {
			names := make([]string, 0, len(r.cfg.ValueMap))
			for _, e := range r.cfg.ValueMap {
				names = append(names, e.Human)
			}
			log.Warn().Str("value", text).Strs("valid", names).Msg("value not in value_map")
			return
		}
		f = raw
	} else {
		var err error
		if f, err = strconv.ParseFloat(text, 64); err != nil {
			log.Error().Str("value", text).Msg("cannot convert payload to a register value")
			return
		}
	}

	v := f / r.cfg.Scale
	if !r.kind.IsFloat() {
		v = math.RoundToEven(v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()

	err := b.eng.SetValue(ctx, r.du, r.addr, v, r.mask(), r.kind)
	switch {
	case err == nil:
		log.Debug().Float64("value", v).Msg("write queued")
	case faults.IsFatal(err):
		log.Warn().Err(err).Msg("write queued until the device reconnects")
	default:
		log.Error().Err(err).Float64("value", v).Msg("write rejected")
	}
}
