// internal/bridge/publish.go
package bridge

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/tamzrod/modbus-bridge/internal/codec"
)

// MaxDecimals bounds the precision of scaled values.
const MaxDecimals = 8

// reading is one rendered register value.
type reading struct {
	text string  // wire form of the number
	raw  float64 // for value_map lookups
	json any
}

// render applies mask and scale to v.
func (r *register) render(v codec.Value) reading {
	unsigned := !r.kind.IsFloat() && !r.kind.Signed()

	// exact integers while nothing scales them
	if !r.kind.IsFloat() && r.cfg.Scale == 1 {
		if unsigned {
			u := v.Uint()
			if r.cfg.Mask != nil {
				u &= uint64(*r.cfg.Mask)
			}
			return reading{text: strconv.FormatUint(u, 10), raw: float64(u), json: u}
		}
		n := v.Int()
		return reading{text: strconv.FormatInt(n, 10), raw: float64(n), json: n}
	}

	f := v.Float()
	if unsigned && r.cfg.Mask != nil {
		f = float64(v.Uint() & uint64(*r.cfg.Mask))
	}
	f = round(f*r.cfg.Scale, MaxDecimals)
	return reading{text: strconv.FormatFloat(f, 'f', -1, 64), raw: f, json: f}
}

func round(f float64, decimals int) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	p := math.Pow10(decimals)
	return math.Round(f*p) / p
}

// Publish runs one publish pass over every register with a pub_topic.
// Single values go out first, then one JSON object per shared topic.
func (b *Bridge) Publish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	type aggregate struct {
		fields map[string]any
		retain bool
	}
	var (
		order []string
		jsons = make(map[string]*aggregate)
	)

	for _, r := range b.regs {
		if r.cfg.PubTopic == "" {
			continue
		}

		v, err := b.eng.Value(r.du, r.addr, r.kind)
		if err != nil {
			b.log.Warn().Err(err).
				Stringer("unit", r.du).
				Uint16("addr", r.addr).
				Msg("no value to publish")
			continue
		}

		rd := r.render(v)
		changed := !r.published || rd.text != r.last
		r.last, r.published = rd.text, true
		if !changed && r.onlyOnChange() {
			continue
		}

		payload, field := rd.text, rd.json
		if human, ok := r.cfg.ValueMap.Human(rd.raw); ok {
			payload, field = human, human
		}

		if r.cfg.JSONKey == "" {
			if err := b.bus.Publish(b.prefix+r.cfg.PubTopic, []byte(payload), r.retain()); err != nil {
				b.log.Warn().Err(err).Str("topic", r.cfg.PubTopic).Msg("publish failed")
			}
			continue
		}

		agg, ok := jsons[r.cfg.PubTopic]
		if !ok {
			agg = &aggregate{fields: make(map[string]any)}
			jsons[r.cfg.PubTopic] = agg
			order = append(order, r.cfg.PubTopic)
		}
		agg.fields[r.cfg.JSONKey] = field
		if r.cfg.Retain != nil {
			agg.retain = *r.cfg.Retain
		}
	}

	for _, topic := range order {
		agg := jsons[topic]
		// map keys marshal sorted
		msg, err := json.Marshal(agg.fields)
		if err != nil {
			b.log.Error().Err(err).Str("topic", topic).Msg("encode json message")
			continue
		}
		if err := b.bus.Publish(b.prefix+topic, msg, agg.retain); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}
}
