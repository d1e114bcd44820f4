// internal/config/validate.go
package config

import (
	"fmt"
	"strings"

	"github.com/tamzrod/modbus-bridge/internal/codec"
	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return faults.Configf("empty config")
	}
	if strings.TrimSpace(cfg.IP) == "" {
		return faults.Configf("ip is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return faults.Configf("port %d out of range", cfg.Port)
	}
	if cfg.TimeoutMs < 0 {
		return faults.Configf("timeout_ms %d must be >= 0", cfg.TimeoutMs)
	}
	if cfg.UpdateRate < 0 {
		return faults.Configf("update_rate must be > 0")
	}
	if _, err := codec.ParseWordOrder(cfg.WordOrder); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.WriteMode)) {
	case "", "single", "multi":
	default:
		return faults.Configf("write_mode %q: use single or multi", cfg.WriteMode)
	}

	// ------------------------------------------------------------
	// REGISTER GEOMETRY
	// ------------------------------------------------------------

	for i, r := range cfg.Registers {
		kind, err := codec.ParseKind(defaultString(r.Type, "uint16"))
		if err != nil {
			return faults.Configf("register %d: invalid type %q", i, r.Type)
		}
		if _, err := registers.ParseTableKind(r.Table); err != nil {
			return fmt.Errorf("config: register %d: %w", i, err)
		}

		words, _ := codec.WordsForWidth(kind)
		addr := r.Address + cfg.AddressOffset
		if addr < 0 || addr+words-1 > 0xFFFF {
			return faults.Configf("register %d: address %d (offset %d) out of range", i, r.Address, cfg.AddressOffset)
		}
		if r.PubTopic == "" && r.SetTopic == "" {
			return faults.Configf("register %d: needs pub_topic or set_topic", i)
		}
		if r.JSONKey != "" && r.SetTopic != "" {
			return faults.Configf("register with set_topic %q has a json_key; json_key registers are publish-only", r.SetTopic)
		}
	}

	// ------------------------------------------------------------
	// SHARED PUB TOPICS (JSON AGGREGATION)
	// ------------------------------------------------------------

	count := make(map[string]int)
	for _, r := range cfg.Registers {
		if r.PubTopic != "" {
			count[r.PubTopic]++
		}
	}

	jsonKeys := make(map[string]map[string]bool)
	retain := make(map[string]*bool)

	for _, r := range cfg.Registers {
		if count[r.PubTopic] < 2 {
			continue
		}
		if r.JSONKey == "" {
			return faults.Configf(
				"pub_topic %q duplicated across registers without json_key; registers that share a pub_topic must have a unique json_key",
				r.PubTopic,
			)
		}

		keys := jsonKeys[r.PubTopic]
		if keys == nil {
			keys = make(map[string]bool)
			jsonKeys[r.PubTopic] = keys
		}
		if keys[r.JSONKey] {
			return faults.Configf("pub_topic %q has duplicated json_key %q", r.PubTopic, r.JSONKey)
		}
		keys[r.JSONKey] = true

		if r.Retain == nil {
			continue
		}
		if prev := retain[r.PubTopic]; prev != nil && *prev != *r.Retain {
			return faults.Configf("pub_topic %q has conflicting retain settings", r.PubTopic)
		}
		retain[r.PubTopic] = r.Retain
	}

	return nil
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
