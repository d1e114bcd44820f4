// internal/config/normalize.go
package config

import (
	"strings"

	"github.com/tamzrod/modbus-bridge/internal/registers"
)

// Defaults applied by Normalize. A negative delay or budget disables it.
const (
	DefaultPort           = 502
	DefaultUnit           = 1
	DefaultUpdateRate     = 5.0
	DefaultTimeoutMs      = 1000
	DefaultReadDelayMs    = 50
	DefaultWriteDelayMs   = 50
	DefaultWriteBudgetMs  = 200
	DefaultReconnectSleep = 5.0
)

// Normalize applies defaults, address_offset and batch clamping.
// It MUST be called only after Validate(), and only once.
func Normalize(cfg *Config) {
	if cfg == nil || cfg.normalized {
		return
	}
	cfg.normalized = true

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Unit == nil {
		u := uint8(DefaultUnit)
		cfg.Unit = &u
	}
	if cfg.UpdateRate == 0 {
		cfg.UpdateRate = DefaultUpdateRate
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.ReadDelayMs == 0 {
		cfg.ReadDelayMs = DefaultReadDelayMs
	}
	if cfg.WriteDelayMs == 0 {
		cfg.WriteDelayMs = DefaultWriteDelayMs
	}
	if cfg.WriteBudgetMs == 0 {
		cfg.WriteBudgetMs = DefaultWriteBudgetMs
	}
	if cfg.ConnectRetries == nil {
		forever := -1
		cfg.ConnectRetries = &forever
	}
	if cfg.ReconnectSleepS == 0 {
		cfg.ReconnectSleepS = DefaultReconnectSleep
	}

	cfg.WordOrder = strings.ToLower(strings.TrimSpace(cfg.WordOrder))
	cfg.WriteMode = strings.ToLower(strings.TrimSpace(cfg.WriteMode))
	if cfg.WriteMode == "" {
		cfg.WriteMode = "multi"
	}

	// ------------------------------------------------------------
	// BATCHING
	// ------------------------------------------------------------

	if cfg.ReadBatching == 0 {
		cfg.ReadBatching = cfg.ScanBatching
	}
	if cfg.ReadBatching == 0 {
		cfg.ReadBatching = registers.DefaultBatch
	}
	if cfg.WriteBatching == 0 {
		cfg.WriteBatching = registers.DefaultBatch
	}
	cfg.ReadBatching = registers.ClampBatch(cfg.ReadBatching)
	cfg.WriteBatching = registers.ClampBatch(cfg.WriteBatching)
	if cfg.WriteMode == "single" {
		cfg.WriteBatching = 1
	}

	// ------------------------------------------------------------
	// REGISTERS
	// ------------------------------------------------------------

	for i := range cfg.Registers {
		r := &cfg.Registers[i]

		r.Address += cfg.AddressOffset
		if r.Table == "" {
			r.Table = "holding"
		}
		if r.Type == "" {
			r.Type = "uint16"
		}
		if r.Unit == nil {
			u := *cfg.Unit
			r.Unit = &u
		}
		if r.Scale == 0 {
			r.Scale = 1
		}
	}
}
