// internal/poller/builder.go
package poller

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/codec"
	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
	"github.com/tamzrod/modbus-bridge/internal/transport"
	"github.com/tamzrod/modbus-bridge/internal/writer"
)

// Build constructs an Engine over a transport.Manager and monitors every
// configured register. Nothing is dialed here; the variant is resolved on
// the first Connect.
func Build(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	config.Normalize(cfg)

	order, err := codec.ParseWordOrder(cfg.WordOrder)
	if err != nil {
		return nil, err
	}

	mode := writer.Multi
	if strings.EqualFold(cfg.WriteMode, "single") {
		mode = writer.Single
	}

	retries := -1
	if cfg.ConnectRetries != nil {
		retries = *cfg.ConnectRetries
	}

	tm := transport.NewManager(transport.Config{
		Variant:    cfg.Variant,
		Host:       cfg.IP,
		Port:       cfg.Port,
		Timeout:    cfg.Timeout(),
		Retries:    retries,
		RetrySleep: cfg.ReconnectSleep(),
		TLS: transport.TLSConfig{
			CAFile:   cfg.TLS.CAFile,
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		Serial: transport.SerialConfig{
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
		},
		Debug: cfg.Debug,
	}, log)

	e := New(Config{
		Order:       order,
		ReadBatch:   cfg.ReadBatching,
		WriteBatch:  cfg.WriteBatching,
		WriteMode:   mode,
		WriteDelay:  cfg.WriteDelay(),
		WriteBudget: cfg.WriteBudget(),
		ReadDelay:   cfg.ReadDelay(),
	}, tm, log)

	if err := MonitorAll(e, cfg.Registers); err != nil {
		return nil, err
	}
	return e, nil
}

// MonitorAll adds every register of a normalized config to e.
func MonitorAll(e *Engine, regs []config.RegisterConfig) error {
	for i, r := range regs {
		du, addr, kind, err := Locate(r)
		if err != nil {
			return fmt.Errorf("poller: register %d: %w", i, err)
		}
		if err := e.Monitor(du, addr, kind); err != nil {
			return fmt.Errorf("poller: register %d: %w", i, err)
		}
	}
	return nil
}

// Locate resolves where a normalized register lives and how it is typed.
func Locate(r config.RegisterConfig) (DeviceUnit, uint16, codec.Kind, error) {
	table, err := registers.ParseTableKind(r.Table)
	if err != nil {
		return DeviceUnit{}, 0, 0, err
	}
	kind, err := codec.ParseKind(r.Type)
	if err != nil {
		return DeviceUnit{}, 0, 0, err
	}
	unit := uint8(config.DefaultUnit)
	if r.Unit != nil {
		unit = *r.Unit
	}
	if r.Address < 0 || r.Address > 0xFFFF {
		return DeviceUnit{}, 0, 0, fmt.Errorf("%w: address %d", faults.ErrOutOfRange, r.Address)
	}
	return DeviceUnit{Table: table, Unit: unit}, uint16(r.Address), kind, nil
}
