// internal/transport/goburrow.go
package transport

import (
	"context"
	"log"
	"net"
	"strconv"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
)

type connector interface {
	Connect() error
	Close() error
}

// goburrowClient drives socket, RTU and ASCII framings through goburrow/modbus.
// The unit id lives on the handler, so it is set before every request.
type goburrowClient struct {
	conn    connector
	client  modbus.Client
	setUnit func(uint8)
}

func (c *goburrowClient) ReadRegisters(unit uint8, table registers.TableKind, addr, qty uint16) ([]uint16, error) {
	c.setUnit(unit)

	var raw []byte
	var err error
	if table == registers.Input {
		raw, err = c.client.ReadInputRegisters(addr, qty)
	} else {
		raw, err = c.client.ReadHoldingRegisters(addr, qty)
	}
	if err != nil {
		return nil, err
	}
	return unpackRegisters(raw), nil
}

func (c *goburrowClient) WriteRegister(unit uint8, addr, value uint16) error {
	c.setUnit(unit)
	_, err := c.client.WriteSingleRegister(addr, value)
	return err
}

func (c *goburrowClient) WriteRegisters(unit uint8, addr uint16, values []uint16) error {
	c.setUnit(unit)
	_, err := c.client.WriteMultipleRegisters(addr, uint16(len(values)), packRegisters(values))
	return err
}

func (c *goburrowClient) Close() error {
	return c.conn.Close()
}

func frameLogger(cfg Config, l zerolog.Logger) *log.Logger {
	if !cfg.Debug {
		return nil
	}
	return log.New(l.With().Str("component", "modbus-frames").Logger(), "", 0)
}

func hostPort(cfg Config) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func dialGoburrowTCP(_ context.Context, cfg Config, l zerolog.Logger) (Client, error) {
	h := modbus.NewTCPClientHandler(hostPort(cfg))
	h.Timeout = cfg.Timeout
	h.Logger = frameLogger(cfg, l)

	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &goburrowClient{
		conn:    h,
		client:  modbus.NewClient(h),
		setUnit: func(u uint8) { h.SlaveId = u },
	}, nil
}

func serialConfig(cfg Config) (serial.Config, error) {
	parity := cfg.Serial.Parity
	if parity == "" {
		parity = "N"
	}
	switch parity {
	case "N", "E", "O":
	default:
		return serial.Config{}, faults.Configf("unsupported parity %q", cfg.Serial.Parity)
	}
	return serial.Config{
		Address:  cfg.Host,
		BaudRate: orDefault(cfg.Serial.BaudRate, 19200),
		DataBits: orDefault(cfg.Serial.DataBits, 8),
		StopBits: orDefault(cfg.Serial.StopBits, 1),
		Parity:   parity,
		Timeout:  cfg.Timeout,
	}, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func dialGoburrowRTU(_ context.Context, cfg Config, l zerolog.Logger) (Client, error) {
	sc, err := serialConfig(cfg)
	if err != nil {
		return nil, err
	}
	h := modbus.NewRTUClientHandler(cfg.Host)
	h.Config = sc
	h.Logger = frameLogger(cfg, l)

	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &goburrowClient{
		conn:    h,
		client:  modbus.NewClient(h),
		setUnit: func(u uint8) { h.SlaveId = u },
	}, nil
}

func dialGoburrowASCII(_ context.Context, cfg Config, l zerolog.Logger) (Client, error) {
	sc, err := serialConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.DataBits = orDefault(cfg.Serial.DataBits, 7)

	h := modbus.NewASCIIClientHandler(cfg.Host)
	h.Config = sc
	h.Logger = frameLogger(cfg, l)

	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &goburrowClient{
		conn:    h,
		client:  modbus.NewClient(h),
		setUnit: func(u uint8) { h.SlaveId = u },
	}, nil
}
