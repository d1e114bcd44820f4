// internal/transport/simonvetter.go
package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"
	svmodbus "github.com/simonvetter/modbus"

	"github.com/tamzrod/modbus-bridge/internal/faults"
	"github.com/tamzrod/modbus-bridge/internal/registers"
)

// svClient covers the UDP, TLS and RTU-over-IP variants through simonvetter/modbus.
type svClient struct {
	mc *svmodbus.ModbusClient
}

func (c *svClient) ReadRegisters(unit uint8, table registers.TableKind, addr, qty uint16) ([]uint16, error) {
	if err := c.mc.SetUnitId(unit); err != nil {
		return nil, err
	}
	regType := svmodbus.HOLDING_REGISTER
	if table == registers.Input {
		regType = svmodbus.INPUT_REGISTER
	}
	return c.mc.ReadRegisters(addr, qty, regType)
}

func (c *svClient) WriteRegister(unit uint8, addr, value uint16) error {
	if err := c.mc.SetUnitId(unit); err != nil {
		return err
	}
	return c.mc.WriteRegister(addr, value)
}

func (c *svClient) WriteRegisters(unit uint8, addr uint16, values []uint16) error {
	if err := c.mc.SetUnitId(unit); err != nil {
		return err
	}
	return c.mc.WriteRegisters(addr, values)
}

func (c *svClient) Close() error {
	return c.mc.Close()
}

func dialSimonvetter(scheme string) dialFunc {
	return func(_ context.Context, cfg Config, _ zerolog.Logger) (Client, error) {
		conf := &svmodbus.ClientConfiguration{
			URL:     fmt.Sprintf("%s://%s", scheme, hostPort(cfg)),
			Timeout: cfg.Timeout,
		}

		if scheme == "tcp+tls" {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" || cfg.TLS.CAFile == "" {
				return nil, faults.Configf("tls transport needs cafile, cert and key")
			}
			pair, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return nil, faults.Configf("load client certificate: %v", err)
			}
			conf.TLSClientCert = &pair
			conf.TLSRootCAs, err = svmodbus.LoadCertPool(cfg.TLS.CAFile)
			if err != nil {
				return nil, faults.Configf("load ca file: %v", err)
			}
		}

		mc, err := svmodbus.NewClient(conf)
		if err != nil {
			return nil, faults.Configf("modbus client %s: %v", conf.URL, err)
		}
		if err := mc.Open(); err != nil {
			return nil, err
		}
		return &svClient{mc: mc}, nil
	}
}
