// internal/config/config.go
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is one device and the registers bridged to the bus.
type Config struct {
	IP      string `yaml:"ip"` // host, URL or serial device path
	Port    int    `yaml:"port"`
	Variant string `yaml:"variant"`
	Unit    *uint8 `yaml:"unit"` // default 1
	Debug   bool   `yaml:"debug"`

	WordOrder string `yaml:"word_order"` // highlow | lowhigh
	WriteMode string `yaml:"write_mode"` // single | multi

	ReadBatching  int `yaml:"read_batching"`
	WriteBatching int `yaml:"write_batching"`
	ScanBatching  int `yaml:"scan_batching"` // older name for read_batching

	UpdateRate    float64 `yaml:"update_rate"` // seconds
	AddressOffset int     `yaml:"address_offset"`

	TimeoutMs     int `yaml:"timeout_ms"`
	ReadDelayMs   int `yaml:"read_delay_ms"`
	WriteDelayMs  int `yaml:"write_delay_ms"`
	WriteBudgetMs int `yaml:"write_budget_ms"`

	ConnectRetries  *int    `yaml:"connect_retries"` // -1 = forever
	ReconnectSleepS float64 `yaml:"reconnect_sleep_s"`

	TLS    TLSConfig    `yaml:"tls"`
	Serial SerialConfig `yaml:"serial"`

	Registers []RegisterConfig `yaml:"registers"`

	normalized bool
}

// ---- TRANSPORT ----

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type SerialConfig struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// ---- REGISTER ----

type RegisterConfig struct {
	PubTopic string `yaml:"pub_topic"`
	SetTopic string `yaml:"set_topic"`

	Table   string  `yaml:"table"` // holding | input
	Address int     `yaml:"address"`
	Unit    *uint8  `yaml:"unit"`
	Type    string  `yaml:"type"`
	Mask    *uint16 `yaml:"mask"`
	Scale   float64 `yaml:"scale"`

	ValueMap ValueMap `yaml:"value_map"`
	JSONKey  string   `yaml:"json_key"`

	Retain          *bool `yaml:"retain"`
	PubOnlyOnChange *bool `yaml:"pub_only_on_change"`
}

// ValueMap maps human-readable names to raw values, in file order.
type ValueMap []ValueMapEntry

type ValueMapEntry struct {
	Human string
	Raw   float64
}

// UnmarshalYAML keeps the mapping order so reverse lookups are deterministic.
func (m *ValueMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: line %d: value_map must be a mapping", node.Line)
	}
	out := make(ValueMap, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var e ValueMapEntry
		if err := node.Content[i].Decode(&e.Human); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&e.Raw); err != nil {
			return fmt.Errorf("config: line %d: value_map %q: %w", node.Content[i+1].Line, e.Human, err)
		}
		out = append(out, e)
	}
	*m = out
	return nil
}

// Raw returns the raw value for a human-readable name.
func (m ValueMap) Raw(human string) (float64, bool) {
	for _, e := range m {
		if e.Human == human {
			return e.Raw, true
		}
	}
	return 0, false
}

// Human returns the first name mapped to raw.
func (m ValueMap) Human(raw float64) (string, bool) {
	for _, e := range m {
		if e.Raw == raw {
			return e.Human, true
		}
	}
	return "", false
}

// ---- LOAD ----

// Load reads, validates and normalizes a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(b)
}

// Parse is Load without the file.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}

// ---- DERIVED ----

func (c *Config) Interval() time.Duration {
	return time.Duration(c.UpdateRate * float64(time.Second))
}

func (c *Config) Timeout() time.Duration { return ms(c.TimeoutMs) }

func (c *Config) ReadDelay() time.Duration { return ms(c.ReadDelayMs) }

func (c *Config) WriteDelay() time.Duration { return ms(c.WriteDelayMs) }

func (c *Config) WriteBudget() time.Duration { return ms(c.WriteBudgetMs) }

func (c *Config) ReconnectSleep() time.Duration {
	return time.Duration(c.ReconnectSleepS * float64(time.Second))
}

func ms(n int) time.Duration {
	if n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
