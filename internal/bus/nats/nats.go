// internal/bus/nats/nats.go
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/bus"
)

// Config describes the NATS server connection.
type Config struct {
	Host     string // host name or full nats:// URL
	Port     int
	Username string
	Password string

	UseTLS   bool
	CAFile   string
	CertFile string
	KeyFile  string

	ConnectTimeout time.Duration

	// OnConnect runs after the first connect and after every reconnect.
	OnConnect func()
}

// Client is a bus.Client backed by NATS. Topics use '/' like MQTT and are
// mapped to '.'-separated subjects on the wire. NATS keeps no retained
// messages, so the retain flag is ignored.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	name string

	mu sync.Mutex
	nc *nats.Conn
}

var _ bus.Client = (*Client)(nil)

func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "nats").Logger(),
		name: "modbus-bridge-" + uuid.NewString(),
	}
}

// URL returns the server URL built from the config.
func (c *Client) URL() string {
	if strings.Contains(c.cfg.Host, "://") {
		return c.cfg.Host
	}
	scheme := "nats"
	if c.cfg.UseTLS {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn().Err(err).Msg("disconnected from server, reconnecting")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
			if c.cfg.OnConnect != nil {
				c.cfg.OnConnect()
			}
		}),
	}
	if c.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(c.cfg.ConnectTimeout))
	}
	if c.cfg.CAFile != "" {
		opts = append(opts, nats.RootCAs(c.cfg.CAFile))
	}
	if c.cfg.CertFile != "" && c.cfg.KeyFile != "" {
		opts = append(opts, nats.ClientCert(c.cfg.CertFile, c.cfg.KeyFile))
	}
	return opts
}

// Connect dials the server once; the client reconnects on its own afterwards.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nc, err := nats.Connect(c.URL(), c.options()...)
	if err != nil {
		return fmt.Errorf("nats: connect %s: %w", c.URL(), err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()

	c.log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to server")
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
	return nil
}

func (c *Client) conn() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

func (c *Client) Publish(topic string, payload []byte, _ bool) error {
	nc := c.conn()
	if nc == nil {
		return bus.ErrNotConnected
	}
	return nc.Publish(Subject(topic), payload)
}

func (c *Client) Subscribe(topic string, h bus.Handler) error {
	nc := c.conn()
	if nc == nil {
		return bus.ErrNotConnected
	}
	_, err := nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		h(Topic(m.Subject), m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Close() error {
	nc := c.conn()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

// Subject maps a '/'-separated topic onto a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Topic maps a NATS subject back onto a '/'-separated topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
