// internal/bus/mqtt/mqtt.go
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/bus"
)

const (
	qos            = 0
	publishTimeout = 5 * time.Second
)

// Config describes the MQTT broker connection.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	UseTLS   bool
	Insecure bool // skip server hostname verification
	CAFile   string
	CertFile string
	KeyFile  string

	// ClientID defaults to "modbus-bridge-<uuid>".
	ClientID       string
	ConnectTimeout time.Duration

	// OnConnect runs after every successful (re)connect, once subscriptions
	// have been restored.
	OnConnect func()
}

// Client is a bus.Client backed by paho.
type Client struct {
	cfg Config
	log zerolog.Logger
	mc  paho.Client

	mu   sync.Mutex
	subs map[string]bus.Handler
}

var _ bus.Client = (*Client)(nil)

func New(cfg Config, log zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "mqtt").Logger(),
		subs: make(map[string]bus.Handler),
	}
	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	c.mc = paho.NewClient(opts)
	return c, nil
}

func (c *Client) options() (*paho.ClientOptions, error) {
	scheme := "tcp"
	if c.cfg.UseTLS {
		scheme = "ssl"
	}
	id := c.cfg.ClientID
	if id == "" {
		id = "modbus-bridge-" + uuid.NewString()
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)).
		SetClientID(id).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn().Err(err).Msg("disconnected from broker, reconnecting")
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}

	if c.cfg.UseTLS {
		tc, err := tlsConfig(c.cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: cfg.Insecure, //nolint:gosec // operator opt-in
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt: no certificates in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{pair}
	}
	return tc, nil
}

// Connect blocks until the broker accepts the connection or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.mc.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	return nil
}

func (c *Client) onConnect(mc paho.Client) {
	c.log.Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).Msg("connected to broker")

	c.mu.Lock()
	subs := make(map[string]bus.Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
}

func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.mc.IsConnectionOpen() {
		return bus.ErrNotConnected
	}
	tok := c.mc.Publish(topic, qos, retain, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s: timed out", topic)
	}
	return tok.Error()
}

// Subscribe registers h for topic. The subscription is restored after reconnects.
func (c *Client) Subscribe(topic string, h bus.Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	if !c.mc.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, h)
}

func (c *Client) subscribe(topic string, h bus.Handler) error {
	tok := c.mc.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	c.log.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

func (c *Client) Close() error {
	c.mc.Disconnect(250)
	return nil
}
