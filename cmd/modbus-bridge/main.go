// cmd/modbus-bridge/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tamzrod/modbus-bridge/internal/bridge"
	"github.com/tamzrod/modbus-bridge/internal/bus"
	"github.com/tamzrod/modbus-bridge/internal/bus/mqtt"
	"github.com/tamzrod/modbus-bridge/internal/bus/nats"
	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/metrics"
	"github.com/tamzrod/modbus-bridge/internal/poller"
)

var version = "0.1.0"

type options struct {
	config   string
	hostname string
	port     int
	username string
	password string
	prefix   string
	useTLS   bool
	insecure bool
	cafile   string
	cert     string
	key      string
	bus      string
	metrics  string
	logLevel string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.config, "config", "./Sungrow_SH5k_20.yaml", "device YAML config")
	flag.StringVar(&o.hostname, "hostname", "localhost", "bus broker host")
	flag.IntVar(&o.port, "port", 1883, "bus broker port")
	flag.StringVar(&o.username, "username", "username", "bus username")
	flag.StringVar(&o.password, "password", "password", "bus password")
	flag.StringVar(&o.prefix, "mqtt_topic_prefix", "modbus-bridge", "topic prefix")
	flag.BoolVar(&o.useTLS, "use_tls", false, "connect to the broker over TLS")
	flag.BoolVar(&o.insecure, "insecure", true, "skip broker hostname verification")
	flag.StringVar(&o.cafile, "cafile", "", "CA bundle for the broker")
	flag.StringVar(&o.cert, "cert", "", "client certificate")
	flag.StringVar(&o.key, "key", "", "client key")
	flag.StringVar(&o.bus, "bus", "mqtt", "message bus: mqtt or nats")
	flag.StringVar(&o.metrics, "metrics", ":9102", "metrics listen address, empty disables")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(o.logLevel); err == nil {
		log = log.Level(lvl)
	} else {
		log.Warn().Str("level", o.logLevel).Msg("unknown log level, using info")
		log = log.Level(zerolog.InfoLevel)
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(o.config)
	if err != nil {
		log.Fatal().Err(err).Str("path", o.config).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Metrics
	// --------------------

	m := metrics.New(prometheus.DefaultRegisterer)
	if o.metrics != "" {
		srv := &http.Server{Addr: o.metrics, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	// --------------------
	// Engine
	// --------------------

	eng, err := poller.Build(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("engine build failed")
	}
	defer eng.Stop()

	// --------------------
	// Bus + bridge
	// --------------------

	var br *bridge.Bridge
	onConnect := func() {
		if br != nil {
			br.Announce()
		}
	}

	client, connect, err := dialBus(o, onConnect, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus setup failed")
	}
	defer client.Close()

	br, err = bridge.New(cfg, eng, client, bridge.Options{Prefix: o.prefix, Version: version, Metrics: m}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bridge setup failed")
	}

	if err := connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("bus connect failed")
	}
	if err := br.Subscribe(); err != nil {
		log.Fatal().Err(err).Msg("subscribe failed")
	}

	// --------------------
	// Run
	// --------------------

	out := make(chan poller.PollResult)
	go func() {
		if err := br.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("bridge stopped")
		}
	}()

	log.Info().Str("device", cfg.IP).Dur("interval", cfg.Interval()).Msg("polling")
	if err := eng.Run(ctx, cfg.Interval(), out); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("engine stopped")
	}
	log.Info().Msg("shutting down")
	br.Shutdown()
}

func dialBus(o options, onConnect func(), log zerolog.Logger) (bus.Client, func(context.Context) error, error) {
	switch o.bus {
	case "nats":
		c := nats.New(nats.Config{
			Host:      o.hostname,
			Port:      o.port,
			Username:  o.username,
			Password:  o.password,
			UseTLS:    o.useTLS,
			CAFile:    o.cafile,
			CertFile:  o.cert,
			KeyFile:   o.key,
			OnConnect: onConnect,
		}, log)
		return c, c.Connect, nil
	case "mqtt", "":
		c, err := mqtt.New(mqtt.Config{
			Host:      o.hostname,
			Port:      o.port,
			Username:  o.username,
			Password:  o.password,
			UseTLS:    o.useTLS,
			Insecure:  o.insecure,
			CAFile:    o.cafile,
			CertFile:  o.cert,
			KeyFile:   o.key,
			OnConnect: onConnect,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Connect, nil
	}
	return nil, nil, errors.New("unknown bus " + o.bus + ": use mqtt or nats")
}
