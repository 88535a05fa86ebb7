package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newtricks/courage-go/pkg/client"
	"github.com/newtricks/courage-go/pkg/config"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/metrics"
	"github.com/newtricks/courage-go/pkg/persistence"
)

// app carries the global flags and the resources built from them.
type app struct {
	configPath    string
	dsn           string
	logLevel      string
	protocolLog   string
	metricsListen string

	file    *config.File
	logger  *slog.Logger
	store   *persistence.ClientStateStore
	closers []func() error
}

// channel is a configured or command-line channel.
type channel struct {
	ID   uuid.UUID
	Name string
}

// Label returns the name, or the id when the channel has none.
func (c channel) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID.String()
}

// setup loads the configuration file and applies the global flags.
func (a *app) setup(stderr io.Writer) error {
	f := &config.File{}
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		f = loaded
	}
	if a.dsn != "" {
		f.Broker.DSN = a.dsn
	}
	if a.logLevel != "" {
		f.Log.Level = a.logLevel
	}
	if a.metricsListen != "" {
		f.Metrics.Listen = a.metricsListen
	}

	level, err := parseLevel(f.Log.Level)
	if err != nil {
		return err
	}
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	a.file = f

	if path := f.StatePath(); path != "" {
		a.store = persistence.NewClientStateStore(path)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// newClient builds a client from the configuration. The device id comes
// from the configuration file, else from the state file, which is created
// with a fresh id on first use.
func (a *app) newClient(opts ...client.Option) (*client.Client, error) {
	cfg, err := a.file.ClientConfig()
	if err != nil {
		return nil, err
	}

	if cfg.DeviceID == uuid.Nil && a.store != nil {
		state, err := a.store.LoadOrInit()
		if err != nil {
			return nil, fmt.Errorf("failed to load state: %w", err)
		}
		cfg.DeviceID = state.DeviceID
	}

	cfg.Logger = a.logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	cfg.Metrics = metrics.New(metrics.WithRegistry(reg))
	if a.file.Metrics.Listen != "" {
		a.serveMetrics(a.file.Metrics.Listen, reg)
	}

	var capture log.Logger
	path := a.protocolLog
	if path == "" {
		path = a.file.ProtocolLogPath()
	}
	if path != "" {
		rec, err := log.CreateRecorder(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open protocol log: %w", err)
		}
		a.closers = append(a.closers, rec.Close)
		capture = rec
	}
	var trace log.Logger
	if a.logger.Enabled(context.Background(), slog.LevelDebug) {
		trace = log.NewSlogAdapter(a.logger)
	}
	cfg.ProtocolLogger = log.Tee(capture, trace)

	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}

	publicKey, privateKey, err := a.file.KeyPair()
	if err != nil {
		return nil, err
	}
	if err := c.SetCredentials(publicKey, privateKey); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)

	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// channels resolves args, given as ids or configured names, to channels.
// Without args all configured channels are returned.
func (a *app) channels(args []string) ([]channel, error) {
	ids, err := a.file.ChannelIDs()
	if err != nil {
		return nil, err
	}
	configured := make([]channel, len(ids))
	for i, id := range ids {
		configured[i] = channel{ID: id, Name: a.file.Channels[i].Name}
	}
	if len(args) == 0 {
		if len(configured) == 0 {
			return nil, errors.New("no channels given and none configured")
		}
		return configured, nil
	}

	out := make([]channel, 0, len(args))
	for _, arg := range args {
		ch, err := resolveChannel(configured, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func resolveChannel(configured []channel, arg string) (channel, error) {
	for _, ch := range configured {
		if ch.Name != "" && ch.Name == arg {
			return ch, nil
		}
	}
	id, err := uuid.Parse(arg)
	if err != nil {
		return channel{}, fmt.Errorf("unknown channel %q", arg)
	}
	for _, ch := range configured {
		if ch.ID == id {
			return ch, nil
		}
	}
	return channel{ID: id}, nil
}

// close releases everything opened by newClient.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Debug("close failed", "error", err)
		}
	}
	a.closers = nil
}

// printEvent writes one delivered event.
func printEvent(w io.Writer, ch channel, payload []byte, asHex bool) {
	ts := time.Now().Format("15:04:05.000")
	if asHex {
		fmt.Fprintf(w, "%s [%s] %x\n", ts, ch.Label(), payload)
		return
	}
	fmt.Fprintf(w, "%s [%s] %s\n", ts, ch.Label(), payload)
}
