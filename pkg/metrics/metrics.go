// Package metrics exposes Prometheus collectors for the courage client.
//
// Metrics collected:
//   - courage_client_connect_attempts_total: Counter of connection attempts by result
//   - courage_client_connected: Gauge, 1 while a connection is established
//   - courage_client_frames_total: Counter of frames by direction
//   - courage_client_events_delivered_total: Counter of events queued to sessions by mode
//   - courage_client_events_dropped_total: Counter of inbound events dropped by reason
//   - courage_client_active_sessions: Gauge of registered subscription sessions
//   - courage_client_replays_total: Counter of replay-and-disconnect runs by result
//   - courage_client_replay_duration_seconds: Histogram of replay-and-disconnect duration
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"

	DirectionIn  = "in"
	DirectionOut = "out"

	ModeLive   = "live"
	ModeReplay = "replay"

	DropUnknownChannel = "unknown_channel"
	DropInactive       = "inactive"
	DropMalformed      = "malformed"
)

// Config configures the metrics recorder.
type Config struct {
	// Namespace is the metrics namespace (default: "courage").
	Namespace string

	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for replay duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metrics recorder.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "courage",
		Subsystem: "client",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Recorder holds the client collectors.
type Recorder struct {
	connectAttempts *prometheus.CounterVec
	connected       prometheus.Gauge
	frames          *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	replays         *prometheus.CounterVec
	replayDuration  prometheus.Histogram
}

// New registers the client collectors. Registering twice on the same
// registry panics, as with promauto.
func New(opts ...Option) *Recorder {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Recorder{
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connect_attempts_total",
			Help:        "Total number of broker connection attempts",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connected",
			Help:        "1 while a broker connection is established",
			ConstLabels: config.ConstLabels,
		}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of protocol frames by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_delivered_total",
			Help:        "Total number of events queued to subscription sessions",
			ConstLabels: config.ConstLabels,
		}, []string{"mode"}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_dropped_total",
			Help:        "Total number of inbound events dropped",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of registered subscription sessions",
			ConstLabels: config.ConstLabels,
		}),

		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "replays_total",
			Help:        "Total number of replay-and-disconnect runs by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		replayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "replay_duration_seconds",
			Help:        "Replay-and-disconnect duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
	}
}

// ConnectAttempt records a connection attempt outcome.
func (r *Recorder) ConnectAttempt(result string) {
	if r == nil {
		return
	}
	r.connectAttempts.WithLabelValues(result).Inc()
}

// SetConnected sets the connection gauge.
func (r *Recorder) SetConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

// Frame records one frame in the given direction.
func (r *Recorder) Frame(direction string) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(direction).Inc()
}

// EventDelivered records an event accepted by a session.
func (r *Recorder) EventDelivered(replayed bool) {
	if r == nil {
		return
	}
	mode := ModeLive
	if replayed {
		mode = ModeReplay
	}
	r.eventsDelivered.WithLabelValues(mode).Inc()
}

// EventDropped records an inbound event that no session accepted.
func (r *Recorder) EventDropped(reason string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the session gauge.
func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.activeSessions.Set(float64(n))
}

// ReplayCompleted records a replay-and-disconnect run.
func (r *Recorder) ReplayCompleted(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.replays.WithLabelValues(result).Inc()
	r.replayDuration.Observe(d.Seconds())
}
