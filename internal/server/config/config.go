// Package config contains all knobs and defaults used to configure features of
// the campsites service when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"
)

const (
	DefaultStreamHighWaterMark  = 16 * 1024
	DefaultStatusSampleDuration = 100 * time.Millisecond
	DefaultLogStreamBuffer      = 256
	DefaultKeyPrefix            = "camp_"
	DefaultMaxKeyValuesPerWrite = 100
	DefaultReadHeaderTimeout    = 30 * time.Second
)

var (
	datastoreEngines = []string{"memory", "sqlite", "postgres", "mysql"}
	compressionKinds = []string{"none", "lz4", "zstd"}
	logLevels        = []string{"none", "debug", "info", "warn", "error", "panic", "fatal"}
)

type DatastoreMetricsConfig struct {
	// Enabled enables export of the Datastore metrics.
	Enabled bool
}

// DatastoreConfig defines server configurations for datastore specific settings.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite', 'postgres', 'mysql')
	Engine   string
	URI      string
	Username string
	Password string

	// Compression is applied to values written by this process ('none', 'lz4' or 'zstd').
	// Values written under any setting remain readable.
	Compression string

	// MaxKeyValuesPerWrite bounds the number of pairs written in one transaction.
	MaxKeyValuesPerWrite int

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in the idle connection
	// pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the datastore may be reused.
	ConnMaxLifetime time.Duration

	// AutoMigrate runs the schema migrations before serving.
	AutoMigrate bool

	// Metrics is configuration for the Datastore metrics.
	Metrics DatastoreMetricsConfig
}

// HTTPConfig defines server configurations for HTTP server specific settings.
type HTTPConfig struct {
	Addr string
	TLS  *TLSConfig

	ReadHeaderTimeout time.Duration

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// LogConfig defines server configurations for log specific settings. For production we
// recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// ProfilerConfig defines server configurations specific to pprof profiling.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// MetricConfig defines configurations for serving prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// StreamConfig controls flow control of streamed responses.
type StreamConfig struct {
	// HighWaterMark is the number of buffered bytes at which the producer
	// stops and waits for the client to drain.
	HighWaterMark int
}

// StatusConfig controls the process metrics reported by GET /status.
type StatusConfig struct {
	// SampleDuration is the window over which CPU usage is measured.
	SampleDuration time.Duration

	// LogStreamMetrics logs process metrics before and after each campsites stream.
	LogStreamMetrics bool
}

// SeedConfig defines the bulk load of campsites.
type SeedConfig struct {
	// File is a JSON array of campsites. The embedded sample is used when empty.
	File string

	// OnStartup loads File before the server starts listening.
	OnStartup bool

	// KeyPrefix namespaces campsite keys in the datastore.
	KeyPrefix string
}

// LogStreamConfig defines the websocket log viewer served on GET /logs.
type LogStreamConfig struct {
	Enabled bool

	// Buffer is the number of entries queued per viewer before entries are dropped.
	Buffer int
}

type Config struct {
	Datastore DatastoreConfig
	HTTP      HTTPConfig
	Log       LogConfig
	Trace     TraceConfig
	Profiler  ProfilerConfig
	Metrics   MetricConfig
	Stream    StreamConfig
	Status    StatusConfig
	Seed      SeedConfig
	LogStream LogStreamConfig
}

func (cfg *Config) Verify() error {
	if !slices.Contains(datastoreEngines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of ['memory', 'sqlite', 'postgres', 'mysql']")
	}

	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' must be set for engine '%s'", cfg.Datastore.Engine)
	}

	if !slices.Contains(compressionKinds, cfg.Datastore.Compression) {
		return fmt.Errorf("config 'datastore.compression' must be one of ['none', 'lz4', 'zstd']")
	}

	if cfg.Datastore.MaxKeyValuesPerWrite <= 0 {
		return errors.New("config 'datastore.maxKeyValuesPerWrite' must be greater than zero")
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains(logLevels, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		return fmt.Errorf("config 'trace.sampleRatio' (%v) must be between 0 and 1", cfg.Trace.SampleRatio)
	}

	if cfg.Stream.HighWaterMark <= 0 {
		return errors.New("config 'stream.highWaterMark' must be greater than zero")
	}

	if cfg.Status.SampleDuration < 0 {
		return errors.New("config 'status.sampleDuration' must be non-negative time duration")
	}

	if cfg.Seed.KeyPrefix == "" {
		return errors.New("config 'seed.keyPrefix' must not be empty")
	}

	if cfg.LogStream.Enabled && cfg.LogStream.Buffer <= 0 {
		return errors.New("config 'logStream.buffer' must be greater than zero")
	}

	return nil
}

// DefaultConfig returns the campsites server default configurations.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:               "memory",
			Compression:          "none",
			MaxKeyValuesPerWrite: DefaultMaxKeyValuesPerWrite,
			MaxIdleConns:         10,
			MaxOpenConns:         30,
		},
		HTTP: HTTPConfig{
			Addr:               "0.0.0.0:3000",
			TLS:                &TLSConfig{Enabled: false},
			ReadHeaderTimeout:  DefaultReadHeaderTimeout,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "campsites",
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    ":3001",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Stream: StreamConfig{
			HighWaterMark: DefaultStreamHighWaterMark,
		},
		Status: StatusConfig{
			SampleDuration: DefaultStatusSampleDuration,
		},
		Seed: SeedConfig{
			OnStartup: false,
			KeyPrefix: DefaultKeyPrefix,
		},
		LogStream: LogStreamConfig{
			Enabled: false,
			Buffer:  DefaultLogStreamBuffer,
		},
	}
}

// MustDefaultConfig returns default server config with metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false

	return config
}

// MustDefaultConfigWithRandomPorts returns default server config but with a random port for the http address
// and with metrics turned off.
// This function may panic if somehow a random port cannot be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := MustDefaultConfig()

	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()

	config.HTTP.Addr = fmt.Sprintf("0.0.0.0:%d", httpPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}
