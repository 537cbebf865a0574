package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/trailcamp/campsites/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
		util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
		util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))

		command.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

		util.MustBindEnv("http.addr", "CAMPSITES_HTTP_ADDR")
		util.MustBindEnv("http.tls.enabled", "CAMPSITES_HTTP_TLS_ENABLED")
		util.MustBindEnv("http.tls.cert", "CAMPSITES_HTTP_TLS_CERT")
		util.MustBindEnv("http.tls.key", "CAMPSITES_HTTP_TLS_KEY")

		util.MustBindPFlag("http.readHeaderTimeout", flags.Lookup("http-read-header-timeout"))
		util.MustBindEnv("http.readHeaderTimeout", "CAMPSITES_HTTP_READ_HEADER_TIMEOUT")

		util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.corsAllowedOrigins", "CAMPSITES_HTTP_CORS_ALLOWED_ORIGINS")

		util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.corsAllowedHeaders", "CAMPSITES_HTTP_CORS_ALLOWED_HEADERS")

		util.MustBindPFlag("datastore.engine", flags.Lookup(datastoreEngineFlag))
		util.MustBindEnv("datastore.engine", "CAMPSITES_DATASTORE_ENGINE")

		util.MustBindPFlag("datastore.uri", flags.Lookup(datastoreURIFlag))
		util.MustBindEnv("datastore.uri", "CAMPSITES_DATASTORE_URI")

		util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
		util.MustBindEnv("datastore.username", "CAMPSITES_DATASTORE_USERNAME")

		util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
		util.MustBindEnv("datastore.password", "CAMPSITES_DATASTORE_PASSWORD")

		util.MustBindPFlag("datastore.compression", flags.Lookup("datastore-compression"))
		util.MustBindEnv("datastore.compression", "CAMPSITES_DATASTORE_COMPRESSION")

		util.MustBindPFlag("datastore.maxKeyValuesPerWrite", flags.Lookup("datastore-max-key-values-per-write"))
		util.MustBindEnv("datastore.maxKeyValuesPerWrite", "CAMPSITES_DATASTORE_MAX_KEY_VALUES_PER_WRITE")

		util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
		util.MustBindEnv("datastore.maxOpenConns", "CAMPSITES_DATASTORE_MAX_OPEN_CONNS")

		util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
		util.MustBindEnv("datastore.maxIdleConns", "CAMPSITES_DATASTORE_MAX_IDLE_CONNS")

		util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
		util.MustBindEnv("datastore.connMaxIdleTime", "CAMPSITES_DATASTORE_CONN_MAX_IDLE_TIME")

		util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
		util.MustBindEnv("datastore.connMaxLifetime", "CAMPSITES_DATASTORE_CONN_MAX_LIFETIME")

		util.MustBindPFlag("datastore.autoMigrate", flags.Lookup("datastore-auto-migrate"))
		util.MustBindEnv("datastore.autoMigrate", "CAMPSITES_DATASTORE_AUTO_MIGRATE")

		util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
		util.MustBindEnv("datastore.metrics.enabled", "CAMPSITES_DATASTORE_METRICS_ENABLED")

		util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
		util.MustBindEnv("profiler.enabled", "CAMPSITES_PROFILER_ENABLED")

		util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
		util.MustBindEnv("profiler.addr", "CAMPSITES_PROFILER_ADDRESS")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "CAMPSITES_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "CAMPSITES_LOG_LEVEL")

		util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
		util.MustBindEnv("log.timestampFormat", "CAMPSITES_LOG_TIMESTAMP_FORMAT")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "CAMPSITES_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "CAMPSITES_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "CAMPSITES_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "CAMPSITES_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "CAMPSITES_TRACE_SERVICE_NAME")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "CAMPSITES_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "CAMPSITES_METRICS_ADDR")

		util.MustBindPFlag("stream.highWaterMark", flags.Lookup("stream-high-water-mark"))
		util.MustBindEnv("stream.highWaterMark", "CAMPSITES_STREAM_HIGH_WATER_MARK")

		util.MustBindPFlag("status.sampleDuration", flags.Lookup("status-sample-duration"))
		util.MustBindEnv("status.sampleDuration", "CAMPSITES_STATUS_SAMPLE_DURATION")

		util.MustBindPFlag("status.logStreamMetrics", flags.Lookup("status-log-stream-metrics"))
		util.MustBindEnv("status.logStreamMetrics", "CAMPSITES_STATUS_LOG_STREAM_METRICS")

		util.MustBindPFlag("seed.file", flags.Lookup("seed-file"))
		util.MustBindEnv("seed.file", "CAMPSITES_SEED_FILE")

		util.MustBindPFlag("seed.onStartup", flags.Lookup("seed-on-startup"))
		util.MustBindEnv("seed.onStartup", "CAMPSITES_SEED_ON_STARTUP")

		util.MustBindPFlag("seed.keyPrefix", flags.Lookup("seed-key-prefix"))
		util.MustBindEnv("seed.keyPrefix", "CAMPSITES_SEED_KEY_PREFIX")

		util.MustBindPFlag("logStream.enabled", flags.Lookup("log-stream-enabled"))
		util.MustBindEnv("logStream.enabled", "CAMPSITES_LOG_STREAM_ENABLED")

		util.MustBindPFlag("logStream.buffer", flags.Lookup("log-stream-buffer"))
		util.MustBindEnv("logStream.buffer", "CAMPSITES_LOG_STREAM_BUFFER")
	}
}
