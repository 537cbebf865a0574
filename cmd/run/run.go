// Package run contains the command to run a campsites server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trailcamp/campsites/cmd/util"
	"github.com/trailcamp/campsites/internal/build"
	"github.com/trailcamp/campsites/internal/procstats"
	serverconfig "github.com/trailcamp/campsites/internal/server/config"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/middleware/logging"
	"github.com/trailcamp/campsites/pkg/middleware/recovery"
	"github.com/trailcamp/campsites/pkg/middleware/requestid"
	"github.com/trailcamp/campsites/pkg/server"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/codec"
	"github.com/trailcamp/campsites/pkg/storage/migrate"
	"github.com/trailcamp/campsites/pkg/storage/seed"
	"github.com/trailcamp/campsites/pkg/telemetry"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"

	shutdownTimeout = 5 * time.Second
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the campsites server",
		Long:  "Run the campsites server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	cmd.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.Duration("http-read-header-timeout", defaultConfig.HTTP.ReadHeaderTimeout, "the amount of time allowed to read request headers")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String(datastoreEngineFlag, defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory', 'sqlite', 'postgres' or 'mysql')")

	flags.String(datastoreURIFlag, defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")

	flags.String("datastore-username", "", "the connection username to use to connect to the datastore (overwrites any username provided in the connection uri)")

	flags.String("datastore-password", "", "the connection password to use to connect to the datastore (overwrites any password provided in the connection uri)")

	flags.String("datastore-compression", defaultConfig.Datastore.Compression, "the compression applied to values written by this process ('none', 'lz4' or 'zstd')")

	flags.Int("datastore-max-key-values-per-write", defaultConfig.Datastore.MaxKeyValuesPerWrite, "the maximum number of campsites written in one transaction")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")

	flags.Bool("datastore-auto-migrate", defaultConfig.Datastore.AutoMigrate, "run the datastore schema migrations before serving")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Int("stream-high-water-mark", defaultConfig.Stream.HighWaterMark, "the number of buffered response bytes at which a stream waits for the client to catch up")

	flags.Duration("status-sample-duration", defaultConfig.Status.SampleDuration, "the window over which '/status' measures CPU usage")

	flags.Bool("status-log-stream-metrics", defaultConfig.Status.LogStreamMetrics, "log process metrics before and after every campsites stream (debug level)")

	flags.String("seed-file", defaultConfig.Seed.File, "a JSON array of campsites to load on startup (if omitted the bundled sample is loaded)")

	flags.Bool("seed-on-startup", defaultConfig.Seed.OnStartup, "replace the stored campsites before serving")

	flags.String("seed-key-prefix", defaultConfig.Seed.KeyPrefix, "the key prefix campsites are stored under")

	flags.Bool("log-stream-enabled", defaultConfig.LogStream.Enabled, "enable/disable the websocket log viewer on '/logs'")

	flags.Int("log-stream-buffer", defaultConfig.LogStream.Buffer, "the number of log entries queued per log viewer before entries are dropped")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the campsites server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/campsites', '$HOME/.campsites', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	var (
		opts        []logger.Option
		broadcaster *logger.Broadcaster
	)
	if config.LogStream.Enabled {
		broadcaster = logger.NewBroadcaster()
		opts = append(opts, logger.WithBroadcaster(broadcaster))
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level, config.Log.TimestampFormat, opts...)
	serverCtx := &ServerContext{Logger: logger, LogBroadcaster: broadcaster}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger

	// LogBroadcaster receives every entry written to Logger. It must be set
	// when config.LogStream.Enabled is true.
	LogBroadcaster *logger.Broadcaster
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(
				config.Trace.OTLP.Endpoint,
			),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithAttributes(
				attribute.String("build.commit", build.Commit),
			),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			// the batch processor may take up to 5 seconds to export
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return tp.Close(ctx)
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) datastoreConfig(ctx context.Context, config *serverconfig.Config) (storage.Datastore, *codec.Codec, error) {
	c, err := util.NewCodec(config.Datastore)
	if err != nil {
		return nil, nil, err
	}

	if config.Datastore.AutoMigrate && config.Datastore.Engine != "memory" {
		err := migrate.RunMigrations(ctx, migrate.MigrationConfig{
			Engine:   config.Datastore.Engine,
			URI:      config.Datastore.URI,
			Username: config.Datastore.Username,
			Password: config.Datastore.Password,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("migrate %s datastore: %w", config.Datastore.Engine, err)
		}
	}

	datastore, err := util.NewDatastore(config.Datastore, s.Logger)
	if err != nil {
		return nil, nil, err
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine),
		zap.String("compression", c.Kind().String()))

	if config.Seed.OnStartup {
		loader := seed.NewLoader(datastore,
			seed.WithLogger(s.Logger),
			seed.WithCodec(c),
			seed.WithKeyPrefix(config.Seed.KeyPrefix),
			seed.WithBatchSize(config.Datastore.MaxKeyValuesPerWrite),
		)
		if _, err := loader.LoadFile(ctx, config.Seed.File); err != nil {
			datastore.Close()
			return nil, nil, fmt.Errorf("seed campsites: %w", err)
		}
	}

	return datastore, c, nil
}

func (s *ServerContext) httpHandler(config *serverconfig.Config, srv *server.Server) http.Handler {
	handler := srv.Handler()
	handler = logging.Handler(handler, s.Logger)
	handler = requestid.Handler(handler)

	if config.Trace.Enabled {
		handler = otelhttp.NewHandler(handler, "campsites")
	}

	return recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
		AllowedOrigins: config.HTTP.CORSAllowedOrigins,
		AllowedHeaders: config.HTTP.CORSAllowedHeaders,
		AllowedMethods: []string{http.MethodGet},
		ExposedHeaders: []string{requestid.RequestIDHeader},
	}).Handler(handler), s.Logger)
}

func (s *ServerContext) httpListener(ctx context.Context, config *serverconfig.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	if config.HTTP.TLS.Enabled {
		httpGetCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath, s.Logger)
		if err != nil {
			listener.Close()
			return nil, err
		}
		listener = tls.NewListener(listener, &tls.Config{
			GetCertificate: httpGetCertificate,
		})

		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	}

	return listener, nil
}

// Run serves until ctx is cancelled or the process is signalled, then shuts
// every server down gracefully. It returns the first error a server failed with.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			s.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	datastore, c, err := s.datastoreConfig(ctx, config)
	if err != nil {
		return err
	}
	defer datastore.Close()

	if config.LogStream.Enabled && s.LogBroadcaster == nil {
		return errors.New("log streaming is enabled but no log broadcaster was configured")
	}
	var broadcaster *logger.Broadcaster
	if config.LogStream.Enabled {
		broadcaster = s.LogBroadcaster
	}

	svr := server.New(&server.Dependencies{
		Datastore:      datastore,
		Logger:         s.Logger,
		Codec:          c,
		Sampler:        procstats.New(procstats.WithSampleDuration(config.Status.SampleDuration)),
		LogBroadcaster: broadcaster,
	}, &server.Config{
		KeyPrefix:           config.Seed.KeyPrefix,
		StreamHighWaterMark: config.Stream.HighWaterMark,
		LogStreamBuffer:     config.LogStream.Buffer,
		LogStreamMetrics:    config.Status.LogStreamMetrics,
	})

	s.Logger.Info(
		"starting campsites service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", config),
	)

	g, gctx := errgroup.WithContext(ctx)
	var servers []*http.Server

	serve := func(name string, srv *http.Server, lis net.Listener) {
		servers = append(servers, srv)
		g.Go(func() error {
			s.Logger.Info(fmt.Sprintf("starting %s server on '%s'...", name, lis.Addr().String()))
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server closed with unexpected error: %w", name, err)
			}
			s.Logger.Info(name + " server shut down.")
			return nil
		})
	}

	httpListener, err := s.httpListener(gctx, config)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	serve("HTTP", &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           s.httpHandler(config, svr),
		ReadHeaderTimeout: config.HTTP.ReadHeaderTimeout,
	}, httpListener)

	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		lis, err := net.Listen("tcp", config.Profiler.Addr)
		if err != nil {
			return s.abort(g, servers, fmt.Errorf("failed to start pprof profiler: %w", err))
		}
		serve("pprof profiler", &http.Server{Addr: config.Profiler.Addr, Handler: mux, ReadHeaderTimeout: config.HTTP.ReadHeaderTimeout}, lis)
	}

	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		lis, err := net.Listen("tcp", config.Metrics.Addr)
		if err != nil {
			return s.abort(g, servers, fmt.Errorf("failed to start prometheus metrics server: %w", err))
		}
		serve("prometheus metrics", &http.Server{Addr: config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: config.HTTP.ReadHeaderTimeout}, lis)
	}

	g.Go(func() error {
		// wait for cancellation signal or a failed server
		<-gctx.Done()
		s.Logger.Info("attempting to shutdown gracefully...")
		s.shutdown(servers)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}

// abort shuts down the servers already started and returns cause.
func (s *ServerContext) abort(g *errgroup.Group, servers []*http.Server, cause error) error {
	s.shutdown(servers)
	_ = g.Wait()
	return cause
}

func (s *ServerContext) shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown server", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}

func watchAndLoadCertificateWithCertWatcher(ctx context.Context, certPath, keyPath string, logger logger.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	log.SetLogger(logr.Discard())
	// Create a certificate watcher
	watcher, err := certwatcher.New(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create certwatcher: %w", err)
	}

	// Load the initial certificate
	if err := watcher.ReadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	logger.Info("Initial TLS certificate loaded.", zap.String("certPath", certPath), zap.String("keyPath", keyPath))

	// Start watching for certificate changes
	go func() {
		logger.Info("Starting certificate watcher...", zap.String("certPath", certPath), zap.String("keyPath", keyPath))
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Certwatcher encountered an error", zap.Error(err))
		}
	}()

	// Return a function that retrieves the updated certificate
	getCertificate := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return watcher.GetCertificate(nil)
	}

	return getCertificate, nil
}
