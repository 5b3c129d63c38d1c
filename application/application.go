package application

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/sensorlink-go/internal/compressor"
	"github.com/lk2023060901/sensorlink-go/internal/config"
	"github.com/lk2023060901/sensorlink-go/internal/crypto"
	"github.com/lk2023060901/sensorlink-go/internal/envelope"
	"github.com/lk2023060901/sensorlink-go/internal/experiment"
	"github.com/lk2023060901/sensorlink-go/internal/transport"
	zlog "github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/metrics"
	"github.com/lk2023060901/sensorlink-go/pkg/util/hardware"
	zviper "github.com/lk2023060901/sensorlink-go/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	configPathEnv     = "SENSORLINK_CONFIG_FILE_PATH"
)

// Application is the runtime container for a sensorlink process.
// It owns configuration, loggers and the objects built from them.
type Application struct {
	v       *zviper.Config
	cfg     *config.Config
	loggers map[string]*zlog.MLogger
	args    []string
}

// New creates a new Application. args are the command-line arguments without the program name.
func New(args ...string) *Application {
	return &Application{args: args}
}

// Setup loads configuration and initializes logging. The config file path is resolved with
// the following priority:
//  1. Default: ./config.yaml
//  2. Env: SENSORLINK_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
func (a *Application) Setup() error {
	path, err := a.configPath()
	if err != nil {
		return err
	}

	v := zviper.New()
	config.ApplyDefaults(v)
	if err := v.LoadFile(path); err != nil {
		return errors.Wrapf(err, "load config file %q", path)
	}
	a.v = v

	if err := a.initLogging(); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logStartup(path)
	return nil
}

// Config returns the typed configuration. It is nil before Setup succeeds.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Logger returns a named logger created from the logging section.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return zlog.With(zlog.FieldModule(name))
}

// NewBackend builds the AEAD backend selected by crypto.mode.
func (a *Application) NewBackend() (crypto.Backend, error) {
	mode, err := a.cfg.Mode()
	if err != nil {
		return nil, err
	}
	var key []byte
	if mode.Keyed() {
		if key, err = a.cfg.Key(); err != nil {
			return nil, err
		}
	}
	return crypto.NewBackend(mode, key)
}

// NewExperiment builds the sensor-side experiment context.
func (a *Application) NewExperiment() (*experiment.Experiment, error) {
	backend, err := a.NewBackend()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.CodecOptions()
	if err != nil {
		return nil, err
	}
	exp, err := experiment.New(backend, a.cfg.Sensor.ID,
		experiment.WithMaxPackets(a.cfg.Experiment.MaxPackets),
		experiment.WithCodecOptions(opts...))
	if err != nil {
		return nil, err
	}
	exp.SetLogger(a.Logger(experiment.RoleSensor))
	return exp, nil
}

// NewPeer builds the gateway that echoes sensor envelopes back.
func (a *Application) NewPeer() (*experiment.Peer, error) {
	backend, err := a.NewBackend()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.CodecOptions()
	if err != nil {
		return nil, err
	}
	codec, err := envelope.NewCodec(backend, a.cfg.Sensor.ID, opts...)
	if err != nil {
		return nil, err
	}
	logger := a.Logger(experiment.RoleGateway)
	codec.SetLogger(logger)
	peer := experiment.NewPeer(codec)
	peer.SetLogger(logger)
	return peer, nil
}

// NewDumpSink returns the sink that writes ledgers under experiment.dump_dir.
func (a *Application) NewDumpSink() (*experiment.DirSink, func(), error) {
	c, err := compressor.New(a.cfg.Experiment.Compression)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {}
	if z, ok := c.(*compressor.ZstdCompressor); ok {
		closer = z.Close
	}
	return &experiment.DirSink{Dir: a.cfg.Experiment.DumpDir, Compressor: c}, closer, nil
}

// Run executes the configured experiment with the gateway attached over an in-memory link.
func (a *Application) Run(ctx context.Context) error {
	if a.cfg == nil {
		if err := a.Setup(); err != nil {
			return err
		}
	}
	defer zlog.Cleanup()
	defer zlog.Sync() //nolint:errcheck

	metrics.Register(prometheus.DefaultRegisterer)

	exp, err := a.NewExperiment()
	if err != nil {
		return err
	}
	peer, err := a.NewPeer()
	if err != nil {
		return err
	}
	sink, closeSink, err := a.NewDumpSink()
	if err != nil {
		return err
	}
	defer closeSink()

	sensorLink, gatewayLink, err := transport.NewLoopback(
		transport.WithMTU(a.cfg.Transport.MTU),
		transport.WithQueueSize(a.cfg.Transport.QueueSize))
	if err != nil {
		return err
	}
	sensorLink.SetLogger(a.Logger("transport"))
	gatewayLink.SetLogger(a.Logger("transport"))

	runner := experiment.NewRunner(exp, sensorLink,
		experiment.WithSequential(a.cfg.Experiment.Sequential),
		experiment.WithInterval(a.cfg.Experiment.Interval),
		experiment.WithTailTimeout(a.cfg.Experiment.TailTimeout),
		experiment.WithDumpSink(sink))
	runner.SetLogger(a.Logger(experiment.RoleSensor))

	g, gctx := errgroup.WithContext(ctx)
	// finished is canceled once the sensor side is done, which stops the metrics server.
	finished, finish := context.WithCancel(gctx)
	defer finish()

	if a.cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-finished.Done()
			return srv.Shutdown(context.Background())
		})
	}
	g.Go(func() error {
		return peer.Serve(gctx, gatewayLink)
	})
	g.Go(func() error {
		defer finish()
		// Closing the link stops the gateway loop.
		defer sensorLink.Close()
		return runner.Run(gctx, a.cfg.Experiment.Scenario)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	stats := exp.Codec().Stats().Snapshot()
	zlog.Info("experiment finished",
		zap.String("dumpDir", a.cfg.Experiment.DumpDir),
		zap.Uint64("encoded", stats.Encoded),
		zap.Uint64("decoded", stats.Decoded),
		zap.Uint64("rejected", stats.Rejected()))
	return nil
}

func (a *Application) configPath() (string, error) {
	configPath := defaultConfigPath
	if envPath := os.Getenv(configPathEnv); envPath != "" {
		configPath = envPath
	}

	args := a.args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", errors.New("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				configPath = val
			}
		}
	}
	return configPath, nil
}

// initLogging initializes the global logger from SENSORLINK_LOG_* env vars and
// module loggers from the logging section.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv configures the process-wide logger.
//
//   - SENSORLINK_LOG_LEVEL: log level (default "info").
//   - SENSORLINK_LOG_FORMAT: "console" or "json" (default "console").
//   - SENSORLINK_LOG_STDOUT: whether to log to stdout (default true).
//   - SENSORLINK_LOG_FILE_DIR, SENSORLINK_LOG_FILE: rotated file output, empty disables it.
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:  getenvDefault("SENSORLINK_LOG_LEVEL", "info"),
		Format: getenvDefault("SENSORLINK_LOG_FORMAT", zlog.FormatConsole),
		Stdout: getenvBool("SENSORLINK_LOG_STDOUT", true),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("SENSORLINK_LOG_FILE_DIR", ""),
			Filename: getenvDefault("SENSORLINK_LOG_FILE", ""),
		},
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from the "logging" section.
//
// Example:
//
//	logging:
//	  sensor:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: sensor.log
func (a *Application) initModuleLoggersFromConfig() error {
	raw := make(map[string]zlog.Config)
	if err := a.v.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = (&zlog.MLogger{Logger: logger}).With(zlog.FieldModule(name))
	}
	return nil
}

func (a *Application) logStartup(path string) {
	inContainer, err := hardware.InContainer()
	if err != nil {
		inContainer = false
	}
	zlog.Info("sensorlink starting",
		zap.String("config", path),
		zap.String("sensor", a.cfg.Sensor.ID),
		zap.String("mode", a.cfg.Crypto.Mode),
		zap.String("framing", a.cfg.Envelope.Framing),
		zap.Int("scenario", a.cfg.Experiment.Scenario),
		zap.Int("cpu", hardware.GetCPUNum()),
		zap.Uint64("memory", hardware.GetMemoryCount()),
		zap.Bool("inContainer", inContainer))
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
