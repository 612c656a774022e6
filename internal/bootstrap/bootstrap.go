// Package bootstrap contains the startup plumbing shared by the ghagent
// commands: commandline flags, env-file loading, logger setup, signal
// handling and HTTP server lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/ghagent/internal/cfg"
	"github.com/simplesurance/ghagent/internal/logfields"
)

var logger = zap.NewNop()

// Args are the commandline arguments common to all commands.
type Args struct {
	Verbose     *bool
	EnvFile     *string
	ShowVersion *bool
}

// MustParseArgs parses the commandline and handles --version.
func MustParseArgs(appName, description, version string) *Args {
	args := Args{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		EnvFile: pflag.StringP(
			"env-file",
			"e",
			"",
			"load environment variables from this file before reading the configuration",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\n%s\n", appName, description)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, version)
		os.Exit(0)
	}

	return &args
}

func ExitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

// PanicHandler logs a recovered panic and terminates gracefully.
func PanicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

// MustLoadConfig loads the configuration from the environment, optionally
// after loading an env-file.
func MustLoadConfig(args *Args) *cfg.Config {
	// exitOnErr instead of logger.Fatal(), the logger is not initialized
	// yet

	if *args.EnvFile != "" {
		err := godotenv.Load(*args.EnvFile)
		ExitOnErr(fmt.Sprintf("could not load env file: %s", *args.EnvFile), err)
	}

	config, err := cfg.FromEnv()
	ExitOnErr("could not load configuration from environment", err)

	return config
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()

	ec.LevelKey = "loglevel"
	ec.TimeKey = config.LogTimeKey
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder

	return ec
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(zapEncoderConfig(config)),
		os.Stdout,
		logLevel),
	)
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig = zapEncoderConfig(config)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.Encoding = config.LogFormat
	zapCfg.Level = zap.NewAtomicLevelAt(logLevel)

	l, err := zapCfg.Build()
	ExitOnErr("could not initialize logger", err)

	return l
}

// MustInitLogger initializes the process-wide logger and registers a
// shutdown hook that flushes it.
func MustInitLogger(args *Args, config *cfg.Config) *zap.Logger {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})

	return logger
}

// Hide masks secrets in startup log messages.
func Hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// StartHTTPServer starts an HTTP server in a goroutine and registers a
// shutdown hook that terminates it gracefully.
func StartHTTPServer(name, listenAddr string, handler http.Handler) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: handler,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.String("server", name),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.String("server", name),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer PanicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("server", name),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info(
				"http server terminated",
				logfields.Event("http_server_terminated"),
				zap.String("server", name),
			)
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.String("server", name),
			zap.Error(err),
		)
	}()
}

// StartMetricsServer serves the prometheus metrics endpoint on listenAddr.
func StartMetricsServer(listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	StartHTTPServer("metrics", listenAddr, mux)
}
