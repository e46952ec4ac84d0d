package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/ingestd"
	"pkt.systems/ingestd/internal/pathutil"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("INGESTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "ingestd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether the argument list resolves to
// the root serve command rather than a subcommand. Root invocations log
// failures structured; subcommands print them plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if !isSubcommandToken(root, tok) {
				continue
			}
			return true
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") && arg != "--" {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				i++
				continue
			}
			name := strings.TrimPrefix(arg, "--")
			flag := lookupLong(name)
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		candidate := filepath.Join(ingestd.DefaultConfigDir(), ingestd.DefaultConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			cfgPath = candidate
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return filepath.Abs(pathutil.ExpandUserAndEnv(p))
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg ingestd.Config
	var bootstrapDir string
	var bootstrapRan bool
	runBootstrap := func(baseLogger pslog.Logger) error {
		if bootstrapDir == "" || bootstrapRan {
			return nil
		}
		bootstrapRan = true
		abs, err := filepath.Abs(bootstrapDir)
		if err != nil {
			return fmt.Errorf("resolve --bootstrap path: %w", err)
		}
		if os.Getenv("INGESTD_CONFIG_DIR") == "" {
			if err := os.Setenv("INGESTD_CONFIG_DIR", abs); err != nil {
				return fmt.Errorf("set INGESTD_CONFIG_DIR: %w", err)
			}
		}
		logger := svcfields.WithSubsystem(baseLogger, "cli.bootstrap")
		return bootstrapConfigDir(abs, logger)
	}

	cmd := &cobra.Command{
		Use:           "ingestd",
		Short:         "ingestd receives payloads over HTTP and holds each one until its delivery target confirms it",
		SilenceErrors: true,
		Example: `
  # Deliver into a spool directory
  ingestd --deliver dir:///var/spool/ingestd

  # MinIO target (TLS towards MinIO by default; append ?insecure=1 for HTTP)
  INGESTD_DELIVER=s3://localhost:9000/ingest?insecure=1 INGESTD_S3_ACCESS_KEY_ID=minioadmin INGESTD_S3_SECRET_ACCESS_KEY=minioadmin ingestd

  # AWS S3 (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  INGESTD_DELIVER=aws://us-west-2/my-bucket/landing ingestd

  # In-memory target (tests/dev only)
  ingestd --deliver mem://

  # Cap ingress to 32MiB/s and roll back unacknowledged holds after 30s
  ingestd --deliver dir:///var/spool/ingestd --max-bytes-per-second 32MiB --max-unconfirmed-time 30s
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to ingestd",
				"app", "ingestd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if err := runBootstrap(baseLogger); err != nil {
				return err
			}

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}

			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := ingestd.NewServer(cfg, ingestd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.ingestd/"+ingestd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringVar(&bootstrapDir, "bootstrap", "", "initialize certificates + config under this directory before serving (idempotent)")
	flags.String("listen", ingestd.DefaultListen, "listen address")
	flags.String("health-listen", "", "separate healthcheck listen address (never requests client certificates; empty shares the primary listener)")
	flags.String("base-path", ingestd.DefaultBasePath, "URL path segment payloads are received under")
	flags.String("deliver", "", "delivery target URL (mem://, dir:///path, s3://host[:port]/bucket, aws://region/bucket, azure://account/container)")
	flags.String("max-bytes-per-second", "", "aggregate ingest rate cap (e.g. 32MiB; blank disables)")
	flags.Duration("max-unconfirmed-time", ingestd.DefaultMaxUnconfirmedTime, "time a hold may stay unacknowledged before rollback")
	flags.Duration("sweep-interval", ingestd.DefaultSweepInterval, "interval between expired-hold sweeps")
	flags.Int("max-concurrency", ingestd.DefaultMaxConcurrency, "maximum simultaneous connections on the primary listener")
	flags.Int("return-code", ingestd.DefaultReturnCode, "HTTP status returned for accepted submissions (2xx)")
	multipartMaxDefault := humanizeBytes(ingestd.DefaultMultipartMaxSize)
	spoolDefault := humanizeBytes(ingestd.DefaultSpoolThreshold)
	flags.String("multipart-max-size", multipartMaxDefault, "maximum raw multipart request size")
	flags.String("spool-threshold", spoolDefault, "bytes to buffer payloads in memory before spooling to disk")
	flags.String("headers-pattern", "", "regex selecting request headers to capture as payload attributes")
	flags.String("subject-dn-pattern", ingestd.DefaultSubjectDNPattern, "regex authorizing client certificate subject DNs")
	flags.String("issuer-dn-pattern", ingestd.DefaultIssuerDNPattern, "regex authorizing client certificate issuer DNs")
	flags.String("client-auth", ingestd.ClientAuthAuto, fmt.Sprintf("client certificate policy (%s)", strings.Join(ingestd.ValidClientAuthModes(), ", ")))
	flags.String("bundle", "", "path to server bundle PEM (plaintext HTTP when unset)")
	flags.Duration("shutdown-timeout", ingestd.DefaultShutdownTimeout, "graceful drain timeout during shutdown")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.Bool("disable-http-tracing", false, "disable per-request tracing spans")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("INGESTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "health-listen", "base-path", "deliver",
		"max-bytes-per-second", "max-unconfirmed-time", "sweep-interval", "max-concurrency",
		"return-code", "multipart-max-size", "spool-threshold",
		"headers-pattern", "subject-dn-pattern", "issuer-dn-pattern", "client-auth", "bundle",
		"shutdown-timeout",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "disable-http-tracing",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *ingestd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.HealthListen = viper.GetString("health-listen")
	cfg.BasePath = viper.GetString("base-path")
	cfg.Deliver = viper.GetString("deliver")
	if rate := strings.TrimSpace(viper.GetString("max-bytes-per-second")); rate != "" {
		size, err := humanize.ParseBytes(rate)
		if err != nil {
			return fmt.Errorf("parse max-bytes-per-second: %w", err)
		}
		cfg.MaxBytesPerSecond = int64(size)
	}
	cfg.MaxUnconfirmedTime = viper.GetDuration("max-unconfirmed-time")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.MaxConcurrency = viper.GetInt("max-concurrency")
	cfg.ReturnCode = viper.GetInt("return-code")
	if size := strings.TrimSpace(viper.GetString("multipart-max-size")); size != "" {
		parsed, err := humanize.ParseBytes(size)
		if err != nil {
			return fmt.Errorf("parse multipart-max-size: %w", err)
		}
		cfg.MultipartMaxSize = int64(parsed)
	}
	if threshold := strings.TrimSpace(viper.GetString("spool-threshold")); threshold != "" {
		parsed, err := humanize.ParseBytes(threshold)
		if err != nil {
			return fmt.Errorf("parse spool-threshold: %w", err)
		}
		cfg.SpoolThreshold = int64(parsed)
	}
	cfg.HeadersPattern = viper.GetString("headers-pattern")
	cfg.SubjectDNPattern = viper.GetString("subject-dn-pattern")
	cfg.IssuerDNPattern = viper.GetString("issuer-dn-pattern")
	cfg.ClientAuth = viper.GetString("client-auth")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
