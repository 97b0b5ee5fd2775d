package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/solanum-downloader/pkg/config"
	"github.com/Sriram-PR/solanum-downloader/pkg/orchestrate"
	"github.com/Sriram-PR/solanum-downloader/pkg/utils"
)

const (
	version        = "1.0.0"
	defaultLogFile = "solanum_downloader.log"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "download":
		runDownload(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("solanum-dl %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `solanum-dl - Bulk image downloader for specimen CSV lists

Usage:
  solanum-dl <command> [options]

Commands:
  download    Download every image listed in one or more CSV files
  resolve     Print the direct image URL behind location URLs
  validate    Validate configuration file
  mcp-server  Start MCP server for AI tool integration
  version     Show version info

Output of download:
  <destination>/<section>/<section>_<species>_<id>_<source>_<row>.<ext>
  <destination>/failed_images.csv with columns: (row index), id, species, url,
  section, source, error. The trailing error column holds the failure category
  (e.g. HTTP_404).

Run 'solanum-dl <command> -h' for command-specific help.`)
}

// downloadOptions carries the download subcommand flags. Zero values leave the
// config file (or its defaults) in charge.
type downloadOptions struct {
	configPath      string
	destination     string
	overwrite       bool
	debug           bool
	logLevel        string
	workers         int
	stateDir        string
	fresh           bool
	ledgerPath      string
	logFile         string
	metricsAddr     string
	downloadTimeout *time.Duration // nil = not given on the command line
	csvPaths        []string
}

// runDownload handles the download subcommand
func runDownload(args []string) {
	var opts downloadOptions
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to YAML config file (optional)")
	fs.StringVar(&opts.destination, "d", "", "Destination folder (default \""+config.DefaultDestination+"\")")
	fs.StringVar(&opts.destination, "destination", "", "Alias for -d")
	fs.BoolVar(&opts.overwrite, "o", false, "Download again even when a matching file exists")
	fs.BoolVar(&opts.overwrite, "overwrite", false, "Alias for -o")
	fs.BoolVar(&opts.debug, "debug", false, "Shorthand for -loglevel debug")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.IntVar(&opts.workers, "workers", 0, "Number of concurrent downloads (default from config, 4)")
	fs.StringVar(&opts.stateDir, "state", "", "Directory for the resolution cache and ledger (disabled if empty)")
	fs.BoolVar(&opts.fresh, "fresh", false, "Discard existing state before starting")
	fs.StringVar(&opts.ledgerPath, "write-ledger", "", "Write a TSV ledger of all attempts to this file on completion (needs -state)")
	fs.StringVar(&opts.logFile, "log-file", defaultLogFile, "Also append logs to this file (empty to disable)")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9090")
	timeout := fs.Duration("download-timeout", config.DefaultDownloadTimeout, "Timeout for each image download (0 = unbounded)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: solanum-dl download [options] file.csv [file.csv...]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  solanum-dl download -d images solanum.csv\n")
		fmt.Fprintf(os.Stderr, "  solanum-dl download -config config.yaml -state .state -o a.csv b.csv\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "download-timeout" {
			opts.downloadTimeout = timeout
		}
	})
	opts.csvPaths = fs.Args()
	if len(opts.csvPaths) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one CSV file is required")
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(doDownload(opts, os.Stdout, os.Stderr))
}

// doDownload runs one batch. Returns exit code (0 = batch ran to the end, even
// with recorded failures; 1 = could not run; 130 = interrupted).
func doDownload(opts downloadOptions, stdout, stderr io.Writer) int {
	if len(opts.csvPaths) == 0 {
		fmt.Fprintln(stderr, "Error: at least one CSV file is required")
		return 1
	}

	level := opts.logLevel
	if opts.debug {
		level = "debug"
	}
	log, closeLog, err := setupLogger(level, stdout, opts.logFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	appCfg, err := loadAndValidateConfig(opts.configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	applyDownloadOverrides(appCfg, opts)
	logAppConfig(appCfg, log)

	entry := log.WithField("run_id", uuid.NewString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrate.New(appCfg, opts.fresh, entry)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer orch.Close()
	orch.Start(ctx)

	if appCfg.MetricsAddr != "" {
		go func() {
			if err := orch.Metrics().Serve(ctx, appCfg.MetricsAddr, entry); err != nil {
				entry.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	result := orch.RunBatch(ctx, orchestrate.BatchRequest{
		CSVPaths:    opts.csvPaths,
		Destination: appCfg.Destination,
		Overwrite:   appCfg.Overwrite,
	})

	if opts.ledgerPath != "" {
		if store := orch.Store(); store != nil {
			if err := store.WriteLedger(opts.ledgerPath); err != nil {
				entry.Errorf("Error writing ledger: %v", err)
			}
		} else {
			entry.Warn("-write-ledger needs -state (or state_dir), skipping ledger")
		}
	}

	code := orchestrate.ExitCode(result)
	switch code {
	case 0:
		entry.Info(orchestrate.Describe(result))
	case 130:
		entry.Warnf("Interrupted: %s", orchestrate.Describe(result))
	default:
		entry.WithField("error_type", utils.CategorizeError(result.Error)).Errorf("Download failed: %v", result.Error)
	}
	return code
}

// applyDownloadOverrides copies command-line values over the validated config
func applyDownloadOverrides(appCfg *config.AppConfig, opts downloadOptions) {
	if strings.TrimSpace(opts.destination) != "" {
		appCfg.Destination = opts.destination
	}
	if opts.overwrite {
		appCfg.Overwrite = true
	}
	if opts.workers > 0 {
		appCfg.NumWorkers = opts.workers
	}
	if opts.stateDir != "" {
		appCfg.StateDir = opts.stateDir
	}
	if opts.metricsAddr != "" {
		appCfg.MetricsAddr = opts.metricsAddr
	}
	switch {
	case opts.downloadTimeout != nil && *opts.downloadTimeout >= 0:
		appCfg.DownloadTimeout = *opts.downloadTimeout
	case appCfg.DownloadTimeout == 0:
		appCfg.DownloadTimeout = config.DefaultDownloadTimeout
	}
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: solanum-dl validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: destination=%s workers=%d selector=%q report=%s\n",
		appCfg.Destination, appCfg.NumWorkers, appCfg.DOMSelector, appCfg.GetEffectiveFailureReportFilename())
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runResolve handles the resolve subcommand
func runResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to YAML config file (optional)")
	logLevel := fs.String("loglevel", "warn", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: solanum-dl resolve [options] URL [URL...]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(doResolve(ctx, *configFile, *logLevel, fs.Args(), os.Stdout, os.Stderr))
}

// doResolve prints one tab-separated line per URL: the URL, then either
// tier, extension and final URL, or "error" and the error category and message.
// Returns 1 if any URL could not be resolved.
func doResolve(ctx context.Context, configPath, logLevel string, urls []string, stdout, stderr io.Writer) int {
	log, closeLog, err := setupLogger(logLevel, stderr, "")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	appCfg, err := loadAndValidateConfig(configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	appCfg.StateDir = "" // resolving never touches the ledger or cache

	orch, err := orchestrate.New(appCfg, false, log.WithField("component", "resolve"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer orch.Close()

	exitCode := 0
	for _, u := range urls {
		res, err := orch.Resolver().Resolve(ctx, u)
		if err != nil {
			fmt.Fprintf(stdout, "%s\terror\t%s\t%v\n", u, utils.CategorizeError(err), err)
			exitCode = 1
			continue
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", u, res.Tier, res.Extension, res.URL)
	}
	return exitCode
}

// setupLogger creates a logrus.Logger writing to out and, when logFile is set,
// appending to logFile as well. The returned func closes the file.
func setupLogger(logLevelStr string, out io.Writer, logFile string) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)
	log.SetOutput(out)
	closeFn := func() {}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: open log file %s: %w", utils.ErrFilesystem, logFile, err)
		}
		log.SetOutput(io.MultiWriter(out, file))
		closeFn = func() { file.Close() }
	}

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}
	return log, closeFn, nil
}

// loadAndValidateConfig loads the config file (if any), validates it and logs warnings.
func loadAndValidateConfig(configFile string, log *logrus.Logger) (*config.AppConfig, error) {
	if configFile != "" {
		log.Infof("Loading configuration from %s", configFile)
	}
	appCfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	appWarnings, err := appCfg.Validate()
	for _, w := range appWarnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return appCfg, nil
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Destination:%s, Overwrite:%t, Workers:%d, MaxReqPerHost:%d, DelayPerHost:%v",
		appCfg.Destination, appCfg.Overwrite, appCfg.NumWorkers, appCfg.MaxRequestsPerHost, appCfg.DelayPerHost)
	log.Infof("Config Resolution: ProbeTimeout:%v, Selector:%q, RespectRobots:%t",
		appCfg.ProbeTimeout, appCfg.DOMSelector, appCfg.RespectRobots)
	log.Infof("Config Download: Timeout:%v, MaxSize:%d bytes, Verify:%t, RecordTransportErrors:%t, Report:%s",
		appCfg.DownloadTimeout, appCfg.MaxImageSizeBytes, appCfg.VerifyImages,
		appCfg.GetEffectiveRecordTransportErrors(), appCfg.GetEffectiveFailureReportFilename())
	log.Infof("Config State: Dir:%q, Metrics:%q", appCfg.StateDir, appCfg.MetricsAddr)
}
