package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symcache/pkg/symcache"
)

var cfg struct {
	verbose      bool
	configFile   string
	printMetrics bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Build, inspect and query symbol caches.").UsageWriter(os.Stdout)
	app.Version(version.Print("symcachecli"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config.file", "YAML file with symbol cache settings.").StringVar(&cfg.configFile)
	app.Flag("print-metrics", "Print the collected metrics to stderr on exit.").Default("false").BoolVar(&cfg.printMetrics)
	configFlags := addConfigFlags(app)

	buildCmd := app.Command("build", "Convert debug information into a symbol cache.")
	buildParams := addBuildParams(buildCmd)

	lookupCmd := app.Command("lookup", "Resolve addresses against a symbol cache.")
	lookupParams := addLookupParams(lookupCmd)

	inspectCmd := app.Command("inspect", "Print the header and content summary of a symbol cache.")
	inspectParams := addInspectParams(inspectCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	symcacheCfg, err := loadConfig(cfg.configFile, configFlags)
	if err != nil {
		os.Exit(checkError(err))
	}
	reg := prometheus.NewRegistry()
	opts := append(symcacheCfg.Options(),
		symcache.WithLogger(log.With(logger, "component", "symcache")),
		symcache.WithMetrics(symcache.NewMetrics(reg)),
	)

	switch parsedCmd {
	case buildCmd.FullCommand():
		err = build(ctx, buildParams, opts...)
	case lookupCmd.FullCommand():
		err = lookup(ctx, lookupParams, opts...)
	case inspectCmd.FullCommand():
		err = inspect(ctx, inspectParams, opts...)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}

	if cfg.printMetrics {
		if perr := printMetrics(consoleOutput, reg); perr != nil {
			level.Warn(logger).Log("msg", "failed to print metrics", "err", perr)
		}
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
