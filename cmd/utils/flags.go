// Package utils contains internal helper functions for refractor commands.
package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/blocktimefinancial/refractor-sub000/chain"
	"github.com/blocktimefinancial/refractor-sub000/chain/evm"
	"github.com/blocktimefinancial/refractor-sub000/chain/onemoney"
	"github.com/blocktimefinancial/refractor-sub000/chain/stellar"
	"github.com/blocktimefinancial/refractor-sub000/finalize"
	"github.com/blocktimefinancial/refractor-sub000/internal/flags"
	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/storage"
	"github.com/blocktimefinancial/refractor-sub000/storage/leveldb"
	"github.com/blocktimefinancial/refractor-sub000/storage/memorydb"
)

// These are all the command line flags we support. The flags are defined
// here so their names and help texts are the same for all commands.

var (
	// General settings
	ConfigFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.RefractorCategory,
	}
	DataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory for the transaction database",
		Value:    "refractor-data",
		Category: flags.StorageCategory,
	}
	MemStoreFlag = &cli.BoolFlag{
		Name:     "memstore",
		Usage:    "Keep transactions in memory only (testing; all state is lost on exit)",
		Category: flags.StorageCategory,
	}

	// API settings
	HTTPHostFlag = &cli.StringFlag{
		Name:     "http.addr",
		Usage:    "HTTP server listening interface",
		Value:    "localhost",
		Category: flags.APICategory,
	}
	HTTPPortFlag = &cli.IntFlag{
		Name:     "http.port",
		Usage:    "HTTP server listening port",
		Value:    8080,
		Category: flags.APICategory,
	}
	AdminKeyFlag = &cli.StringFlag{
		Name:     "adminkey",
		Usage:    "Shared secret for the monitoring admin endpoints (empty disables them)",
		Category: flags.APICategory,
	}
	CORSBlacklistFlag = &cli.StringSliceFlag{
		Name:     "corsblacklist",
		Usage:    "Comma separated list of origins refused by CORS",
		Category: flags.APICategory,
	}

	// Queue settings
	QueueConcurrencyFlag = &cli.IntFlag{
		Name:     "queue.concurrency",
		Usage:    "Initial number of finalization workers",
		Value:    5,
		Category: flags.QueueCategory,
	}
	QueueMinConcurrencyFlag = &cli.IntFlag{
		Name:     "queue.minconcurrency",
		Usage:    "Lower bound for the adaptive worker count",
		Value:    1,
		Category: flags.QueueCategory,
	}
	QueueMaxConcurrencyFlag = &cli.IntFlag{
		Name:     "queue.maxconcurrency",
		Usage:    "Upper bound for the adaptive worker count",
		Value:    20,
		Category: flags.QueueCategory,
	}
	QueueRetryLimitFlag = &cli.IntFlag{
		Name:     "queue.retrylimit",
		Usage:    "Attempts per task before it is failed permanently",
		Value:    5,
		Category: flags.QueueCategory,
	}
	QueueRetryDelayFlag = &cli.DurationFlag{
		Name:     "queue.retrydelay",
		Usage:    "Base delay for exponential retry backoff",
		Value:    2 * time.Second,
		Category: flags.QueueCategory,
	}
	TickIntervalFlag = &cli.DurationFlag{
		Name:     "finalize.tick",
		Usage:    "Interval between ready-record claim passes",
		Value:    finalize.DefaultTickInterval,
		Category: flags.QueueCategory,
	}
	SweepIntervalFlag = &cli.DurationFlag{
		Name:     "finalize.sweep",
		Usage:    "Interval between expired-record sweeps",
		Value:    finalize.DefaultSweepInterval,
		Category: flags.QueueCategory,
	}
	CallbackRPSFlag = &cli.Float64Flag{
		Name:     "callback.rps",
		Usage:    "Sustained callback POST rate across all records",
		Value:    10,
		Category: flags.QueueCategory,
	}
	CallbackBurstFlag = &cli.IntFlag{
		Name:     "callback.burst",
		Usage:    "Callback POST burst allowance",
		Value:    20,
		Category: flags.QueueCategory,
	}

	// Logging settings
	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	LogFormatFlag = &cli.StringFlag{
		Name:     "log.format",
		Usage:    "Log format to use (terminal, logfmt, json)",
		Value:    "terminal",
		Category: flags.LoggingCategory,
	}
)

// ServerFlags are the flags the serve command accepts.
var ServerFlags = flags.Merge(
	[]cli.Flag{ConfigFileFlag, DataDirFlag, MemStoreFlag},
	[]cli.Flag{HTTPHostFlag, HTTPPortFlag, AdminKeyFlag, CORSBlacklistFlag},
	[]cli.Flag{
		QueueConcurrencyFlag, QueueMinConcurrencyFlag, QueueMaxConcurrencyFlag,
		QueueRetryLimitFlag, QueueRetryDelayFlag,
		TickIntervalFlag, SweepIntervalFlag,
		CallbackRPSFlag, CallbackBurstFlag,
	},
	[]cli.Flag{VerbosityFlag, LogFormatFlag},
)

// Fatalf formats a message to standard error and exits the program.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}

// SetupLogger configures the root logger from the logging flags.
func SetupLogger(ctx *cli.Context) error {
	var (
		usecolor = isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
		output   = io.Writer(os.Stderr)
		format   log.Format
	)
	switch ctx.String(LogFormatFlag.Name) {
	case "terminal", "":
		if usecolor {
			output = colorable.NewColorableStderr()
		}
		format = log.TerminalFormat(usecolor)
	case "logfmt":
		format = log.LogfmtFormat()
	case "json":
		format = log.JSONFormat()
	default:
		return fmt.Errorf("unknown log format %q", ctx.String(LogFormatFlag.Name))
	}
	verbosity := log.Lvl(ctx.Int(VerbosityFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(verbosity, log.StreamHandler(output, format)))
	return nil
}

// MakeProvider opens the transaction store selected by the storage flags.
func MakeProvider(ctx *cli.Context) (storage.Provider, error) {
	if ctx.Bool(MemStoreFlag.Name) {
		log.Warn("Using in-memory transaction store, state will not survive a restart")
		return memorydb.New(), nil
	}
	return leveldb.New(ctx.String(DataDirFlag.Name))
}

// MakeRegistry builds the handler registry with every implemented chain.
func MakeRegistry() (*chain.Registry, error) {
	reg := chain.NewRegistry()
	factories := []chain.Factory{
		stellar.NewFactory(),
		onemoney.NewFactory(),
	}
	for _, bc := range params.Blockchains() {
		if bc.Implemented && bc.CAIPNamespace == "eip155" {
			factories = append(factories, evm.NewFactory(bc.Name))
		}
	}
	for _, f := range factories {
		if err := reg.Register(f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// MakeQueue builds the adaptive worker pool from the queue flags.
func MakeQueue(ctx *cli.Context) *queue.Queue {
	return queue.New(queue.Config{
		Concurrency:    ctx.Int(QueueConcurrencyFlag.Name),
		MinConcurrency: ctx.Int(QueueMinConcurrencyFlag.Name),
		MaxConcurrency: ctx.Int(QueueMaxConcurrencyFlag.Name),
		RetryLimit:     ctx.Int(QueueRetryLimitFlag.Name),
		RetryDelay:     ctx.Duration(QueueRetryDelayFlag.Name),
	})
}

// MakeSubmitter builds the per-chain submission router.
func MakeSubmitter() finalize.Submitter {
	submitters := map[string]finalize.Submitter{
		"stellar":  finalize.NewStellarSubmitter(),
		"onemoney": finalize.NewOneMoneySubmitter(),
	}
	evmSub := finalize.NewEVMSubmitter()
	for _, bc := range params.Blockchains() {
		if bc.Implemented && bc.CAIPNamespace == "eip155" {
			submitters[bc.Name] = evmSub
		}
	}
	return finalize.NewRouter(submitters)
}

// MakeFinalizer builds the finalization loop over the store and queue.
func MakeFinalizer(ctx *cli.Context, registry *chain.Registry, store storage.Provider, q *queue.Queue) *finalize.Finalizer {
	callback := finalize.NewCallbackClient(
		ctx.Float64(CallbackRPSFlag.Name),
		ctx.Int(CallbackBurstFlag.Name),
	)
	return finalize.New(registry, store, q, MakeSubmitter(), callback, finalize.Config{
		TickInterval:  ctx.Duration(TickIntervalFlag.Name),
		SweepInterval: ctx.Duration(SweepIntervalFlag.Name),
	})
}
