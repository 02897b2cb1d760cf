// refractor is the pending-transaction store and signature aggregation
// service: it collects partial signatures for transactions across several
// blockchains, tracks each transaction's lifecycle and submits fully signed
// envelopes to their networks.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/blocktimefinancial/refractor-sub000/api"
	"github.com/blocktimefinancial/refractor-sub000/cmd/utils"
	"github.com/blocktimefinancial/refractor-sub000/internal/flags"
	"github.com/blocktimefinancial/refractor-sub000/params"
	"github.com/blocktimefinancial/refractor-sub000/queue"
	"github.com/blocktimefinancial/refractor-sub000/signer"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 30 * time.Second
)

// Git SHA1 commit hash of the release (set via linker flags)
var gitCommit = ""
var gitDate = ""

var app = flags.NewApp(gitCommit, gitDate, "the refractor signature aggregation service")

func init() {
	app.Action = refractor
	app.Flags = utils.ServerFlags
	app.Before = func(ctx *cli.Context) error {
		if err := utils.SetupLogger(ctx); err != nil {
			return err
		}
		return applyConfigFile(ctx)
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logQueueEvent surfaces queue lifecycle events in the service log. Metric
// ticks are demoted to trace level to keep the info stream readable.
func logQueueEvent(ev queue.Event) {
	switch ev.Kind {
	case queue.EventTaskRetry:
		log.Debug("Task scheduled for retry", "task", ev.TaskName, "attempt", ev.Attempt,
			"delay", ev.Delay, "err", ev.Err)
	case queue.EventTaskFailed:
		log.Warn("Task failed permanently", "task", ev.TaskName, "attempt", ev.Attempt, "err", ev.Err)
	case queue.EventConcurrency:
		log.Info("Queue concurrency adjusted", "concurrency", ev.Concurrency)
	case queue.EventPaused:
		log.Warn("Queue paused")
	case queue.EventResumed:
		log.Info("Queue resumed")
	case queue.EventMetricsTick:
		if ev.Stats != nil {
			log.Trace("Queue metrics", "length", ev.Stats.Length, "running", ev.Stats.Running,
				"successRate", ev.Stats.SuccessRate, "avg", ev.Stats.AvgProcessingTime)
		}
	}
}

func refractor(ctx *cli.Context) error {
	if args := ctx.Args().Slice(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}
	params.ApplyEndpointOverrides()

	registry, err := utils.MakeRegistry()
	if err != nil {
		return err
	}
	store, err := utils.MakeProvider(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	q := utils.MakeQueue(ctx)
	q.Subscribe(logQueueEvent)
	fin := utils.MakeFinalizer(ctx, registry, store, q)
	engine, err := signer.New(registry, store, fin.Trigger)
	if err != nil {
		return err
	}

	server := api.NewServer(engine, store, q, api.Config{
		AdminKey:      ctx.String(utils.AdminKeyFlag.Name),
		CORSBlacklist: ctx.StringSlice(utils.CORSBlacklistFlag.Name),
	})
	addr := net.JoinHostPort(
		ctx.String(utils.HTTPHostFlag.Name),
		strconv.Itoa(ctx.Int(utils.HTTPPortFlag.Name)),
	)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fin.Start()
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server started", "addr", addr, "version", params.Version,
			"blockchains", registry.Blockchains())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig)
	case err := <-errCh:
		log.Error("HTTP server failed", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "err", err)
	}
	fin.Stop()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := q.Drain(drainCtx); err != nil {
		log.Warn("Queue drain incomplete", "err", err)
	}
	q.Close()
	log.Info("Shutdown complete")
	return nil
}
