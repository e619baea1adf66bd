package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/broodlabs/brood/internal/cliutil"
	"github.com/broodlabs/brood/internal/config"
	"github.com/broodlabs/brood/internal/logmux"
	"github.com/broodlabs/brood/internal/metrics"
	"github.com/broodlabs/brood/internal/spawn"
	"github.com/broodlabs/brood/internal/tui"
)

const poolStopTimeout = 10 * time.Second

func newRunCmd(ctx *context) *cobra.Command {
	var procs int
	var method string
	var useTUI bool
	var jsonLogs bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command args...]",
		Short: "Start the worker pool and wait for completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadPool()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				doc.Workers.Command = args
			}
			if cmd.Flags().Changed("procs") {
				doc.Workers.Procs = procs
			}
			if method != "" {
				doc.Workers.StartMethod = method
			}
			if err := doc.Validate(); err != nil {
				return err
			}

			if metricsAddr != "" {
				shutdown := serveMetrics(metricsAddr)
				defer shutdown()
			}

			if useTUI {
				return runWithTUI(cmd, doc)
			}
			return runWithLogs(cmd, doc, jsonLogs)
		},
	}

	cmd.Flags().IntVarP(&procs, "procs", "n", 0, "Override the worker count")
	cmd.Flags().StringVar(&method, "method", "", "Override the start method")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Render pool status in an interactive terminal UI")
	cmd.Flags().BoolVar(&jsonLogs, "json", false, "Force JSON log output even on a terminal")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")

	return cmd
}

func poolOptions(doc *config.Pool) (spawn.Worker, spawn.Options) {
	worker := spawn.Worker{
		Command:   doc.Workers.Command,
		Args:      doc.Workers.Args,
		Env:       doc.Workers.Env,
		Workdir:   doc.Workers.Workdir,
		Image:     doc.Workers.Image,
		StopGrace: doc.Workers.StopGrace.Duration,
	}
	opts := spawn.Options{
		Procs:       doc.Workers.Procs,
		Daemon:      doc.Workers.Daemon,
		StartMethod: doc.Workers.StartMethod,
		Pool:        doc.Pool.Name,
	}
	return worker, opts
}

func runWithLogs(cmd *cobra.Command, doc *config.Pool, jsonLogs bool) error {
	buffer := logBufferFromEnv()
	events := make(chan spawn.Event, buffer)
	mux := logmux.New(buffer)
	mux.Add(events)

	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()
	pretty := !jsonLogs && term.IsTerminal(int(os.Stdout.Fd()))

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		enc := json.NewEncoder(stdout)
		for evt := range mux.Output() {
			if pretty {
				fmt.Fprintln(stdout, cliutil.FormatEventPretty(evt))
				continue
			}
			cliutil.EncodeLogEvent(enc, stderr, evt)
		}
	}()

	worker, opts := poolOptions(doc)
	opts.Events = events

	runCtx := cmd.Context()
	pc, err := spawn.StartProcesses(runCtx, worker, opts)
	if err != nil {
		close(events)
		mux.Close()
		<-printerDone
		return err
	}
	fmt.Fprintf(stderr, "pool %s run %s started with %d workers\n", doc.Pool.Name, pc.RunID(), doc.Workers.Procs)

	runErr := pc.Wait(runCtx)
	if runErr != nil {
		stopCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), poolStopTimeout)
		_ = pc.Stop(stopCtx)
		cancel()
	}

	pc.DrainLogs()
	close(events)
	mux.Close()
	<-printerDone
	return runErr
}

func runWithTUI(cmd *cobra.Command, doc *config.Pool) error {
	buffer := logBufferFromEnv()
	events := make(chan spawn.Event, buffer)
	mux := logmux.New(buffer)
	mux.Add(events)

	ui := tui.New()
	go func() {
		for evt := range mux.Output() {
			ui.EventSink() <- evt
		}
		ui.CloseEvents()
	}()

	runCtx, cancel := stdcontext.WithCancel(cmd.Context())
	defer cancel()

	worker, opts := poolOptions(doc)
	opts.Events = events

	pc, err := spawn.StartProcesses(runCtx, worker, opts)
	if err != nil {
		close(events)
		mux.Close()
		return err
	}

	var runErr error
	joinDone := make(chan struct{})
	go func() {
		defer close(joinDone)
		runErr = pc.Wait(runCtx)
		if runErr != nil {
			stopCtx, stopCancel := stdcontext.WithTimeout(stdcontext.Background(), poolStopTimeout)
			_ = pc.Stop(stopCtx)
			stopCancel()
		}
		pc.DrainLogs()
		close(events)
		mux.Close()
	}()

	uiErr := ui.Run(runCtx)
	cancel()
	<-joinDone

	if uiErr != nil {
		return uiErr
	}
	if errors.Is(runErr, stdcontext.Canceled) {
		return nil
	}
	return runErr
}

func serveMetrics(addr string) func() {
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return func() {
		shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
