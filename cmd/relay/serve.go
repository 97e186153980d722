package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/relay/api"
	"github.com/tailored-agentic-units/relay/clock"
	"github.com/tailored-agentic-units/relay/observability"
	"github.com/tailored-agentic-units/relay/orchestrate/config"
	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/delivery"
	"github.com/tailored-agentic-units/relay/orchestrate/dispatch"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

var (
	serveAddr string
	serveEcho bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus and the HTTP API until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "Bind built-in workers to every topology node")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	observability.RegisterObserver("slog", observability.NewSlogObserver(logger))

	observer, err := observability.Resolve(cfg.Observer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Hub.Logger = logger
	cfg.Correlator.Logger = logger

	h := hub.New(ctx, cfg.Hub, hub.WithObserver(observer))

	reg := registry.New(registry.WithLogger(logger), registry.WithObserver(observer))
	if err := reg.Load(cfg.Topology); err != nil {
		return errors.Join(err, h.Shutdown(cfg.Hub.ShutdownTimeout()))
	}

	correlator := correlate.New(h, cfg.Correlator, correlate.WithObserver(observer))
	propagator := execution.NewPropagator(clock.Real())
	dispatcher := dispatch.NewDispatcher(
		cfg.Server.Sender,
		correlator,
		reg,
		dispatch.WithPolicy(cfg.Delivery.Policy()),
		dispatch.WithPropagator(propagator),
		dispatch.WithLogger(logger),
	)

	var workers []*dispatch.Worker
	if serveEcho {
		workers, err = startBuiltinWorkers(ctx, h, reg, dispatcher, cfg, logger)
		if err != nil {
			return errors.Join(err, stopWorkers(workers), h.Shutdown(cfg.Hub.ShutdownTimeout()))
		}
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Hub:        h,
		Correlator: correlator,
		Registry:   reg,
		Dispatcher: dispatcher,
		Propagator: propagator,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()

		return errors.Join(
			server.Shutdown(shutdownCtx),
			stopWorkers(workers),
			h.Shutdown(cfg.Hub.ShutdownTimeout()),
		)
	})

	return g.Wait()
}

// startBuiltinWorkers binds an echo worker to every leaf and a delegating
// worker to every supervisor. Supervisors in the "pipeline" category pass
// the task through their subordinates in order; the others fan it out to
// all of them and answer with the results keyed by name.
func startBuiltinWorkers(
	ctx context.Context,
	h hub.Hub,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	cfg *config.Config,
	logger *slog.Logger,
) ([]*dispatch.Worker, error) {
	window := delivery.NewWindow(cfg.Dedup.Window(), clock.Real())

	categories := make(map[string]string)
	for _, sup := range reg.Supervisors() {
		categories[sup.Name] = sup.Category
	}

	var workers []*dispatch.Worker
	for _, name := range reg.Names() {
		node, err := reg.Get(name)
		if err != nil {
			return workers, err
		}

		var task dispatch.TaskFunc = echoTask
		switch {
		case node.IsSupervisor && categories[name] == pipelineCategory:
			task = pipelineTask(reg, name)
		case node.IsSupervisor:
			task = fanoutTask(reg, name)
		}

		w := dispatch.NewWorker(
			name,
			h,
			task,
			dispatch.WithRegistry(reg),
			dispatch.WithDispatcher(dispatcher),
			dispatch.WithDeduper(window),
			dispatch.WithWorkerLogger(logger),
		)
		if err := w.Start(ctx); err != nil {
			return workers, fmt.Errorf("failed to start worker %s: %w", name, err)
		}
		workers = append(workers, w)
	}

	logger.Info("built-in workers bound", slog.Int("count", len(workers)))
	return workers, nil
}

const pipelineCategory = "pipeline"

func echoTask(ctx context.Context, call *dispatch.Call) (any, error) {
	return call.Task.Input, nil
}

func fanoutTask(reg *registry.Registry, name string) dispatch.TaskFunc {
	return func(ctx context.Context, call *dispatch.Call) (any, error) {
		subordinates, err := reg.Subordinates(name)
		if err != nil {
			return nil, err
		}

		requests := make([]dispatch.Request, len(subordinates))
		for i, sub := range subordinates {
			requests[i] = dispatch.Request{
				Recipient: sub,
				TaskType:  call.Task.TaskType,
				Input:     call.Task.Input,
				Metadata:  call.Task.Metadata,
			}
		}

		results, err := call.DelegateAll(ctx, requests)
		if err != nil {
			return nil, err
		}

		out := make(map[string]any, len(results))
		for _, result := range results {
			out[result.Recipient] = result.Response.Result
		}
		return out, nil
	}
}

func pipelineTask(reg *registry.Registry, name string) dispatch.TaskFunc {
	return func(ctx context.Context, call *dispatch.Call) (any, error) {
		subordinates, err := reg.Subordinates(name)
		if err != nil {
			return nil, err
		}

		steps := make([]dispatch.Request, len(subordinates))
		for i, sub := range subordinates {
			steps[i] = dispatch.Request{
				Recipient: sub,
				TaskType:  call.Task.TaskType,
				Input:     call.Task.Input,
				Metadata:  call.Task.Metadata,
			}
		}

		results, err := call.DelegateChain(ctx, steps)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return call.Task.Input, nil
		}
		return results[len(results)-1].Response.Result, nil
	}
}

func stopWorkers(workers []*dispatch.Worker) error {
	var errs []error
	for _, w := range workers {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
