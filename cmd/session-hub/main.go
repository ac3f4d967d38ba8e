package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	amqpconsumer "your.org/session-hub/internal/amqp"
	"your.org/session-hub/internal/config"
	httpserver "your.org/session-hub/internal/http"
	ilog "your.org/session-hub/internal/log"
	"your.org/session-hub/internal/reconcile"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:          "session-hub",
	Short:        "Multi-tenant messaging session hub",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, provider webhooks and the command consumer",
	RunE:  runServe,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [tenant...]",
	Short: "Import remote provider sessions into the local registry and exit",
	RunE:  runReconcile,
}

func init() {
	rootCmd.AddCommand(serveCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and configures the logger.
func loadConfig() *config.Config {
	cfg := config.NewConfig()
	ilog.Configure(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg
}

// runServe starts the HTTP API, the AMQP consumer and the reconcile
// scheduler, then blocks until SIGINT or SIGTERM and shuts everything
// down in reverse order.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		ilog.Errorf("failed to initialise: %v", err)
		return err
	}
	defer a.close()

	// Ensure the command exchange and durable queue exist so that
	// publishers can enqueue sends even while the hub is offline.
	topo := amqpconsumer.Topology{
		URL:      cfg.AMQPURL,
		Exchange: cfg.AMQPCommandsExchange,
		Queue:    cfg.AMQPCommandsQueue,
		Binding:  cfg.AMQPCommandsBinding,
	}
	if err := amqpconsumer.InitExchange(topo); err != nil {
		ilog.Errorf("failed to initialize AMQP exchange: %v", err)
		return err
	}
	consumer := amqpconsumer.NewConsumer(topo, a.sessions)

	var sched *reconcile.Scheduler
	if cfg.ReconcileSchedule != "" {
		sched, err = reconcile.NewScheduler(a.reconcile, cfg.ReconcileSchedule)
		if err != nil {
			ilog.Errorf("invalid RECONCILE_SCHEDULE %q: %v", cfg.ReconcileSchedule, err)
			return err
		}
		sched.Start()
	}

	srv := httpserver.NewServer(cfg.HTTPAddr, httpserver.Deps{
		Sessions:      a.sessions,
		Processor:     a.processor,
		Conversations: a.stores.Conversations,
		Failures:      a.stores.Failures,
		Reconciler:    a.reconcile,
		Ready:         a.ready,
	})

	// The consumer blocks until the context is cancelled.
	go func() {
		if err := consumer.Start(ctx); err != nil {
			ilog.Errorf("AMQP consumer stopped: %v", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		ilog.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		errc <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var runErr error
	select {
	case <-sig:
		ilog.Infof("Shutting down...")
	case runErr = <-errc:
		if runErr != nil {
			ilog.Errorf("HTTP server stopped: %v", runErr)
		}
	}

	cancel()
	if sched != nil {
		sched.Stop()
	}
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		ilog.Errorf("failed to shutdown HTTP server: %v", err)
	}
	return runErr
}

// runReconcile runs one pass for the named tenants, or for every known
// tenant when none are given, and prints the reports as JSON.
func runReconcile(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var reports []reconcile.Report
	if len(args) == 0 {
		reports, err = a.reconcile.ReconcileAll(ctx)
	} else {
		for _, tenant := range args {
			rep, rerr := a.reconcile.Reconcile(ctx, tenant)
			if rerr != nil {
				err = fmt.Errorf("tenant %s: %w", tenant, rerr)
				break
			}
			reports = append(reports, rep)
		}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if eerr := enc.Encode(reports); eerr != nil {
		return eerr
	}
	return err
}
