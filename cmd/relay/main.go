// Command relay runs the fan-out broadcaster all nodes dial into: it
// listens for node connections, forwards frames per internal/relay's
// drop/delay rules, optionally drives an auto-STEP ticker, and exposes
// an admin command loop on stdin (spec.md §6's relay admin surface).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/posforge/posforge/internal/config"
	"github.com/posforge/posforge/internal/metrics"
	"github.com/posforge/posforge/internal/relay"
	"github.com/posforge/posforge/internal/transport"
)

type startOptions struct {
	listenAddr  string
	configPath  string
	metricsAddr string
	verbose     bool
}

func main() {
	var opts startOptions

	root := &cobra.Command{
		Use:   "relay",
		Short: "Run the posforge relay",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Listen for node connections and fan out frames",
		RunE:  func(cmd *cobra.Command, args []string) error { return runStart(opts) },
	}
	startCmd.Flags().StringVar(&opts.listenAddr, "listen", "0.0.0.0:9000", "address to accept node connections on")
	startCmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML config file")
	startCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve /metrics on (disabled if empty)")
	startCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug-level logging")

	root.AddCommand(startCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(opts startOptions) error {
	log := logrus.New()
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(opts.configPath, viper.New())
	if err != nil {
		return fmt.Errorf("relay start: %w", err)
	}

	ln, err := transport.Listen(opts.listenAddr)
	if err != nil {
		return fmt.Errorf("relay start: %w", err)
	}
	defer ln.Close()

	mset := metrics.New()
	hub := relay.New(ln, log, mset, cfg.Step.Interval)

	if opts.metricsAddr != "" {
		go serveMetrics(log, opts.metricsAddr, mset)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := hub.Run(ctx); err != nil {
			log.WithError(err).Error("relay: hub stopped")
		}
	}()

	admin := relay.NewAdmin(hub, os.Stdin, os.Stdout, log)
	admin.Run()
	cancel()
	return nil
}

func serveMetrics(log *logrus.Logger, addr string, mset *metrics.Set) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mset.Registry(), promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("relay: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("relay: metrics server failed")
	}
}
