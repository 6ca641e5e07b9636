// Command node runs one simulated proof-of-stake peer: it dials a relay,
// drives a consensus.Node off the connection, persists its chain on every
// head change, and exposes a REPL on stdin plus a Prometheus endpoint —
// the node-side counterpart to hedisam-ethtxparser/main.go's single
// flag-parsed entrypoint, restructured as cobra subcommands per
// 1170300606-obrs/cmd's init/start split.
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

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/config"
	"github.com/posforge/posforge/internal/consensus"
	"github.com/posforge/posforge/internal/metrics"
	"github.com/posforge/posforge/internal/persistence"
	"github.com/posforge/posforge/internal/repl"
	"github.com/posforge/posforge/internal/transport"
	"github.com/posforge/posforge/internal/wallet"
	"github.com/posforge/posforge/internal/wire"
)

// genesisTimestamp is fixed so every node derives the same genesis hash
// regardless of wall-clock start time; restarts must reload the exact
// same genesis a persisted snapshot was built against.
const genesisTimestamp = 0

type startOptions struct {
	id          string
	relayAddr   string
	configPath  string
	dataDir     string
	metricsAddr string
	verbose     bool
}

func main() {
	var opts startOptions

	root := &cobra.Command{
		Use:   "node",
		Short: "Run a posforge consensus node",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE:  func(cmd *cobra.Command, args []string) error { return runInit(opts.configPath) },
	}
	initCmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "path to write the starter config")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to a relay and run the consensus loop",
		RunE:  func(cmd *cobra.Command, args []string) error { return runStart(opts) },
	}
	startCmd.Flags().StringVar(&opts.id, "id", "node1", "this node's id")
	startCmd.Flags().StringVar(&opts.relayAddr, "relay-addr", "localhost:9000", "relay TCP address to dial")
	startCmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML config file")
	startCmd.Flags().StringVar(&opts.dataDir, "data-dir", ".", "directory for this node's persisted chain snapshot")
	startCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve /metrics on (disabled if empty)")
	startCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug-level logging")

	root.AddCommand(initCmd, startCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInit(path string) error {
	const starter = `server:
  host: 0.0.0.0
  port: 9000
sync:
  timeout: 5s
step:
  interval: 2s
vote:
  enabled: false
  timeout: 3s
  threshold: 0.5
initial_state:
  node1:
    balance: 100
    stake: 0
  node2:
    balance: 100
    stake: 0
`
	if err := os.WriteFile(path, []byte(starter), 0o644); err != nil {
		return fmt.Errorf("node init: %w", err)
	}
	fmt.Printf("wrote starter config to %s\n", path)
	return nil
}

func runStart(opts startOptions) error {
	log := logrus.New()
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(opts.configPath, viper.New())
	if err != nil {
		return fmt.Errorf("node start: %w", err)
	}

	ledger := wallet.New()
	for id, acct := range cfg.InitialState {
		ledger.Seed(id, acct.Balance, acct.Stake)
	}

	snapshotPath := opts.dataDir + "/" + opts.id + ".chain.json"
	snap, err := persistence.Load(snapshotPath)
	if err != nil {
		log.WithError(err).Warn("node: could not load persisted snapshot, starting from genesis")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	genesis := chain.NewGenesisBlock(genesisTimestamp)
	out := make(chan wire.Message, 256)
	mset := metrics.New()
	n := consensus.New(opts.id, genesis, ledger, cfg, out, log, mset)

	if blocks := snap.ToBlocks(); len(blocks) > 1 {
		if err := n.LoadChain(blocks); err != nil {
			log.WithError(err).Warn("node: could not replay persisted snapshot")
		}
	}
	n.SetHeadChangeHook(func(*chain.Block) {
		if err := persistence.Save(snapshotPath, persistence.ToSnapshot(n.Store().Chain())); err != nil {
			log.WithError(err).Error("node: failed to persist chain snapshot")
		}
	})

	if opts.metricsAddr != "" {
		go serveMetrics(log, opts.metricsAddr, mset)
	}

	conn, err := transport.Dial(ctx, opts.relayAddr)
	if err != nil {
		return fmt.Errorf("node start: dial relay: %w", err)
	}
	defer conn.Close()
	if err := conn.Send(wire.Hello{SenderID: opts.id}); err != nil {
		return fmt.Errorf("node start: hello: %w", err)
	}

	in := conn.Frames(ctx)
	cmds := make(chan consensus.Command, 16)
	go n.Run(ctx, in, cmds)
	go forwardOut(ctx, out, conn)

	// spec.md §4.9: bootstrap from peers on startup, before normal
	// participation, the same CmdSync path the REPL's `sync` command uses.
	if res := doStartupSync(cmds); !res.OK {
		log.WithField("reason", res.Reason).Warn("node: startup sync did not complete")
	}

	rpl := repl.New(opts.id, os.Stdin, os.Stdout, cmds)
	rpl.Run()

	_ = conn.Send(wire.Bye{SenderID: opts.id})
	return nil
}

// doStartupSync issues CmdSync and waits for its result, the same
// blocking request/reply pattern repl.REPL uses, so a node bootstraps
// from whatever peers are already on the relay before taking any REPL
// command (spec.md §4.9).
func doStartupSync(cmds chan consensus.Command) consensus.Result {
	reply := make(chan consensus.Result, 1)
	cmds <- consensus.Command{Kind: consensus.CmdSync, Reply: reply}
	return <-reply
}

func forwardOut(ctx context.Context, out <-chan wire.Message, conn *transport.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			_ = conn.Send(msg)
		}
	}
}

func serveMetrics(log *logrus.Logger, addr string, mset *metrics.Set) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mset.Registry(), promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("node: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("node: metrics server failed")
	}
}
