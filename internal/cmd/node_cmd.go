package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/node"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	nodeOpts   nodeOptions
	nodeConfig string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "runs a node",
	Long: `runs a node until interrupted. With --relay the node acts as server:
it introduces the nodes that join it to each other and relays connections
between them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeConfig != "" {
			if err := nodeOpts.load(cmd.Flags(), nodeConfig); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runNode(ctx, &nodeOpts)
	},
}

func init() {
	nodeOpts.bind(nodeCmd.Flags())
	nodeCmd.Flags().StringVar(&nodeConfig, "config", "", "YAML file with node options")
}

func runNode(ctx context.Context, opts *nodeOptions) (err error) {
	log := logger.NewWithLevel(logger.ParseLevel(opts.LogLevel))

	cfg := opts.nodeConfig()
	cfg.Logger = log
	cfg.Relay.Registerer = prometheus.DefaultRegisterer

	if opts.DB != "" {
		var nodes *store.NodeStore
		if nodes, err = openStore(opts.DB); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, nodes.Close()) }()
		cfg.Store = nodes
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, n.Close()) }()

	if err := n.Start(ctx); err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		srv := serveMetrics(opts.MetricsAddr, log)
		defer func() { _ = srv.Close() }()
	}

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

func openStore(path string) (*store.NodeStore, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return store.NewNodeStore(db), nil
}

func serveMetrics(addr string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	log.WithField("addr", addr).Info("Serving metrics")
	return srv
}
