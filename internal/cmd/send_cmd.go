package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/node"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type sendOptions struct {
	Listen   string
	Server   string
	ServerID string
	To       string
	Direct   bool
	LogLevel string
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:   "send file-path",
	Short: "sends a file to a node",
	Long: `starts a short lived node, joins the server and streams the file to the
node given with --to. The file goes through the server's relay unless
--direct is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runSend(ctx, &sendOpts, args[0])
	},
}

func init() {
	fs := sendCmd.Flags()
	fs.StringVar(&sendOpts.Listen, "listen", ":0", "UDP address to listen on")
	fs.StringVar(&sendOpts.Server, "server", "", "address of the server node")
	fs.StringVar(&sendOpts.ServerID, "server-id", "", "node ID of the server")
	fs.StringVar(&sendOpts.To, "to", "", "node ID of the receiver")
	fs.BoolVar(&sendOpts.Direct, "direct", false, "try a direct connection before the relay")
	fs.StringVar(&sendOpts.LogLevel, "log-level", "warn", "debug, info, warn or error")
	_ = sendCmd.MarkFlagRequired("server")
	_ = sendCmd.MarkFlagRequired("to")
}

func runSend(ctx context.Context, opts *sendOptions, path string) (err error) {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	cfg := node.DefaultConfig()
	cfg.ListenAddr = opts.Listen
	cfg.ServerAddr = opts.Server
	cfg.ServerID = opts.ServerID
	cfg.ForceRelay = !opts.Direct
	cfg.Relay.AllowRelayed = false
	cfg.Logger = logger.NewWithLevel(logger.ParseLevel(opts.LogLevel))

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, n.Close()) }()

	if err := n.Start(ctx); err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(info.Size(), "sending")
	err = n.SendFile(ctx, protocol.PeerIdentity{ID: opts.To}, path, func(sent int) {
		_ = bar.Add(sent)
	})
	if err != nil {
		return err
	}
	return bar.Finish()
}
