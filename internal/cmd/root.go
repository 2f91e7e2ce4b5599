package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peer-relay",
	Short: "peer to peer file transfer with relayed connections",
	Long: `peer-relay connects nodes directly over QUIC and, when a direct
connection is impossible, tunnels the connection through a relay node that
both sides can reach.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(sendCmd)
}
