package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	nm "dbft_node/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a dBFT node
func AddNodeFlags(cmd *cobra.Command) {
	// bind flags
	cmd.Flags().String("moniker", config.Moniker, "node name")

	// node flags
	cmd.Flags().String("db_backend", config.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String("db_dir", config.DBPath, "database directory")

	// rpc flags
	cmd.Flags().String("rpc.laddr", config.RPC.ListenAddress, "RPC listen address. Port required")

	// p2p flags
	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external-address", config.P2P.ExternalAddress, "ip:port address to advertise to peers for them to dial")
	cmd.Flags().String("p2p.persistent_peers", config.P2P.PersistentPeers, "comma-delimited ID@host:port persistent peers")

	// mempool flags
	cmd.Flags().Int("mempool.size", config.Mempool.Size, "maximum number of transactions in the mempool")
	cmd.Flags().Bool("mempool.broadcast", config.Mempool.Broadcast, "gossip every new transaction to peers")

	// dbft flags
	cmd.Flags().Duration("dbft.block_interval", config.DBFT.BlockInterval, "target time between two blocks")
	cmd.Flags().Int("dbft.max_transactions_per_block", config.DBFT.MaxTransactionsPerBlock,
		"maximum number of transactions the primary puts into a block")
	cmd.Flags().Bool("dbft.ignore_recovery_logs", config.DBFT.IgnoreRecoveryLogs,
		"start from a fresh consensus context instead of the saved one")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus, "serve prometheus metrics")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// It can be used with a custom PrivValidator and in-process ABCI application.
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the dBFT node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
