package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log/term"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
)

var (
	connections       int
	txsRate           int
	durationInt       int
	accounts          int
	broadcastTxMethod string
	verbose           bool
)

var rootCmd = &cobra.Command{
	Use:   "tm-bench [endpoints]",
	Short: "Send SmallBank transactions to dBFT nodes over websocket",
	Long: `Examples:
  tm-bench localhost:26657
  tm-bench -c 2 -r 500 -T 30 -a 100 host1:26657,host2:26657`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "Connections to keep open per endpoint")
	rootCmd.Flags().IntVarP(&txsRate, "rate", "r", 1000, "Txs per second to send in a connection")
	rootCmd.Flags().IntVarP(&durationInt, "duration", "T", 10, "Exit after the specified amount of time in seconds")
	rootCmd.Flags().IntVarP(&accounts, "accounts", "a", 100, "Number of SmallBank accounts created by gen-genesis")
	rootCmd.Flags().StringVar(&broadcastTxMethod, "broadcast-tx-method", "broadcast_tx", "RPC method used to submit txs")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func runBench(cmd *cobra.Command, args []string) error {
	if accounts <= 0 {
		return fmt.Errorf("accounts must be positive, got %d", accounts)
	}

	var logger log.Logger = log.NewNopLogger()
	if verbose {
		// Color errors red
		colorFn := func(keyvals ...interface{}) term.FgBgColor {
			for i := 1; i < len(keyvals); i += 2 {
				if _, ok := keyvals[i].(error); ok {
					return term.FgBgColor{Fg: term.White, Bg: term.Red}
				}
			}
			return term.FgBgColor{}
		}
		logger = log.NewTMLoggerWithColorFn(log.NewSyncWriter(os.Stdout), colorFn)
	}

	endpoints := strings.Split(args[0], ",")
	transacters := make([]*transacter, len(endpoints))
	for i, e := range endpoints {
		t := newTransacter(e, connections, txsRate, accounts, broadcastTxMethod)
		t.SetLogger(logger.With("endpoint", e))
		if err := t.Start(); err != nil {
			for _, started := range transacters[:i] {
				started.Stop()
			}
			return err
		}
		transacters[i] = t
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(time.Duration(durationInt) * time.Second):
	case <-sigs:
	}

	var total int64
	for i, t := range transacters {
		t.Stop()
		snap := t.sent.Snapshot()
		fmt.Printf("%s: sent %d txs, rejected %d, mean rate %.2f tx/s\n",
			endpoints[i], snap.Count(), t.rejected.Count(), snap.RateMean())
		total += snap.Count()
	}
	fmt.Printf("total: %d txs in %ds\n", total, durationInt)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
