package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

// Routes 节点提供的JSON-RPC方法，HTTP和websocket共用
var Routes = map[string]*rpc.RPCFunc{
	// tx
	"broadcast_tx":        rpc.NewRPCFunc(BroadcastTx, "tx"),
	"num_unconfirmed_txs": rpc.NewRPCFunc(NumUnconfirmedTxs, ""),

	// consensus & chain
	"consensus_state": rpc.NewRPCFunc(ConsensusState, ""),
	"status":          rpc.NewRPCFunc(Status, ""),
	"block":           rpc.NewRPCFunc(Block, "height"),

	// smallbank
	"account": rpc.NewRPCFunc(Account, "name"),

	// metrics
	"metrics": rpc.NewRPCFunc(JSONMetrics, "label"),
}
