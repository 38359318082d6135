package rpc

import (
	"github.com/tendermint/tendermint/libs/log"

	cstype "dbft_node/consensus/types"
	"dbft_node/libs/metric"
	"dbft_node/mempool"
	"dbft_node/state"
	"dbft_node/store"
	"dbft_node/types"
)

var (
	env *Environment
)

// SetEnvironment 节点启动RPC之前设置
func SetEnvironment(e *Environment) {
	env = e
}

// Consensus RPC需要的共识查询接口
type Consensus interface {
	GetRoundState() *cstype.RoundState
}

// Ledger RPC需要的账本查询接口
type Ledger interface {
	State() state.State
	LoadBlock(height uint32) *types.Block
	LoadTxResults(height uint32) []store.TxResult
	GetAccount(name string) (*store.Account, error)
}

var _ Ledger = (*state.Ledger)(nil)

// Environment RPC处理函数用到的节点组件
type Environment struct {
	Mempool   mempool.Mempool
	Consensus Consensus
	Ledger    Ledger

	MetricSet *metric.MetricSet

	Logger log.Logger
}
