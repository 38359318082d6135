package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"dbft_node/store"
)

// Account 查询SmallBank账户余额
func Account(ctx *rpctypes.Context, name string) (*store.Account, error) {
	return env.Ledger.GetAccount(name)
}
