package rpc

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	meml "dbft_node/mempool"
	"dbft_node/types"
)

// ResultBroadcastTx broadcast_tx的结果
type ResultBroadcastTx struct {
	Hash tmbytes.HexBytes `json:"hash"`
}

// BroadcastTx 检查交易并放入mempool，不等待上链
func BroadcastTx(ctx *rpctypes.Context, tx types.Tx) (*ResultBroadcastTx, error) {
	err := env.Mempool.CheckTx(&tx, meml.TxInfo{SenderID: meml.UnknownPeerID})
	if err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: tx.Hash()}, nil
}

// ResultUnconfirmedTxs num_unconfirmed_txs的结果
type ResultUnconfirmedTxs struct {
	Count      int   `json:"n_txs"`
	TotalBytes int64 `json:"total_bytes"`
}

func NumUnconfirmedTxs(ctx *rpctypes.Context) (*ResultUnconfirmedTxs, error) {
	return &ResultUnconfirmedTxs{
		Count:      env.Mempool.Size(),
		TotalBytes: env.Mempool.TxsBytes(),
	}, nil
}
