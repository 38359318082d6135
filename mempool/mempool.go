package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"dbft_node/types"
)

type Mempool interface {
	// CheckTx检验一个新交易是否合法，来决定能否将其加入到mempool中
	CheckTx(tx *types.Tx, txInfo TxInfo) error

	// ReapMaxTxs从mempool中取出caller指定数量的交易
	// 如果max是负数则表示取出mempool所有的交易
	ReapMaxTxs(max int) types.Txs

	// Lock locks the mempool，更新mempool前必须lock mempool
	Lock()

	// Unlock the Mempool
	Unlock()

	// Update committed交易从mempool中删去，剩下的交易重新检查
	// NOTE: 该函数只能在block被提交后才能调用
	// NOTE: caller负责Lock/Unlock
	Update(height uint32, txs types.Txs) error

	// Flush将mempool中的所有交易和和cache清空
	Flush()

	// Size返回mempool中的交易条数
	Size() int

	// TxsBytes返回mempool所有交易的byte大小
	TxsBytes() int64
}

//--------------------------------------------------------------------------------

// PreCheckFunc 在交易进入mempool之前执行，账本用它检查交易策略
type PreCheckFunc func(*types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
