package consensus

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"

	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

// 共识依赖的外部组件，共识本身不关心它们的实现

// TransactionSource 交易池的查询接口，实现必须是线程安全的
type TransactionSource interface {
	// 已验证的交易，按打包优先级排序
	GetVerifiedTransactions() []*types.Tx
	// 查找交易，包括尚未重新验证的交易
	TryGetValue(hash tmbytes.HexBytes) (*types.Tx, bool)
}

// TxResubmitter 由交易池实现，重启时恢复日志中的交易通过它放回交易池
type TxResubmitter interface {
	Resubmit(txs []*types.Tx)
}

// Ledger 账本
type Ledger interface {
	CurrentHeight() uint32
	HeaderHeight() uint32
	Snapshot() Snapshot

	// 每个区块持久化完成后回调，回调不能阻塞
	OnPersistCompleted(func(*types.Block))

	CheckPolicy(tx *types.Tx) error
	GetMaxBlockSize() int64

	// 共识完成的区块交给账本执行和保存
	// 返回types.ErrOnPersistFailed说明执行失败，节点必须退出
	AddBlock(block *types.Block) error
}

// Snapshot 某个高度的账本只读视图
type Snapshot interface {
	CurrentHeader() *types.Header
	Validators() *types.ValidatorSet
	ContainsTransaction(hash tmbytes.HexBytes) bool
}

// Broadcaster 发送共识消息和区块
type Broadcaster interface {
	SendToOne(peer p2p.ID, payload *cstype.ConsensusPayload)
	SendToAll(payload *cstype.ConsensusPayload)
	RelayBlock(block *types.Block)
}

// TxFetcher 向邻居请求缺失的交易、宣告提案中的交易，都不等待结果
type TxFetcher interface {
	RequestTxs(hashes []tmbytes.HexBytes)
	AnnounceTxs(hashes []tmbytes.HexBytes)
}

type nopBroadcaster struct{}

func (nopBroadcaster) SendToOne(p2p.ID, *cstype.ConsensusPayload) {}
func (nopBroadcaster) SendToAll(*cstype.ConsensusPayload)         {}
func (nopBroadcaster) RelayBlock(*types.Block)                    {}

type nopTxFetcher struct{}

func (nopTxFetcher) RequestTxs([]tmbytes.HexBytes)  {}
func (nopTxFetcher) AnnounceTxs([]tmbytes.HexBytes) {}
