package state

import (
	"errors"
	"fmt"
	"sync"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dbft_node/config"
	"dbft_node/consensus"
	"dbft_node/mempool"
	"dbft_node/store"
	"dbft_node/types"
)

var (
	ErrTxTooLarge       = errors.New("tx too large")
	ErrAccountIsBlocked = errors.New("account is blocked")
)

var _ consensus.Ledger = (*Ledger)(nil)

// Ledger 账本：保存区块、执行交易，并在每个区块持久化后通知共识
type Ledger struct {
	mtx   sync.RWMutex
	state State

	config     *cfg.DBFTConfig
	maxTxBytes int

	exec       BlockExecutor
	blockStore *store.BlockStore
	kv         *store.KVStore
	mempool    mempool.Mempool

	cbMtx     sync.RWMutex
	callbacks []func(*types.Block)

	logger log.Logger
}

// NewLedger 从stateStore恢复状态，数据库为空时用genDoc初始化
func NewLedger(
	config *cfg.DBFTConfig,
	maxTxBytes int,
	genDoc *types.GenesisDoc,
	stateStore Store,
	blockStore *store.BlockStore,
	kv *store.KVStore,
	logger log.Logger,
) (*Ledger, error) {
	state, err := LoadStateFromDBOrGenesisDoc(stateStore, blockStore, kv, genDoc)
	if err != nil {
		return nil, err
	}
	if state.ChainID != genDoc.ChainID {
		return nil, fmt.Errorf("state chain id %s does not match genesis %s", state.ChainID, genDoc.ChainID)
	}
	if blockStore.Height() != state.LastBlockHeight {
		return nil, fmt.Errorf("block store height %d does not match state height %d",
			blockStore.Height(), state.LastBlockHeight)
	}

	exec := NewBlockExecutor(kv, blockStore, stateStore)
	exec.SetLogger(logger)
	return &Ledger{
		state:      state,
		config:     config,
		maxTxBytes: maxTxBytes,
		exec:       exec,
		blockStore: blockStore,
		kv:         kv,
		logger:     logger,
	}, nil
}

// LoadStateFromDBOrGenesisDoc 数据库中没有状态时保存创世区块、创建创世账户
func LoadStateFromDBOrGenesisDoc(
	stateStore Store,
	blockStore *store.BlockStore,
	kv *store.KVStore,
	genDoc *types.GenesisDoc,
) (State, error) {
	state, err := stateStore.Load()
	if err != nil {
		return State{}, err
	}
	if !state.IsEmpty() {
		return state, nil
	}

	state, genesis, err := MakeGenesisState(genDoc)
	if err != nil {
		return State{}, err
	}
	for _, acc := range genDoc.InitialAccounts {
		if err := kv.InitAccount(acc.Name, acc.Saving, acc.Checking); err != nil && !errors.Is(err, store.ErrAccountExists) {
			return State{}, err
		}
	}
	if blockStore.IsEmpty() {
		if err := blockStore.SaveBlock(genesis, nil); err != nil {
			return State{}, err
		}
	}
	if err := stateStore.Save(state); err != nil {
		return State{}, err
	}
	return state, nil
}

func (l *Ledger) SetLogger(logger log.Logger) {
	l.logger = logger
	l.exec.SetLogger(logger)
}

// SetMempool 区块持久化后从mempool中删除已上链的交易
func (l *Ledger) SetMempool(mem mempool.Mempool) {
	l.mempool = mem
}

func (l *Ledger) State() State {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.Copy()
}

func (l *Ledger) ChainID() string {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.ChainID
}

// CurrentHeight implements consensus.Ledger
func (l *Ledger) CurrentHeight() uint32 {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.state.LastBlockHeight
}

// HeaderHeight implements consensus.Ledger
// 区块和区块头一起同步，两者相同
func (l *Ledger) HeaderHeight() uint32 {
	return l.CurrentHeight()
}

// Snapshot implements consensus.Ledger
func (l *Ledger) Snapshot() consensus.Snapshot {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	header := l.state.LastBlockHeader
	return &snapshot{
		header:     &header,
		vals:       l.state.Validators,
		blockStore: l.blockStore,
	}
}

// OnPersistCompleted implements consensus.Ledger
func (l *Ledger) OnPersistCompleted(cb func(*types.Block)) {
	l.cbMtx.Lock()
	defer l.cbMtx.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// CheckPolicy implements consensus.Ledger
// 同时作为mempool的preCheck，不能获取l.mtx
func (l *Ledger) CheckPolicy(tx *types.Tx) error {
	if l.maxTxBytes > 0 && tx.Size() > int64(l.maxTxBytes) {
		return fmt.Errorf("%w: %d > %d", ErrTxTooLarge, tx.Size(), l.maxTxBytes)
	}
	if l.config.IsBlocked(tx.Sender()) {
		return fmt.Errorf("%w: %s", ErrAccountIsBlocked, tx.Sender())
	}
	return nil
}

// GetMaxBlockSize implements consensus.Ledger
func (l *Ledger) GetMaxBlockSize() int64 {
	return l.config.MaxBlockSize
}

// AddBlock implements consensus.Ledger
// 验证、执行并保存区块，然后更新mempool，最后通知回调
func (l *Ledger) AddBlock(block *types.Block) error {
	l.mtx.Lock()
	if err := l.exec.ValidateBlock(l.state, block); err != nil {
		l.mtx.Unlock()
		return err
	}
	newState, err := l.exec.ApplyBlock(l.state, block)
	if err != nil {
		l.mtx.Unlock()
		return err
	}
	l.state = newState
	l.mtx.Unlock()

	if l.mempool != nil {
		l.mempool.Lock()
		if err := l.mempool.Update(block.Index(), block.Txs); err != nil {
			l.logger.Error("failed to update mempool", "height", block.Index(), "err", err)
		}
		l.mempool.Unlock()
	}

	l.cbMtx.RLock()
	cbs := append([]func(*types.Block){}, l.callbacks...)
	l.cbMtx.RUnlock()
	for _, cb := range cbs {
		cb(block)
	}
	return nil
}

// LoadBlock 返回nil表示没有这个高度的区块
func (l *Ledger) LoadBlock(height uint32) *types.Block {
	return l.blockStore.LoadBlock(height)
}

func (l *Ledger) LoadTxResults(height uint32) []store.TxResult {
	return l.blockStore.LoadTxResults(height)
}

func (l *Ledger) GetAccount(name string) (*store.Account, error) {
	return l.kv.GetAccount(name)
}

//-----------------------------------------------------------------------------

type snapshot struct {
	header     *types.Header
	vals       *types.ValidatorSet
	blockStore *store.BlockStore
}

func (s *snapshot) CurrentHeader() *types.Header    { return s.header }
func (s *snapshot) Validators() *types.ValidatorSet { return s.vals }

// ContainsTransaction 交易索引只增不减，快照之后上链的交易也会被看到
func (s *snapshot) ContainsTransaction(hash tmbytes.HexBytes) bool {
	return s.blockStore.HasTx(hash)
}
