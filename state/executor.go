package state

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"dbft_node/store"
	"dbft_node/types"
)

var (
	ErrBlockExists = errors.New("block already exists")
)

// ErrInvalidBlock 区块不满足当前状态
type ErrInvalidBlock struct {
	Height uint32
	Err    error
}

func (e ErrInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block %d: %v", e.Height, e.Err)
}

func (e ErrInvalidBlock) Unwrap() error {
	return e.Err
}

// BlockExecutor 验证并执行区块
type BlockExecutor interface {
	// ValidateBlock 验证区块是否可以接在state之后
	ValidateBlock(state State, block *types.Block) error

	// ApplyBlock 执行并保存一个已经验证的区块，返回新的state
	// 返回的error包装了types.ErrOnPersistFailed时，账本已经不一致
	ApplyBlock(state State, block *types.Block) (State, error)

	SetLogger(logger log.Logger)
}

func NewBlockExecutor(kv *store.KVStore, blockStore *store.BlockStore, stateStore Store) BlockExecutor {
	return &blockExecutor{
		kv:         kv,
		blockStore: blockStore,
		stateStore: stateStore,
		logger:     log.NewNopLogger(),
	}
}

type blockExecutor struct {
	kv         *store.KVStore
	blockStore *store.BlockStore
	stateStore Store

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// ValidateBlock implements BlockExecutor
func (exec *blockExecutor) ValidateBlock(state State, block *types.Block) error {
	if block == nil {
		return ErrInvalidBlock{Err: errors.New("nil block")}
	}
	height := block.Index()
	if height <= state.LastBlockHeight {
		return ErrBlockExists
	}
	if height != state.LastBlockHeight+1 {
		return ErrInvalidBlock{height, fmt.Errorf("expected height %d", state.LastBlockHeight+1)}
	}

	// 先检验区块基本的信息是否正确
	if err := block.ValidateBasic(); err != nil {
		return ErrInvalidBlock{height, err}
	}
	if !bytes.Equal(block.Header.PrevHash, state.LastBlockHash()) {
		return ErrInvalidBlock{height, errors.New("prev hash mismatch")}
	}
	if block.Header.Timestamp <= state.LastBlockHeader.Timestamp {
		return ErrInvalidBlock{height, errors.New("timestamp is not increasing")}
	}
	if !bytes.Equal(block.Header.NextConsensus, state.Validators.Hash()) {
		return ErrInvalidBlock{height, errors.New("next consensus mismatch")}
	}
	if int(block.Header.PrimaryIndex) >= state.Validators.Size() {
		return ErrInvalidBlock{height, fmt.Errorf("primary index %d out of range", block.Header.PrimaryIndex)}
	}
	for _, tx := range block.Txs {
		if exec.blockStore.HasTx(tx.Hash()) {
			return ErrInvalidBlock{height, fmt.Errorf("tx %X already on chain", []byte(tx.Hash()))}
		}
	}
	if err := block.Witness.Verify(state.Validators, block.Hash()); err != nil {
		return ErrInvalidBlock{height, err}
	}
	return nil
}

// ApplyBlock implements BlockExecutor
// 执行交易，保存区块，最后保存state
func (exec *blockExecutor) ApplyBlock(state State, block *types.Block) (State, error) {
	results, err := exec.kv.ApplyBlock(block)
	if err != nil {
		return state, fmt.Errorf("%w: exec block %d: %v", types.ErrOnPersistFailed, block.Index(), err)
	}
	if err := exec.blockStore.SaveBlock(block, results); err != nil {
		return state, fmt.Errorf("%w: save block %d: %v", types.ErrOnPersistFailed, block.Index(), err)
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}

	newState := state.Copy()
	newState.LastBlockHeight = block.Index()
	newState.LastBlockHeader = block.Header
	newState.LastBlockTime = time.Now()
	newState.LastResultsHash = store.ResultsHash(results)
	if err := exec.stateStore.Save(newState); err != nil {
		return state, fmt.Errorf("%w: save state %d: %v", types.ErrOnPersistFailed, block.Index(), err)
	}

	exec.logger.Info("Committed block", "height", block.Index(), "hash", block.Hash(),
		"txs", len(block.Txs), "failed", failed)
	return newState, nil
}
