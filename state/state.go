package state

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"dbft_node/types"
)

// State 账本最新的状态
// 只保存下一个区块需要的信息，区块本身在BlockStore中
type State struct {
	// 初始设定值 const value
	ChainID    string              `json:"chain_id"`
	Validators *types.ValidatorSet `json:"validators"`

	// 最后提交的区块的信息
	LastBlockHeight uint32       `json:"last_block_height"`
	LastBlockHeader types.Header `json:"last_block_header"`
	LastBlockTime   time.Time    `json:"last_block_time"` // 本地提交的物理时间

	// 最后提交区块的交易执行结果的hash
	LastResultsHash tmbytes.HexBytes `json:"last_results_hash"`
}

// MakeGenesisState 由创世文件得到初始状态和创世区块
func MakeGenesisState(genDoc *types.GenesisDoc) (State, *types.Block, error) {
	if err := genDoc.ValidateAndComplete(); err != nil {
		return State{}, nil, fmt.Errorf("error in genesis file: %w", err)
	}
	vals := genDoc.ValidatorSet()
	genesis := types.MakeGenesisBlock(genDoc.GenesisTime, vals)
	return State{
		ChainID:         genDoc.ChainID,
		Validators:      vals,
		LastBlockHeight: 0,
		LastBlockHeader: genesis.Header,
		LastBlockTime:   genDoc.GenesisTime,
	}, genesis, nil
}

// Copy 返回当前state的拷贝副本
func (state State) Copy() State {
	return State{
		ChainID:         state.ChainID,
		Validators:      state.Validators.Copy(),
		LastBlockHeight: state.LastBlockHeight,
		LastBlockHeader: state.LastBlockHeader,
		LastBlockTime:   state.LastBlockTime,
		LastResultsHash: append(tmbytes.HexBytes{}, state.LastResultsHash...),
	}
}

// IsEmpty 还没有初始化的状态
func (state State) IsEmpty() bool {
	return state.Validators == nil
}

// LastBlockHash 最后提交的区块的hash
func (state State) LastBlockHash() tmbytes.HexBytes {
	return state.LastBlockHeader.Hash()
}

func (state State) String() string {
	return fmt.Sprintf("State{%s #%d %X}", state.ChainID, state.LastBlockHeight, []byte(state.LastBlockHash()))
}
