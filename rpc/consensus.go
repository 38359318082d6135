package rpc

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstype "dbft_node/consensus/types"
	"dbft_node/libs/utils"
	"dbft_node/store"
	"dbft_node/types"
)

// ResultConsensusState consensus_state的结果
type ResultConsensusState struct {
	RoundState *cstype.RoundState `json:"round_state"`
}

func ConsensusState(ctx *rpctypes.Context) (*ResultConsensusState, error) {
	return &ResultConsensusState{RoundState: env.Consensus.GetRoundState()}, nil
}

// ResultStatus 节点的链上状态
type ResultStatus struct {
	ChainID           string           `json:"chain_id"`
	LatestBlockHeight uint32           `json:"latest_block_height"`
	LatestBlockHash   tmbytes.HexBytes `json:"latest_block_hash"`
	LatestBlockTime   time.Time        `json:"latest_block_time"`
	LatestResultsHash tmbytes.HexBytes `json:"latest_results_hash"`
	Validators        int              `json:"validators"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	s := env.Ledger.State()
	return &ResultStatus{
		ChainID:           s.ChainID,
		LatestBlockHeight: s.LastBlockHeight,
		LatestBlockHash:   s.LastBlockHash(),
		LatestBlockTime:   s.LastBlockHeader.Time(),
		LatestResultsHash: s.LastResultsHash,
		Validators:        s.Validators.Size(),
	}, nil
}

// ResultBlock block的结果，附带交易从发出到出块的延迟统计
type ResultBlock struct {
	Block     *types.Block     `json:"block"`
	TxResults []store.TxResult `json:"tx_results"`
	ResultLatency
}

// ResultLatency 单位为秒
type ResultLatency struct {
	TxNum         int     `json:"tx_num"`
	MaxLatency    float64 `json:"max_tx_latency"`
	MinLatency    float64 `json:"min_tx_latency"`
	MedianLatency float64 `json:"median_tx_latency"`
	AvgLatency    float64 `json:"avg_tx_latency"`
}

// Block height为空时返回最新的区块
func Block(ctx *rpctypes.Context, heightPtr *int64) (*ResultBlock, error) {
	latest := env.Ledger.State().LastBlockHeight
	height := int64(latest)
	if heightPtr != nil {
		height = *heightPtr
	}
	if height < 0 || height > int64(latest) {
		return nil, fmt.Errorf("height %d must be in [0, %d]", height, latest)
	}

	block := env.Ledger.LoadBlock(uint32(height))
	if block == nil {
		return nil, fmt.Errorf("block %d not found", height)
	}
	return &ResultBlock{
		Block:         block,
		TxResults:     env.Ledger.LoadTxResults(uint32(height)),
		ResultLatency: blockLatency(block),
	}, nil
}

func blockLatency(block *types.Block) ResultLatency {
	blockTime := block.Header.Time().UnixNano()
	latency := make([]float64, 0, len(block.Txs))
	for _, tx := range block.Txs {
		if d := blockTime - tx.TxSendTimestamp; d > 0 && tx.TxSendTimestamp > 0 {
			latency = append(latency, float64(d)/1e9)
		}
	}
	s := utils.Summarize(latency)
	return ResultLatency{
		TxNum:         s.Count,
		MaxLatency:    s.Max,
		MinLatency:    s.Min,
		MedianLatency: s.Median,
		AvgLatency:    s.Avg,
	}
}
