package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tm-db/memdb"

	"dbft_node/types"
)

func makeTestBlock(prev *types.Block, txs ...*types.Tx) *types.Block {
	return &types.Block{
		Header: types.Header{
			Version:    types.BlockVersion,
			PrevHash:   prev.Hash(),
			MerkleRoot: types.Txs(txs).Hash(),
			Timestamp:  prev.Header.Timestamp + 1,
			Index:      prev.Index() + 1,
		},
		Txs: txs,
	}
}

func TestBlockStoreSaveLoad(t *testing.T) {
	db := memdb.NewDB()
	bs := NewBlockStore(db)
	assert.True(t, bs.IsEmpty())
	assert.Nil(t, bs.LoadBlock(0))

	vals, _ := types.DeterministicValidatorSet(4)
	genesis := types.MakeGenesisBlock(time.Unix(1600000000, 0), vals)
	require.NoError(t, bs.SaveBlock(genesis, nil))
	assert.False(t, bs.IsEmpty())
	assert.EqualValues(t, 0, bs.Height())

	txs := []*types.Tx{
		types.NewTx(types.SBDepositCheckingTx, 1, "tom", "1"),
		types.NewTx(types.SBBalanceTx, 2, "tom"),
	}
	block := makeTestBlock(genesis, txs...)
	results := []TxResult{{Hash: txs[0].Hash()}, {Hash: txs[1].Hash(), Error: "boom"}}
	require.NoError(t, bs.SaveBlock(block, results))
	assert.EqualValues(t, 1, bs.Height())

	loaded := bs.LoadBlock(1)
	require.NotNil(t, loaded)
	assert.Equal(t, block.Hash(), loaded.Hash())
	assert.Equal(t, types.Txs(txs).Hashes(), loaded.Txs.Hashes())
	assert.Equal(t, block.Hash(), bs.LoadBlockByHash(block.Hash()).Hash())
	assert.Nil(t, bs.LoadBlockByHash([]byte("nope")))

	height, ok := bs.LoadTxHeight(txs[1].Hash())
	assert.True(t, ok)
	assert.EqualValues(t, 1, height)
	assert.False(t, bs.HasTx(types.NewTx(types.SBBalanceTx, 3, "tom").Hash()))
	assert.Equal(t, results, bs.LoadTxResults(1))

	// 不连续的区块
	gap := makeTestBlock(makeTestBlock(block))
	assert.Error(t, bs.SaveBlock(gap, nil))

	// 重新打开时恢复高度
	reopened := NewBlockStore(db)
	assert.EqualValues(t, 1, reopened.Height())
	assert.False(t, reopened.IsEmpty())
}
