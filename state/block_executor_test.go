package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbft_node/types"
)

func TestValidateBlock(t *testing.T) {
	env := newTestLedgerEnv(t, types.GenesisAccount{Name: "tom", Checking: 10})
	tx := types.NewTx(types.SBDepositCheckingTx, 1, "tom", "5")

	testCases := []struct {
		name     string
		malleate func(b *types.Block)
		resign   bool
		signers  int
		wantErr  error
	}{
		{"valid", func(b *types.Block) {}, false, 3, nil},
		{"not enough signers", func(b *types.Block) {}, false, 2, nil},
		{"old height", func(b *types.Block) { b.Header.Index = 0 }, true, 3, ErrBlockExists},
		{"future height", func(b *types.Block) { b.Header.Index = 5 }, true, 3, nil},
		{"prev hash", func(b *types.Block) { b.Header.PrevHash = tx.Hash() }, true, 3, nil},
		{"merkle root", func(b *types.Block) { b.Header.MerkleRoot = tx.Hash() }, true, 3, types.ErrMerkleRootMismatch},
		{"timestamp", func(b *types.Block) { b.Header.Timestamp = 1 }, true, 3, nil},
		{"next consensus", func(b *types.Block) { b.Header.NextConsensus = tx.Hash() }, true, 3, nil},
		{"primary index", func(b *types.Block) { b.Header.PrimaryIndex = 9 }, true, 3, nil},
		{"witness over other header", func(b *types.Block) { b.Header.Nonce++ }, false, 3, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			block := env.nextBlock(t, tc.signers, tx)
			tc.malleate(block)
			if tc.resign {
				signBlock(t, block, env.privs[:tc.signers], 4)
			}
			err := env.ledger.exec.ValidateBlock(env.ledger.State(), block)
			if tc.name == "valid" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
			}
			if !errors.Is(err, ErrBlockExists) {
				var invalid ErrInvalidBlock
				assert.True(t, errors.As(err, &invalid), "got %v", err)
			}
		})
	}
}

func TestValidateBlockRejectsTxOnChain(t *testing.T) {
	env := newTestLedgerEnv(t, types.GenesisAccount{Name: "tom", Checking: 10})
	tx := types.NewTx(types.SBDepositCheckingTx, 1, "tom", "5")

	require.NoError(t, env.ledger.AddBlock(env.nextBlock(t, 3, tx)))

	err := env.ledger.AddBlock(env.nextBlock(t, 3, tx))
	var invalid ErrInvalidBlock
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.EqualValues(t, 2, invalid.Height)
}

func TestApplyBlock(t *testing.T) {
	env := newTestLedgerEnv(t, types.GenesisAccount{Name: "tom", Saving: 1, Checking: 10})
	txs := []*types.Tx{
		types.NewTx(types.SBDepositCheckingTx, 1, "tom", "5"),
		types.NewTx(types.SBDepositCheckingTx, 2, "nobody", "5"),
	}
	block := env.nextBlock(t, 3, txs...)

	before := env.ledger.State()
	newState, err := env.ledger.exec.ApplyBlock(before, block)
	require.NoError(t, err)

	assert.EqualValues(t, 1, newState.LastBlockHeight)
	assert.Equal(t, block.Hash(), newState.LastBlockHash())
	assert.NotEmpty(t, newState.LastResultsHash)
	assert.EqualValues(t, 0, before.LastBlockHeight, "input state must not change")

	// 区块、交易结果和state都已经持久化
	saved, err := NewStore(env.stateDB).Load()
	require.NoError(t, err)
	assert.Equal(t, newState.LastBlockHash(), saved.LastBlockHash())
	assert.Equal(t, block.Hash(), env.ledger.LoadBlock(1).Hash())
	results := env.ledger.LoadTxResults(1)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)

	acc, err := env.ledger.GetAccount("tom")
	require.NoError(t, err)
	assert.Equal(t, 15, acc.Checking)
}
