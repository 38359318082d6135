package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tm-db/memdb"

	cfg "dbft_node/config"
	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

func newTestContext(t *testing.T, n, index int, config *cfg.DBFTConfig, txs ...*types.Tx) (*ConsensusContext, *testLedger, []types.PrivValidator) {
	vals, privs := types.DeterministicValidatorSet(n)
	ledger := newTestLedger(vals)
	ctx := NewConsensusContext(config, privs[index], ledger, newTestTxSource(txs...), memdb.NewDB())
	ctx.Reset(0)
	require.Equal(t, index, ctx.MyIndex)
	return ctx, ledger, privs
}

func TestContextReset(t *testing.T) {
	ctx, ledger, _ := newTestContext(t, 4, 2, cfg.TestDBFTConfig())

	assert.EqualValues(t, 1, ctx.BlockIndex)
	assert.Equal(t, ledger.block(0).Hash(), ctx.PrevHash)
	assert.EqualValues(t, 1, ctx.PrimaryIndex)
	assert.Equal(t, 1, ctx.F())
	assert.Equal(t, 3, ctx.M())
	assert.True(t, ctx.IsBackup())
	assert.False(t, ctx.RequestSentOrReceived())
	assert.Nil(t, ctx.EnsureHeader())
	assert.Len(t, ctx.LastSeenMessage, 4)

	ctx.Reset(3)
	assert.EqualValues(t, 3, ctx.ViewNumber)
	assert.EqualValues(t, 2, ctx.PrimaryIndex) // (1 - 3) mod 4
	assert.True(t, ctx.IsPrimary())
}

func TestMakePrepareRequestLimits(t *testing.T) {
	txs := makeTestTxs(10)
	txs = append(txs, txs[0]) // 重复交易

	config := cfg.TestDBFTConfig()
	config.MaxTransactionsPerBlock = 5
	ctx, ledger, _ := newTestContext(t, 4, 1, config, txs...)
	ledger.blocked[txs[1].Sender()] = true

	p, err := ctx.MakePrepareRequest()
	require.NoError(t, err)
	req := p.PrepareRequest()
	require.NotNil(t, req)

	want := types.Txs{txs[0], txs[2], txs[3], txs[4], txs[5]}.Hashes()
	assert.Equal(t, want, req.TransactionHashes)
	assert.Greater(t, req.Timestamp, ledger.block(0).Header.Timestamp)
	assert.True(t, ctx.RequestSentOrReceived())
	assert.True(t, ctx.HasAllTransactions())

	// 区块大小上限
	ctx.Reset(0)
	ledger.maxBlockSize = types.ExpectedBlockSize(4, types.Txs{txs[0], txs[2]})
	p, err = ctx.MakePrepareRequest()
	require.NoError(t, err)
	assert.Len(t, p.PrepareRequest().TransactionHashes, 2)
	assert.LessOrEqual(t, ctx.GetExpectedBlockSize(), ledger.maxBlockSize)
}

func TestMakePrepareRequestWatchOnly(t *testing.T) {
	vals, _ := types.DeterministicValidatorSet(4)
	ctx := NewConsensusContext(cfg.TestDBFTConfig(), types.NewMockPV(), newTestLedger(vals), newTestTxSource(), memdb.NewDB())
	ctx.Reset(0)
	assert.True(t, ctx.WatchOnly())
	_, err := ctx.MakePrepareRequest()
	assert.Error(t, err)
}

func TestMakeCommitIsIdempotent(t *testing.T) {
	ctx, _, _ := newTestContext(t, 4, 1, cfg.TestDBFTConfig())
	_, err := ctx.MakeCommit()
	require.Error(t, err, "no proposal yet")

	_, err = ctx.MakePrepareRequest()
	require.NoError(t, err)
	first, err := ctx.MakeCommit()
	require.NoError(t, err)
	second, err := ctx.MakeCommit()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, ctx.CommitSent())

	_, val := ctx.Validators.GetByIndex(1)
	assert.NoError(t, val.BLSPubKey.Verify(ctx.EnsureHeader().Hash(), first.Commit().Signature))
}

func TestContextSaveLoad(t *testing.T) {
	txs := makeTestTxs(3)
	config := cfg.TestDBFTConfig()
	vals, privs := types.DeterministicValidatorSet(4)
	ledger := newTestLedger(vals)
	db := memdb.NewDB()

	ctx := NewConsensusContext(config, privs[1], ledger, newTestTxSource(txs...), db)
	ctx.Reset(0)
	_, err := ctx.MakePrepareRequest()
	require.NoError(t, err)
	commit, err := ctx.MakeCommit()
	require.NoError(t, err)
	require.NoError(t, ctx.Save())

	restored := NewConsensusContext(config, privs[1], ledger, newTestTxSource(), db)
	ok, err := restored.Load()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, ctx.BlockIndex, restored.BlockIndex)
	assert.Equal(t, ctx.ViewNumber, restored.ViewNumber)
	assert.Equal(t, ctx.Timestamp, restored.Timestamp)
	assert.Equal(t, ctx.Nonce, restored.Nonce)
	assert.Equal(t, ctx.TransactionHashes, restored.TransactionHashes)
	assert.Equal(t, types.Txs(txs).Hashes(), types.Txs(restored.LoadedTransactions()).Hashes())
	assert.True(t, restored.CommitSent())
	assert.Equal(t, commit.Hash(), restored.CommitPayloads[1].Hash())
	assert.Equal(t, ctx.EnsureHeader().Hash(), restored.EnsureHeader().Hash())

	// 账本前进之后保存的上下文作废
	block, err := commitWithQuorum(t, ctx, privs)
	require.NoError(t, err)
	require.NoError(t, ledger.AddBlock(block))

	stale := NewConsensusContext(config, privs[1], ledger, newTestTxSource(), db)
	ok, err = stale.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 2, stale.BlockIndex)
}

func TestContextLoadEmpty(t *testing.T) {
	ctx, _, _ := newTestContext(t, 4, 0, cfg.TestDBFTConfig())
	ok, err := ctx.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMostCommonPreparationHash(t *testing.T) {
	ctx, _, privs := newTestContext(t, 4, 0, cfg.TestDBFTConfig())
	assert.Nil(t, ctx.mostCommonPreparationHash())

	hashA := tmbytes.HexBytes(types.Txs(makeTestTxs(1)).Hash())
	hashB := tmbytes.HexBytes(types.Txs(makeTestTxs(2)).Hash())
	respond := func(index int, hash tmbytes.HexBytes) {
		p := &cstype.ConsensusPayload{
			Version:        ctx.Version,
			PrevHash:       ctx.PrevHash,
			BlockIndex:     ctx.BlockIndex,
			ValidatorIndex: uint16(index),
			Data:           &cstype.PrepareResponse{PreparationHash: hash},
		}
		require.NoError(t, p.Sign(privs[index]))
		ctx.PreparationPayloads[index] = p
	}
	respond(0, hashB)
	respond(2, hashA)
	respond(3, hashA)
	assert.Equal(t, hashA, ctx.mostCommonPreparationHash())

	// 不知道提案时恢复消息只带hash
	p, err := ctx.MakeRecoveryMessage()
	require.NoError(t, err)
	msg := p.RecoveryMessage()
	assert.Nil(t, msg.PrepareRequestMessage)
	assert.Equal(t, hashA, msg.PreparationHash)
	assert.Len(t, msg.PreparationMessages, 3)
	assert.Empty(t, msg.CommitMessages)
}

func TestRecoveryMessageCarriesChangeViews(t *testing.T) {
	ctx, _, _ := newTestContext(t, 4, 0, cfg.TestDBFTConfig())
	_, err := ctx.MakeChangeView(cstype.ReasonTimeout, 1)
	require.NoError(t, err)
	assert.True(t, ctx.ViewChanging())
	assert.True(t, ctx.NotAcceptingPayloadsDueToViewChanging())

	ctx.Reset(1)
	p, err := ctx.MakeRecoveryMessage()
	require.NoError(t, err)
	msg := p.RecoveryMessage()
	require.Len(t, msg.ChangeViewMessages, 1)
	rebuilt := msg.ChangeViewPayloads(p)
	require.Len(t, rebuilt, 1)
	assert.Equal(t, ctx.LastChangeViewPayloads[0].Hash(), rebuilt[0].Hash())
}

// commitWithQuorum 补齐M个Commit，组装出可以被账本接受的区块
func commitWithQuorum(t *testing.T, c *ConsensusContext, privs []types.PrivValidator) (*types.Block, error) {
	hash := c.EnsureHeader().Hash()
	for i := 0; i < c.M(); i++ {
		if c.CommitPayloads[i] != nil {
			continue
		}
		sig, err := privs[i].SignBlock(hash)
		require.NoError(t, err)
		p := &cstype.ConsensusPayload{
			Version:        c.Version,
			PrevHash:       c.PrevHash,
			BlockIndex:     c.BlockIndex,
			ValidatorIndex: uint16(i),
			Data:           &cstype.Commit{ViewNumber: c.ViewNumber, Signature: sig},
		}
		require.NoError(t, p.Sign(privs[i]))
		c.CommitPayloads[i] = p
	}
	return c.CreateBlock()
}

// 空提案重启后仍然是已知的提案
func TestContextSaveLoadEmptyProposal(t *testing.T) {
	config := cfg.TestDBFTConfig()
	vals, privs := types.DeterministicValidatorSet(4)
	ledger := newTestLedger(vals)
	db := memdb.NewDB()

	ctx := NewConsensusContext(config, privs[1], ledger, newTestTxSource(), db)
	ctx.Reset(0)
	request, err := ctx.MakePrepareRequest()
	require.NoError(t, err)
	require.Empty(t, ctx.TransactionHashes)
	_, err = ctx.MakeCommit()
	require.NoError(t, err)
	require.NoError(t, ctx.Save())

	restored := NewConsensusContext(config, privs[1], ledger, newTestTxSource(), db)
	ok, err := restored.Load()
	require.NoError(t, err)
	require.True(t, ok)

	assert.NotNil(t, restored.TransactionHashes)
	assert.Empty(t, restored.TransactionHashes)
	assert.True(t, restored.HasAllTransactions())
	require.NotNil(t, restored.EnsureHeader())
	assert.Equal(t, ctx.EnsureHeader().Hash(), restored.EnsureHeader().Hash())
	assert.Equal(t, request.Hash(), restored.PreparationPayloads[1].Hash())

	p, err := restored.MakeRecoveryMessage()
	require.NoError(t, err)
	msg := p.RecoveryMessage()
	require.NotNil(t, msg.PrepareRequestMessage)
	rebuilt := msg.PrepareRequestPayload(p, restored.PrimaryIndex)
	require.NotNil(t, rebuilt)
	assert.Equal(t, request.Hash(), rebuilt.Hash())

	block, err := commitWithQuorum(t, restored, privs)
	require.NoError(t, err)
	assert.NoError(t, ledger.AddBlock(block))
}
