package mempool

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"dbft_node/types"
)

type cleanupFunc func()

// ----- utility func -----

func newMempool(options ...ListMempoolOption) (*ListMempool, cleanupFunc) {
	return newMempoolWithConfig(cfg.ResetTestRoot("mempool_test"), options...)
}

func newMempoolWithConfig(config *cfg.Config, options ...ListMempoolOption) (*ListMempool, cleanupFunc) {
	mempool := NewListMempool(config.Mempool, 0, options...)
	mempool.SetLogger(log.TestingLogger())
	return mempool, func() { os.RemoveAll(config.RootDir) }
}

func randTx() *types.Tx {
	return types.NewTx(types.SBDepositCheckingTx, tmrand.Int63(), "acc-"+tmrand.Str(8), "10")
}

// 随机生成一些交易，并对其checktx
func checkTxs(t *testing.T, mempool Mempool, count int, peerID uint16) types.Txs {
	txs := make(types.Txs, count)
	txinfo := TxInfo{
		SenderID: peerID,
	}
	for i := 0; i < count; i++ {
		txs[i] = randTx()
		if err := mempool.CheckTx(txs[i], txinfo); err != nil {
			t.Fatalf("checkTx failed: %v while checking #%d tx", err, i)
		}
	}

	return txs
}

// ----- tests -----

func TestBasicMempool(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	test_Flush(t, mem)
	test_CheckTx(t, mem)
}

func test_Flush(t *testing.T, mem Mempool) {
	txs := checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, 1, mem.Size())
	assert.Equal(t, txs[0].Size(), mem.TxsBytes())

	mem.Flush()
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, int64(0), mem.TxsBytes())

	// flush之后cache也被清空，同一个交易可以再次加入
	require.NoError(t, mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID}))
	mem.Flush()
}

func test_CheckTx(t *testing.T, mem Mempool) {
	tests := []struct {
		numTxsToCreate int
		expectedTxNum  int
	}{
		{0, 0},
		{1, 1},
		{10, 10},
	}

	for index, test := range tests {
		txs := checkTxs(t, mem, test.numTxsToCreate, UnknownPeerID)
		assert.Equal(t, test.expectedTxNum, mem.Size(),
			"[memNum] Got %d, expected %d tc #%d",
			mem.Size(), test.expectedTxNum, index)
		assert.Equal(t, txs.Size(), mem.TxsBytes(),
			"[memBytes] Got %d, expected %d tc #%d",
			mem.TxsBytes(), txs.Size(), index)
		mem.Flush()
	}
}

func TestCheckTxRejects(t *testing.T) {
	blocked := "acc-blocked"
	mem, cleanup := newMempool(SetPreCheck(func(tx *types.Tx) error {
		if tx.Sender() == blocked {
			return errors.New("blocked account")
		}
		return nil
	}))
	defer cleanup()

	// 重复的交易
	txs := checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, ErrTxInMap, mem.CheckTx(txs[0], TxInfo{SenderID: 3}))

	// 过大的交易
	big := types.NewTx(types.SBDepositCheckingTx, 1, strings.Repeat("a", mem.config.MaxTxBytes), "10")
	err := mem.CheckTx(big, TxInfo{})
	var tooLarge ErrTxTooLarge
	if assert.True(t, errors.As(err, &tooLarge)) {
		assert.Equal(t, mem.config.MaxTxBytes, tooLarge.Max)
		assert.EqualValues(t, big.Size(), tooLarge.Actual)
	}

	// 参数错误
	err = mem.CheckTx(types.NewTx(types.SBDepositCheckingTx, 1, "acc"), TxInfo{})
	assert.True(t, errors.Is(err, types.ErrTxArgs))

	// 策略拒绝
	err = mem.CheckTx(types.NewTx(types.SBDepositCheckingTx, 1, blocked, "10"), TxInfo{})
	assert.True(t, IsPreCheckError(err))

	assert.Equal(t, 1, mem.Size())
}

func TestMempoolIsFull(t *testing.T) {
	config := cfg.ResetTestRoot("mempool_test")
	config.Mempool.Size = 2
	mem, cleanup := newMempoolWithConfig(config)
	defer cleanup()

	checkTxs(t, mem, 2, UnknownPeerID)
	err := mem.CheckTx(randTx(), TxInfo{})
	var full ErrMempoolIsFull
	require.True(t, errors.As(err, &full))
	assert.Equal(t, 2, full.NumTxs)
	assert.Equal(t, 2, full.MaxTxs)
}

func TestReapMaxTxs(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	tests := []struct {
		numTxsToCreate int
		max            int
		expectedNumTxs int
	}{
		{20, -1, 20},
		{20, 0, 0},
		{20, 7, 7},
		{20, 20, 20},
		{20, 30, 20},
	}

	for index, test := range tests {
		txs := checkTxs(t, mem, test.numTxsToCreate, UnknownPeerID)
		reaped := mem.ReapMaxTxs(test.max)
		assert.Equal(t, test.expectedNumTxs, len(reaped),
			"Got %v tx, expected %d, tc #%d",
			len(reaped), test.expectedNumTxs, index)
		// 按到达顺序
		assert.Equal(t, txs[:len(reaped)], reaped)
		assert.Equal(t, test.numTxsToCreate, mem.Size(), "reap must not remove txs")
		mem.Flush()
	}
}

func TestTryGetValue(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 3, UnknownPeerID)
	for _, tx := range txs {
		got, ok := mem.TryGetValue(tx.Hash())
		require.True(t, ok)
		assert.Same(t, tx, got)
	}

	_, ok := mem.TryGetValue(randTx().Hash())
	assert.False(t, ok)
	_, ok = mem.TryGetValue([]byte{0x01})
	assert.False(t, ok)

	assert.Equal(t, txs, types.Txs(mem.GetVerifiedTransactions()))
}

func TestUpdate(t *testing.T) {
	var rejected string
	mem, cleanup := newMempool(SetPreCheck(func(tx *types.Tx) error {
		if tx.Sender() == rejected {
			return errors.New("rejected")
		}
		return nil
	}))
	defer cleanup()

	txs := checkTxs(t, mem, 4, UnknownPeerID)

	// 上链的交易被删除，并且不能再次加入
	mem.Lock()
	require.NoError(t, mem.Update(1, txs[:2]))
	mem.Unlock()
	assert.EqualValues(t, 1, mem.Height())
	assert.Equal(t, txs[2:], mem.ReapMaxTxs(-1))
	assert.Equal(t, ErrTxInCache, mem.CheckTx(txs[0], TxInfo{}))

	// 不再满足策略的交易被重新检查后删除
	rejected = txs[3].Sender()
	mem.Lock()
	require.NoError(t, mem.Update(2, nil))
	mem.Unlock()
	assert.Equal(t, txs[2:3], mem.ReapMaxTxs(-1))
	assert.Equal(t, txs[2].Size(), mem.TxsBytes())

	// 被删除的交易移出了cache，策略恢复后可以重新提交
	rejected = ""
	assert.NoError(t, mem.CheckTx(txs[3], TxInfo{}))
}

func TestNewTxCallback(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	var got types.Txs
	mem.SetNewTxCallback(func(tx *types.Tx) { got = append(got, tx) })

	txs := checkTxs(t, mem, 3, UnknownPeerID)
	// 重复的交易不会通知
	_ = mem.CheckTx(txs[0], TxInfo{SenderID: 2})
	assert.Equal(t, txs, got)

	mem.Resubmit(txs)
	assert.Equal(t, txs, got)
}

func TestMapTxCacheEviction(t *testing.T) {
	cache := newMapTxCache(2)
	a, b, c := TxKey(randTx()), TxKey(randTx()), TxKey(randTx())

	assert.True(t, cache.Push(a))
	assert.True(t, cache.Push(b))
	assert.False(t, cache.Push(a)) // a移到队尾
	assert.True(t, cache.Push(c))  // 淘汰b

	assert.False(t, cache.Push(a))
	assert.True(t, cache.Push(b))

	cache.Remove(c)
	cache.Reset()
	assert.True(t, cache.Push(c))
}

func TestMempoolMetric(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 2, UnknownPeerID)
	mem.Lock()
	require.NoError(t, mem.Update(5, txs[:1]))
	mem.Unlock()

	js := mem.Metric().JSONString()
	assert.Contains(t, js, `"txs_num":1`)
	assert.Contains(t, js, `"height":5`)
}
