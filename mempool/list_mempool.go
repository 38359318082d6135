package mempool

import (
	"container/list"
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"dbft_node/libs/metric"
	"dbft_node/types"
)

const (
	TxKeySize = 32
)

var _ Mempool = (*ListMempool)(nil)

func NewListMempool(config *cfg.MempoolConfig, height uint32, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height,
		config: config,
		txs:    clist.New(),
		logger: log.NewNopLogger(),
		metric: newMemMetric(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool 按到达顺序保存交易
// 共识从这里选交易打包，备份节点从这里查找提案引用的交易
type ListMempool struct {
	// Atomic integers
	height   uint32 // the last block Update()'d to
	txsBytes int64  // total size of mempool, in bytes

	config *cfg.MempoolConfig

	updateMtx tmsync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // TxKey -> *clist.CElement

	// Keep a cache of already-seen txs.
	cache txCache

	// 新交易通知共识
	cbMtx   sync.RWMutex
	onNewTx func(*types.Tx)

	metric *memMetric
	logger log.Logger
}

type ListMempoolOption func(mem *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// SetNewTxCallback cb在每个新交易加入mempool后调用，不能阻塞
func (mem *ListMempool) SetNewTxCallback(cb func(*types.Tx)) {
	mem.cbMtx.Lock()
	defer mem.cbMtx.Unlock()
	mem.onNewTx = cb
}

func (mem *ListMempool) CheckTx(tx *types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	txSize := int(tx.Size())
	if txSize > mem.config.MaxTxBytes {
		return ErrTxTooLarge{mem.config.MaxTxBytes, txSize}
	}
	if err := mem.isFull(txSize); err != nil {
		return err
	}
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return ErrPreCheck{err}
		}
	}

	key := TxKey(tx)
	if !mem.cache.Push(key) {
		// 记录新的sender，避免把交易发回给它
		if e, ok := mem.txsMap.Load(key); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txInfo.SenderID, struct{}{})
			return ErrTxInMap
		}
		return ErrTxInCache
	}
	if _, ok := mem.txsMap.Load(key); ok {
		return ErrTxInMap
	}

	memTx := &mempoolTx{
		height: mem.Height(),
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, struct{}{})
	mem.addTx(memTx)

	mem.logger.Debug("added tx", "tx", tx.Hash(), "sender", txInfo.SenderP2PID, "total", mem.Size())
	mem.notifyNewTx(tx)
	return nil
}

func (mem *ListMempool) notifyNewTx(tx *types.Tx) {
	mem.cbMtx.RLock()
	cb := mem.onNewTx
	mem.cbMtx.RUnlock()
	if cb != nil {
		cb(tx)
	}
}

func (mem *ListMempool) isFull(txSize int) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)
	if memSize >= mem.config.Size || int64(txSize)+txsBytes > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			memSize, mem.config.Size,
			txsBytes, mem.config.MaxTxsBytes,
		}
	}
	return nil
}

// ReapMaxTxs 按到达顺序取出最多max个交易，不会从mempool中删除
func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, tmMin(mem.txs.Len(), max))
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		txs = append(txs, e.Value.(*mempoolTx).tx)
	}
	return txs
}

// GetVerifiedTransactions 实现共识的TransactionSource
func (mem *ListMempool) GetVerifiedTransactions() []*types.Tx {
	return mem.ReapMaxTxs(-1)
}

// TryGetValue 实现共识的TransactionSource
func (mem *ListMempool) TryGetValue(hash tmbytes.HexBytes) (*types.Tx, bool) {
	var key [TxKeySize]byte
	if len(hash) != TxKeySize {
		return nil, false
	}
	copy(key[:], hash)
	e, ok := mem.txsMap.Load(key)
	if !ok {
		return nil, false
	}
	return e.(*clist.CElement).Value.(*mempoolTx).tx, true
}

// Resubmit 重启时把恢复日志中的交易放回mempool
func (mem *ListMempool) Resubmit(txs []*types.Tx) {
	for _, tx := range txs {
		if err := mem.CheckTx(tx, TxInfo{SenderID: UnknownPeerID}); err != nil {
			mem.logger.Debug("resubmit tx failed", "tx", tx.Hash(), "err", err)
		}
	}
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

// Update 删除已经上链的交易，剩下的交易用preCheck重新检查
// NOTE: caller负责Lock/Unlock
func (mem *ListMempool) Update(height uint32, txs types.Txs) error {
	atomic.StoreUint32(&mem.height, height)

	for _, tx := range txs {
		key := TxKey(tx)
		// 已经上链的交易留在cache中，不会再被加入
		mem.cache.Push(key)
		if e, ok := mem.txsMap.Load(key); ok {
			mem.removeTx(e.(*clist.CElement), key)
		}
	}

	if mem.preCheck != nil {
		for e := mem.txs.Front(); e != nil; {
			next := e.Next()
			memTx := e.Value.(*mempoolTx)
			if err := mem.preCheck(memTx.tx); err != nil {
				key := TxKey(memTx.tx)
				mem.logger.Debug("tx is no longer valid", "tx", memTx.tx.Hash(), "err", err)
				mem.removeTx(e, key)
				mem.cache.Remove(key)
			}
			e = next
		}
	}

	mem.metric.MarkUpdate(height, len(txs), mem.Size(), mem.TxsBytes())
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	mem.metric.MarkSize(0, 0)
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

func (mem *ListMempool) Height() uint32 {
	return atomic.LoadUint32(&mem.height)
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, memTx.tx.Size())
	mem.metric.MarkSize(mem.Size(), mem.TxsBytes())
}

func (mem *ListMempool) removeTx(e *clist.CElement, key [TxKeySize]byte) {
	memTx := e.Value.(*mempoolTx)
	mem.txs.Remove(e)
	e.DetachPrev()
	mem.txsMap.Delete(key)
	atomic.AddInt64(&mem.txsBytes, -memTx.tx.Size())
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// Metric 供metrics RPC注册
func (mem *ListMempool) Metric() metric.MetricItem {
	return mem.metric
}

// ------------------------------

type txCache interface {
	Reset()
	Push(key [TxKeySize]byte) bool
	Remove(key [TxKeySize]byte)
}

// mapTxCache 固定大小的LRU cache
type mapTxCache struct {
	mtx      tmsync.Mutex
	size     int
	cacheMap map[[TxKeySize]byte]*list.Element
	list     *list.List
}

var _ txCache = (*mapTxCache)(nil)

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[[TxKeySize]byte]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[[TxKeySize]byte]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push 已经在cache中时返回false
func (cache *mapTxCache) Push(key [TxKeySize]byte) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	if moved, exists := cache.cacheMap[key]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		popped := cache.list.Front()
		if popped != nil {
			poppedKey := popped.Value.([TxKeySize]byte)
			delete(cache.cacheMap, poppedKey)
			cache.list.Remove(popped)
		}
	}
	e := cache.list.PushBack(key)
	cache.cacheMap[key] = e
	return true
}

func (cache *mapTxCache) Remove(key [TxKeySize]byte) {
	cache.mtx.Lock()
	if e, ok := cache.cacheMap[key]; ok {
		delete(cache.cacheMap, key)
		cache.list.Remove(e)
	}
	cache.mtx.Unlock()
}

type nopTxCache struct{}

var _ txCache = (*nopTxCache)(nil)

func (nopTxCache) Reset()                    {}
func (nopTxCache) Push([TxKeySize]byte) bool { return true }
func (nopTxCache) Remove([TxKeySize]byte)    {}

// ------------------------------

type mempoolTx struct {
	height uint32 // 交易进入mempool时的高度

	tx      *types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() uint32 {
	return atomic.LoadUint32(&memTx.height)
}

// ------------------------------

// TxKey is the fixed length array hash used as the key in maps.
func TxKey(tx *types.Tx) [TxKeySize]byte {
	var key [TxKeySize]byte
	copy(key[:], tx.Hash())
	return key
}

func tmMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}
