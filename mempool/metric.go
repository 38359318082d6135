package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

func newMemMetric() *memMetric {
	return &memMetric{
		committed: metrics.NewMeter(),
	}
}

// memMetric 供metrics RPC查询的mempool状态
type memMetric struct {
	mtx        sync.RWMutex
	TxsNum     int    `json:"txs_num"`     // mempool中所有的交易总数
	TxsBytes   int64  `json:"txs_bytes"`   // 目前mempool所有的交易的大小
	Height     uint32 `json:"height"`      // 最后一次Update的高度
	RemovedTxs int64  `json:"removed_txs"` // 上链后删除的交易总数

	// 每秒上链的交易数
	CommitRate1m float64 `json:"commit_rate_1m"`

	committed metrics.Meter
}

func (mm *memMetric) JSONString() string {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.CommitRate1m = mm.committed.Rate1()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkSize(txsNum int, txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsNum
	mm.TxsBytes = txsBytes
}

func (mm *memMetric) MarkUpdate(height uint32, committed int, txsNum int, txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.Height = height
	mm.RemovedTxs += int64(committed)
	mm.TxsNum = txsNum
	mm.TxsBytes = txsBytes
	mm.committed.Mark(int64(committed))
}
