package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	cstype "dbft_node/consensus/types"
)

// consensusMetric 供metrics RPC查询的共识状态
func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		LastBlockIndex: 0,
		Role:           cstype.RoleWatchOnly.String(),
	}
}

type consensusMetric struct {
	mtx sync.RWMutex

	BlockIndex     uint32    `json:"block_index"`
	ViewNumber     uint8     `json:"view_number"`
	Role           string    `json:"role"`
	PrimaryIndex   uint16    `json:"primary_index"`
	RoundStartTime time.Time `json:"round_start_time"`

	LastBlockIndex uint32    `json:"last_block_index"`
	LastBlockTime  time.Time `json:"last_block_time"`
	LastBlockTxs   int       `json:"last_block_txs"`

	ChangeViewsSent int64 `json:"change_views_sent"`
	RecoverySent    int64 `json:"recovery_sent"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkRound(height uint32, view uint8, role cstype.Role, primary uint16) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.BlockIndex = height
	cm.ViewNumber = view
	cm.Role = role.String()
	cm.PrimaryIndex = primary
	cm.RoundStartTime = time.Now()
}

func (cm *consensusMetric) MarkBlock(height uint32, txs int) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.LastBlockIndex = height
	cm.LastBlockTime = time.Now()
	cm.LastBlockTxs = txs
}

func (cm *consensusMetric) MarkChangeView() {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.ChangeViewsSent++
}

func (cm *consensusMetric) MarkRecovery() {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.RecoverySent++
}
