package types

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/bits"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

//-----------------------------------------------------------------------------
// Role

// Role 节点在当前view中的角色
type Role uint8

const (
	RolePrimary   = Role(0x01)
	RoleBackup    = Role(0x02)
	RoleWatchOnly = Role(0x03) // 不在验证者集合中
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleBackup:
		return "Backup"
	case RoleWatchOnly:
		return "WatchOnly"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// RoundState 共识上下文的只读快照，供RPC和metrics使用
type RoundState struct {
	BlockIndex   uint32           `json:"block_index"`
	ViewNumber   uint8            `json:"view_number"`
	PrimaryIndex uint16           `json:"primary_index"`
	MyIndex      int              `json:"my_index"`
	Role         Role             `json:"role"`
	PrevHash     tmbytes.HexBytes `json:"prev_hash"`
	Timestamp    uint64           `json:"timestamp"`

	TransactionHashes []tmbytes.HexBytes `json:"transaction_hashes"`
	MissingTxs        int                `json:"missing_txs"`

	Preparations *bits.BitArray `json:"preparations"`
	Commits      *bits.BitArray `json:"commits"`
	ChangeViews  *bits.BitArray `json:"change_views"`

	RequestSentOrReceived bool `json:"request_sent_or_received"`
	ResponseSent          bool `json:"response_sent"`
	CommitSent            bool `json:"commit_sent"`
	BlockSent             bool `json:"block_sent"`
	ViewChanging          bool `json:"view_changing"`
}

func (rs *RoundState) String() string {
	return fmt.Sprintf("RoundState{#%d/%d %v primary=%d prep=%v commit=%v cv=%v}",
		rs.BlockIndex, rs.ViewNumber, rs.Role, rs.PrimaryIndex,
		rs.Preparations, rs.Commits, rs.ChangeViews)
}

// PayloadBits 标记哪些验证者的槽位已经填充
func PayloadBits(payloads []*ConsensusPayload) *bits.BitArray {
	ba := bits.NewBitArray(len(payloads))
	for i, p := range payloads {
		if p != nil {
			ba.SetIndex(i, true)
		}
	}
	return ba
}
