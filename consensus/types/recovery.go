package types

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// RecoveryMessage 打包了一个view内可以重建的全部消息，落后或重启的节点用它追上进度
// 每条压缩消息只保留重建原payload所需的字段和原签名
type RecoveryMessage struct {
	ViewNumber uint8 `json:"view_number"`

	ChangeViewMessages []ChangeViewCompact `json:"change_view_messages,omitempty"`

	// 已知提案时携带完整的PrepareRequest，否则只携带多数节点引用的PreparationHash
	PrepareRequestMessage *PrepareRequest  `json:"prepare_request_message,omitempty"`
	PreparationHash       tmbytes.HexBytes `json:"preparation_hash,omitempty"`

	PreparationMessages []PreparationCompact `json:"preparation_messages,omitempty"`
	CommitMessages      []CommitCompact      `json:"commit_messages,omitempty"`
}

type ChangeViewCompact struct {
	ValidatorIndex     uint16           `json:"validator_index"`
	OriginalViewNumber uint8            `json:"original_view_number"`
	NewViewNumber      uint8            `json:"new_view_number"`
	Timestamp          uint64           `json:"timestamp"`
	Reason             ChangeViewReason `json:"reason"`
	Witness            tmbytes.HexBytes `json:"witness"`
}

type PreparationCompact struct {
	ValidatorIndex uint16           `json:"validator_index"`
	Witness        tmbytes.HexBytes `json:"witness"`
}

type CommitCompact struct {
	ViewNumber     uint8            `json:"view_number"`
	ValidatorIndex uint16           `json:"validator_index"`
	Signature      tmbytes.HexBytes `json:"signature"`
	Witness        tmbytes.HexBytes `json:"witness"`
}

func (m *RecoveryMessage) Type() MessageType { return RecoveryMessageType }
func (m *RecoveryMessage) View() uint8       { return m.ViewNumber }

func (m *RecoveryMessage) ValidateBasic() error {
	if m.PrepareRequestMessage != nil {
		if err := m.PrepareRequestMessage.ValidateBasic(); err != nil {
			return err
		}
	} else if len(m.PreparationHash) > 0 && len(m.PreparationHash) != tmhash.Size {
		return ErrInvalidHashSize
	}

	seen := make(map[uint16]struct{})
	for _, cv := range m.ChangeViewMessages {
		if _, ok := seen[cv.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate change view from validator %d", cv.ValidatorIndex)
		}
		seen[cv.ValidatorIndex] = struct{}{}
		if cv.NewViewNumber <= cv.OriginalViewNumber {
			return fmt.Errorf("change view of validator %d does not advance the view", cv.ValidatorIndex)
		}
	}

	seen = make(map[uint16]struct{})
	for _, p := range m.PreparationMessages {
		if _, ok := seen[p.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate preparation from validator %d", p.ValidatorIndex)
		}
		seen[p.ValidatorIndex] = struct{}{}
	}

	seen = make(map[uint16]struct{})
	for _, c := range m.CommitMessages {
		if _, ok := seen[c.ValidatorIndex]; ok {
			return fmt.Errorf("duplicate commit from validator %d", c.ValidatorIndex)
		}
		seen[c.ValidatorIndex] = struct{}{}
	}
	return nil
}

func (m *RecoveryMessage) String() string {
	return fmt.Sprintf("RecoveryMessage{v%d cv=%d prep=%d commit=%d}",
		m.ViewNumber, len(m.ChangeViewMessages), len(m.PreparationMessages), len(m.CommitMessages))
}

//-----------------------------------------------------------------------------
// 压缩

func NewChangeViewCompact(p *ConsensusPayload) ChangeViewCompact {
	cv := p.ChangeView()
	return ChangeViewCompact{
		ValidatorIndex:     p.ValidatorIndex,
		OriginalViewNumber: cv.ViewNumber,
		NewViewNumber:      cv.NewViewNumber,
		Timestamp:          cv.Timestamp,
		Reason:             cv.Reason,
		Witness:            p.Witness,
	}
}

func NewPreparationCompact(p *ConsensusPayload) PreparationCompact {
	return PreparationCompact{
		ValidatorIndex: p.ValidatorIndex,
		Witness:        p.Witness,
	}
}

func NewCommitCompact(p *ConsensusPayload) CommitCompact {
	c := p.Commit()
	return CommitCompact{
		ViewNumber:     c.ViewNumber,
		ValidatorIndex: p.ValidatorIndex,
		Signature:      c.Signature,
		Witness:        p.Witness,
	}
}

//-----------------------------------------------------------------------------
// 重建
// recovery是payload的外壳，重建出的payload使用它的Version、PrevHash和BlockIndex

func rebuild(recovery *ConsensusPayload, validatorIndex uint16, msg ConsensusMessage, witness tmbytes.HexBytes) *ConsensusPayload {
	return &ConsensusPayload{
		Version:        recovery.Version,
		PrevHash:       recovery.PrevHash,
		BlockIndex:     recovery.BlockIndex,
		ValidatorIndex: validatorIndex,
		Data:           msg,
		Witness:        witness,
	}
}

// ChangeViewPayloads 重建ChangeView payload
func (m *RecoveryMessage) ChangeViewPayloads(recovery *ConsensusPayload) []*ConsensusPayload {
	payloads := make([]*ConsensusPayload, 0, len(m.ChangeViewMessages))
	for _, cv := range m.ChangeViewMessages {
		payloads = append(payloads, rebuild(recovery, cv.ValidatorIndex, &ChangeView{
			ViewNumber:    cv.OriginalViewNumber,
			NewViewNumber: cv.NewViewNumber,
			Timestamp:     cv.Timestamp,
			Reason:        cv.Reason,
		}, cv.Witness))
	}
	return payloads
}

// PrepareRequestPayload 重建主节点的PrepareRequest，缺少提案或主节点签名时返回nil
func (m *RecoveryMessage) PrepareRequestPayload(recovery *ConsensusPayload, primaryIndex uint16) *ConsensusPayload {
	if m.PrepareRequestMessage == nil {
		return nil
	}
	for _, p := range m.PreparationMessages {
		if p.ValidatorIndex == primaryIndex {
			return rebuild(recovery, primaryIndex, m.PrepareRequestMessage, p.Witness)
		}
	}
	return nil
}

// PrepareResponsePayloads 重建备份节点的PrepareResponse
// preparationHash为空时使用消息里携带的hash，两者都没有就无法重建
func (m *RecoveryMessage) PrepareResponsePayloads(recovery *ConsensusPayload, primaryIndex uint16, preparationHash tmbytes.HexBytes) []*ConsensusPayload {
	if len(m.PreparationHash) > 0 {
		preparationHash = m.PreparationHash
	}
	if len(preparationHash) == 0 {
		return nil
	}
	payloads := make([]*ConsensusPayload, 0, len(m.PreparationMessages))
	for _, p := range m.PreparationMessages {
		if p.ValidatorIndex == primaryIndex {
			continue
		}
		payloads = append(payloads, rebuild(recovery, p.ValidatorIndex, &PrepareResponse{
			ViewNumber:      m.ViewNumber,
			PreparationHash: preparationHash,
		}, p.Witness))
	}
	return payloads
}

// CommitPayloads 重建Commit payload
func (m *RecoveryMessage) CommitPayloads(recovery *ConsensusPayload) []*ConsensusPayload {
	payloads := make([]*ConsensusPayload, 0, len(m.CommitMessages))
	for _, c := range m.CommitMessages {
		payloads = append(payloads, rebuild(recovery, c.ValidatorIndex, &Commit{
			ViewNumber: c.ViewNumber,
			Signature:  c.Signature,
		}, c.Witness))
	}
	return payloads
}
