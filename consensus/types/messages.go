package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"dbft_node/types"
)

//-----------------------------------------------------------------------------
// MessageType

// MessageType 共识消息类型
type MessageType byte

const (
	ChangeViewType      = MessageType(0x00)
	PrepareRequestType  = MessageType(0x20)
	PrepareResponseType = MessageType(0x21)
	CommitType          = MessageType(0x30)
	RecoveryRequestType = MessageType(0x40)
	RecoveryMessageType = MessageType(0x41)
)

func (t MessageType) String() string {
	switch t {
	case ChangeViewType:
		return "ChangeView"
	case PrepareRequestType:
		return "PrepareRequest"
	case PrepareResponseType:
		return "PrepareResponse"
	case CommitType:
		return "Commit"
	case RecoveryRequestType:
		return "RecoveryRequest"
	case RecoveryMessageType:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("MessageType(%#x)", byte(t))
	}
}

//-----------------------------------------------------------------------------
// ChangeViewReason

// ChangeViewReason 节点请求切换view的原因
type ChangeViewReason byte

const (
	ReasonTimeout               = ChangeViewReason(0x00)
	ReasonChangeAgreement       = ChangeViewReason(0x01)
	ReasonTxNotFound            = ChangeViewReason(0x02)
	ReasonTxRejectedByPolicy    = ChangeViewReason(0x03)
	ReasonTxInvalid             = ChangeViewReason(0x04)
	ReasonBlockRejectedByPolicy = ChangeViewReason(0x05)
)

func (r ChangeViewReason) IsValid() bool {
	return r <= ReasonBlockRejectedByPolicy
}

func (r ChangeViewReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonChangeAgreement:
		return "ChangeAgreement"
	case ReasonTxNotFound:
		return "TxNotFound"
	case ReasonTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case ReasonTxInvalid:
		return "TxInvalid"
	case ReasonBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return fmt.Sprintf("ChangeViewReason(%#x)", byte(r))
	}
}

//-----------------------------------------------------------------------------
// Messages

// ConsensusMessage 是ConsensusPayload携带的消息
type ConsensusMessage interface {
	Type() MessageType
	View() uint8
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&ChangeView{}, "dbft/ChangeView")
	tmjson.RegisterType(&PrepareRequest{}, "dbft/PrepareRequest")
	tmjson.RegisterType(&PrepareResponse{}, "dbft/PrepareResponse")
	tmjson.RegisterType(&Commit{}, "dbft/Commit")
	tmjson.RegisterType(&RecoveryRequest{}, "dbft/RecoveryRequest")
	tmjson.RegisterType(&RecoveryMessage{}, "dbft/RecoveryMessage")
}

var (
	ErrInvalidHashSize = errors.New("hash has invalid size")
	ErrDuplicateHash   = errors.New("duplicate transaction hash")
)

// ChangeView 请求把当前高度的view切换到NewViewNumber
type ChangeView struct {
	ViewNumber    uint8            `json:"view_number"`
	NewViewNumber uint8            `json:"new_view_number"`
	Timestamp     uint64           `json:"timestamp"`
	Reason        ChangeViewReason `json:"reason"`
}

func (m *ChangeView) Type() MessageType { return ChangeViewType }
func (m *ChangeView) View() uint8       { return m.ViewNumber }

func (m *ChangeView) ValidateBasic() error {
	if m.NewViewNumber <= m.ViewNumber {
		return fmt.Errorf("new view %d must be greater than view %d", m.NewViewNumber, m.ViewNumber)
	}
	if !m.Reason.IsValid() {
		return fmt.Errorf("unknown change view reason %v", m.Reason)
	}
	return nil
}

func (m *ChangeView) String() string {
	return fmt.Sprintf("ChangeView{%d->%d %v}", m.ViewNumber, m.NewViewNumber, m.Reason)
}

// PrepareRequest 主节点的提案，只携带交易hash
type PrepareRequest struct {
	ViewNumber        uint8              `json:"view_number"`
	Timestamp         uint64             `json:"timestamp"`
	Nonce             uint64             `json:"nonce"`
	TransactionHashes []tmbytes.HexBytes `json:"transaction_hashes,omitempty"`
}

func (m *PrepareRequest) Type() MessageType { return PrepareRequestType }
func (m *PrepareRequest) View() uint8       { return m.ViewNumber }

func (m *PrepareRequest) ValidateBasic() error {
	seen := make(map[string]struct{}, len(m.TransactionHashes))
	for _, h := range m.TransactionHashes {
		if len(h) != tmhash.Size {
			return ErrInvalidHashSize
		}
		if _, ok := seen[string(h)]; ok {
			return ErrDuplicateHash
		}
		seen[string(h)] = struct{}{}
	}
	return nil
}

func (m *PrepareRequest) String() string {
	return fmt.Sprintf("PrepareRequest{v%d ts=%d txs=%d}", m.ViewNumber, m.Timestamp, len(m.TransactionHashes))
}

// PrepareResponse 引用PrepareRequest payload的hash
type PrepareResponse struct {
	ViewNumber      uint8            `json:"view_number"`
	PreparationHash tmbytes.HexBytes `json:"preparation_hash"`
}

func (m *PrepareResponse) Type() MessageType { return PrepareResponseType }
func (m *PrepareResponse) View() uint8       { return m.ViewNumber }

func (m *PrepareResponse) ValidateBasic() error {
	if len(m.PreparationHash) != tmhash.Size {
		return ErrInvalidHashSize
	}
	return nil
}

func (m *PrepareResponse) String() string {
	return fmt.Sprintf("PrepareResponse{v%d %v}", m.ViewNumber, m.PreparationHash)
}

// Commit 携带对区块头hash的BLS签名
type Commit struct {
	ViewNumber uint8            `json:"view_number"`
	Signature  tmbytes.HexBytes `json:"signature"`
}

func (m *Commit) Type() MessageType { return CommitType }
func (m *Commit) View() uint8       { return m.ViewNumber }

func (m *Commit) ValidateBasic() error {
	if int64(len(m.Signature)) != types.AggregatedSignatureBytes {
		return fmt.Errorf("commit signature has invalid size %d", len(m.Signature))
	}
	return nil
}

func (m *Commit) String() string {
	return fmt.Sprintf("Commit{v%d}", m.ViewNumber)
}

type RecoveryRequest struct {
	ViewNumber uint8  `json:"view_number"`
	Timestamp  uint64 `json:"timestamp"`
}

func (m *RecoveryRequest) Type() MessageType    { return RecoveryRequestType }
func (m *RecoveryRequest) View() uint8          { return m.ViewNumber }
func (m *RecoveryRequest) ValidateBasic() error { return nil }

func (m *RecoveryRequest) String() string {
	return fmt.Sprintf("RecoveryRequest{v%d}", m.ViewNumber)
}
