package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"dbft_node/types"
)

var (
	ErrNilMessage       = errors.New("payload carries no message")
	ErrInvalidSignature = errors.New("invalid payload signature")
)

// ConsensusPayload 共识消息在网络上传输的外壳
// Witness 是ValidatorIndex对应验证者对SignBytes的ed25519签名
type ConsensusPayload struct {
	Version        uint32           `json:"version"`
	PrevHash       tmbytes.HexBytes `json:"prev_hash"`
	BlockIndex     uint32           `json:"block_index"`
	ValidatorIndex uint16           `json:"validator_index"`
	Data           ConsensusMessage `json:"data"`
	Witness        tmbytes.HexBytes `json:"witness"`
}

// SignBytes 不含Witness的编码
func (p *ConsensusPayload) SignBytes() []byte {
	unsigned := *p
	unsigned.Witness = nil
	unsigned.Data = canonicalMessage(p.Data)
	bz, err := tmjson.Marshal(&unsigned)
	if err != nil {
		panic(err)
	}
	return bz
}

// Hash 标识一个payload，PrepareResponse通过它引用PrepareRequest
func (p *ConsensusPayload) Hash() tmbytes.HexBytes {
	if p == nil {
		return nil
	}
	return tmhash.Sum(p.SignBytes())
}

func (p *ConsensusPayload) Type() MessageType {
	return p.Data.Type()
}

func (p *ConsensusPayload) ViewNumber() uint8 {
	return p.Data.View()
}

// ValidateBasic 只检查payload自身，不依赖共识上下文
func (p *ConsensusPayload) ValidateBasic() error {
	if p.Data == nil {
		return ErrNilMessage
	}
	if len(p.Witness) == 0 {
		return errors.New("payload is not signed")
	}
	if err := p.Data.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid %v: %w", p.Data.Type(), err)
	}
	return nil
}

// Sign 用验证者的共识私钥签名
func (p *ConsensusPayload) Sign(privVal types.PrivValidator) error {
	sig, err := privVal.SignPayload(p.SignBytes())
	if err != nil {
		return err
	}
	p.Witness = sig
	return nil
}

// Verify 验证签名
func (p *ConsensusPayload) Verify(pubKey crypto.PubKey) error {
	if !pubKey.VerifySignature(p.SignBytes(), p.Witness) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *ConsensusPayload) String() string {
	if p == nil {
		return "nil-ConsensusPayload"
	}
	return fmt.Sprintf("Payload{#%d val=%d %v}", p.BlockIndex, p.ValidatorIndex, p.Data)
}

func (p *ConsensusPayload) ChangeView() *ChangeView {
	m, _ := p.Data.(*ChangeView)
	return m
}

func (p *ConsensusPayload) PrepareRequest() *PrepareRequest {
	m, _ := p.Data.(*PrepareRequest)
	return m
}

func (p *ConsensusPayload) PrepareResponse() *PrepareResponse {
	m, _ := p.Data.(*PrepareResponse)
	return m
}

func (p *ConsensusPayload) Commit() *Commit {
	m, _ := p.Data.(*Commit)
	return m
}

func (p *ConsensusPayload) RecoveryMessage() *RecoveryMessage {
	m, _ := p.Data.(*RecoveryMessage)
	return m
}

// EncodePayload / DecodePayload 是reactor使用的线上编码
func EncodePayload(p *ConsensusPayload) ([]byte, error) {
	wire := *p
	wire.Data = canonicalMessage(p.Data)
	return tmjson.Marshal(&wire)
}

func DecodePayload(bz []byte) (*ConsensusPayload, error) {
	p := new(ConsensusPayload)
	if err := tmjson.Unmarshal(bz, p); err != nil {
		return nil, err
	}
	return p, nil
}

// canonicalMessage 把空列表换成nil
// 解码时空列表总是变成nil，签名和转发都要用解码后的形式
func canonicalMessage(msg ConsensusMessage) ConsensusMessage {
	switch m := msg.(type) {
	case *PrepareRequest:
		if m == nil || m.TransactionHashes == nil || len(m.TransactionHashes) > 0 {
			return msg
		}
		c := *m
		c.TransactionHashes = nil
		return &c
	case *RecoveryMessage:
		if m == nil {
			return msg
		}
		c := *m
		if len(c.ChangeViewMessages) == 0 {
			c.ChangeViewMessages = nil
		}
		if len(c.PreparationMessages) == 0 {
			c.PreparationMessages = nil
		}
		if len(c.CommitMessages) == 0 {
			c.CommitMessages = nil
		}
		if c.PrepareRequestMessage != nil {
			c.PrepareRequestMessage = canonicalMessage(c.PrepareRequestMessage).(*PrepareRequest)
		}
		return &c
	}
	return msg
}
