package consensus

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/cmap"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

const (
	ConsensusChannel = byte(0x20)
	BlockChannel     = byte(0x21)

	maxMsgSize = 1048576 // 1MB
)

// Reactor 在节点之间转发共识消息和区块，实现Broadcaster
// 每条消息只转发一次，收到的消息会继续发给其他邻居
type Reactor struct {
	p2p.BaseReactor

	consensus *ConsensusService
	ledger    Ledger

	// hash -> 区块高度，区块持久化后清理
	seen *cmap.CMap
}

func NewReactor(consensus *ConsensusService, ledger Ledger) *Reactor {
	conR := &Reactor{
		consensus: consensus,
		ledger:    ledger,
		seen:      cmap.NewCMap(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	consensus.SetBroadcaster(conR)
	ledger.OnPersistCompleted(conR.pruneSeen)
	return conR
}

func (conR *Reactor) SetLogger(l log.Logger) {
	conR.Logger = l
	conR.consensus.SetLogger(l)
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	return conR.consensus.Start()
}

func (conR *Reactor) OnStop() {
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed trying to stop consensus service", "error", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ConsensusChannel,
			Priority:            10,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  BlockChannel,
			Priority:            5,
			SendQueueCapacity:   10,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Debug("new peer", "peer", peer.ID())
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	// MConnection会复用接收缓冲区，转发前必须拷贝
	msgBytes = append([]byte(nil), msgBytes...)

	switch chID {
	case ConsensusChannel:
		p, err := cstype.DecodePayload(msgBytes)
		if err != nil {
			conR.Logger.Error("Error decoding payload", "src", src, "err", err)
			conR.Switch.StopPeerForError(src, err)
			return
		}
		if !conR.markSeen(p.Hash(), p.BlockIndex) {
			return
		}
		if p.BlockIndex == conR.ledger.CurrentHeight()+1 {
			if err := conR.verifyPayload(p); err != nil {
				conR.Logger.Debug("drop unverified payload", "src", src, "payload", p, "err", err)
				return
			}
			conR.relay(ConsensusChannel, msgBytes, src)
		}
		conR.consensus.ReceivePayload(p, src.ID())

	case BlockChannel:
		var block types.Block
		if err := tmjson.Unmarshal(msgBytes, &block); err != nil {
			conR.Logger.Error("Error decoding block", "src", src, "err", err)
			conR.Switch.StopPeerForError(src, err)
			return
		}
		if !conR.markSeen(block.Hash(), block.Index()) {
			return
		}
		if block.Index() <= conR.ledger.CurrentHeight() {
			return
		}
		if err := conR.ledger.AddBlock(&block); err != nil {
			if errors.Is(err, types.ErrOnPersistFailed) {
				panic(fmt.Sprintf("CONSENSUS FAILURE!!! block %d: %v", block.Index(), err))
			}
			conR.Logger.Debug("rejected block", "height", block.Index(), "src", src, "err", err)
			return
		}
		conR.relay(BlockChannel, msgBytes, src)

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// verifyPayload 用当前验证者集合检查签名，只转发通过检查的payload
func (conR *Reactor) verifyPayload(p *cstype.ConsensusPayload) error {
	if err := p.ValidateBasic(); err != nil {
		return err
	}
	vals := conR.ledger.Snapshot().Validators()
	if int(p.ValidatorIndex) >= vals.Size() {
		return fmt.Errorf("validator index %d out of range", p.ValidatorIndex)
	}
	_, val := vals.GetByIndex(int32(p.ValidatorIndex))
	return p.Verify(val.PubKey)
}

//-----------------------------------------------------------------------------
// Broadcaster

func (conR *Reactor) SendToAll(p *cstype.ConsensusPayload) {
	bz, err := cstype.EncodePayload(p)
	if err != nil {
		conR.Logger.Error("Marshal payload failed.", "err", err)
		return
	}
	conR.markSeen(p.Hash(), p.BlockIndex)
	conR.relay(ConsensusChannel, bz, nil)
}

func (conR *Reactor) SendToOne(id p2p.ID, p *cstype.ConsensusPayload) {
	if conR.Switch == nil {
		return
	}
	peer := conR.Switch.Peers().Get(id)
	if peer == nil {
		conR.SendToAll(p)
		return
	}
	bz, err := cstype.EncodePayload(p)
	if err != nil {
		conR.Logger.Error("Marshal payload failed.", "err", err)
		return
	}
	conR.markSeen(p.Hash(), p.BlockIndex)
	peer.TrySend(ConsensusChannel, bz)
}

func (conR *Reactor) RelayBlock(block *types.Block) {
	bz, err := tmjson.Marshal(block)
	if err != nil {
		conR.Logger.Error("Marshal block failed.", "err", err)
		return
	}
	conR.markSeen(block.Hash(), block.Index())
	conR.relay(BlockChannel, bz, nil)
}

// relay 发给除src以外的所有邻居
func (conR *Reactor) relay(chID byte, bz []byte, src p2p.Peer) {
	if conR.Switch == nil {
		return
	}
	for _, peer := range conR.Switch.Peers().List() {
		if src != nil && peer.ID() == src.ID() {
			continue
		}
		peer.TrySend(chID, bz)
	}
}

// markSeen 第一次看到hash时返回true
func (conR *Reactor) markSeen(hash []byte, height uint32) bool {
	key := string(hash)
	if conR.seen.Has(key) {
		return false
	}
	conR.seen.Set(key, height)
	return true
}

func (conR *Reactor) pruneSeen(block *types.Block) {
	for _, key := range conR.seen.Keys() {
		if height, ok := conR.seen.Get(key).(uint32); ok && height <= block.Index() {
			conR.seen.Delete(key)
		}
	}
}
