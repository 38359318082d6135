package mempool

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	"github.com/tendermint/tendermint/p2p"

	"dbft_node/types"
)

const (
	MempoolChannel = byte(0x30)

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID to use when running CheckTx when there is
	// no peer (e.g. RPC)
	UnknownPeerID uint16 = 0

	maxActiveIDs = math.MaxUint16

	// 一条GetTxsMessage/InvMessage最多携带的hash数
	maxHashesPerMsg = 1024
)

// Reactor 在节点之间同步交易，实现共识的TxFetcher
type Reactor struct {
	p2p.BaseReactor

	config  *cfg.MempoolConfig
	mempool *ListMempool
	ids     *mempoolIDs
}

type mempoolIDs struct {
	mtx       tmsync.RWMutex
	peerMap   map[p2p.ID]uint16 // map from p2p.ID to mempoolIDs
	nextID    uint16            // nextID指向最后一个可用ID+1的值，但该值不一定可用
	activeIDs map[uint16]struct{}
}

// ReserveForPeer 为peer节点附带一个唯一id
func (ids *mempoolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID 返回下一个可用的id
// 由caller负责lock/unlock.
func (ids *mempoolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim 释放peer对应的id.
func (ids *mempoolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

// GetForPeer 返回peer的id.
func (ids *mempoolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

func newMempoolIDs() *mempoolIDs {
	return &mempoolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // 为unknownPeerID保留0，节点之间广播使用unKnownPeerId
	}
}

func NewReactor(config *cfg.MempoolConfig, mempool *ListMempool) *Reactor {
	memR := &Reactor{
		config:  config,
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	memR.BaseReactor = *p2p.NewBaseReactor("Mempool", memR)
	return memR
}

// InitPeer implements Reactor
// 为peer生成一个唯一的id
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

// OnStart implements p2p.BaseReactor.
func (memR *Reactor) OnStart() error {
	if !memR.config.Broadcast {
		memR.Logger.Info("Tx broadcasting is disabled")
	}
	memR.Logger.Info("Mempool Reactor started.")
	return nil
}

// GetChannels implements Reactor by returning the list of channels for this
// reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: memR.config.MaxTxBytes + 1024,
		},
	}
}

// AddPeer implements Reactor.
// 启动broadcast routine在节点之间广播tx
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	if memR.config.Broadcast {
		go memR.broadcastTxRoutine(peer)
	}
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor.
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		memR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}
	memR.Logger.Debug("Receive", "src", src, "chId", chID, "msg", msg)

	switch msg := msg.(type) {
	case *TxsMessage:
		txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src)}
		if src != nil {
			txInfo.SenderP2PID = src.ID()
		}
		for _, tx := range msg.Txs {
			if err := memR.mempool.CheckTx(tx, txInfo); err != nil {
				memR.Logger.Debug("Could not check tx", "tx", tx.Hash(), "err", err)
			}
		}

	case *GetTxsMessage:
		txs := make([]*types.Tx, 0, len(msg.Hashes))
		for _, h := range msg.Hashes {
			if tx, ok := memR.mempool.TryGetValue(h); ok {
				txs = append(txs, tx)
			}
		}
		if len(txs) > 0 {
			memR.send(src, &TxsMessage{Txs: txs})
		}

	case *InvMessage:
		var unknown []tmbytes.HexBytes
		for _, h := range msg.Hashes {
			if _, ok := memR.mempool.TryGetValue(h); !ok {
				unknown = append(unknown, h)
			}
		}
		if len(unknown) > 0 {
			memR.send(src, &GetTxsMessage{Hashes: unknown})
		}

	default:
		memR.Logger.Error(fmt.Sprintf("Unknown message type %T", msg))
	}
}

//-----------------------------------------------------------------------------
// TxFetcher

// RequestTxs 向所有邻居请求缺失的交易，收到的交易经过CheckTx后通知共识
func (memR *Reactor) RequestTxs(hashes []tmbytes.HexBytes) {
	for _, batch := range splitHashes(hashes) {
		memR.broadcast(&GetTxsMessage{Hashes: batch})
	}
}

// AnnounceTxs 告诉邻居提案中的交易，没有这些交易的邻居会来请求
func (memR *Reactor) AnnounceTxs(hashes []tmbytes.HexBytes) {
	for _, batch := range splitHashes(hashes) {
		memR.broadcast(&InvMessage{Hashes: batch})
	}
}

func splitHashes(hashes []tmbytes.HexBytes) [][]tmbytes.HexBytes {
	var batches [][]tmbytes.HexBytes
	for len(hashes) > maxHashesPerMsg {
		batches = append(batches, hashes[:maxHashesPerMsg])
		hashes = hashes[maxHashesPerMsg:]
	}
	if len(hashes) > 0 {
		batches = append(batches, hashes)
	}
	return batches
}

func (memR *Reactor) broadcast(msg Message) {
	if memR.Switch == nil {
		return
	}
	bz, err := encodeMsg(msg)
	if err != nil {
		memR.Logger.Error("Marshal message failed.", "err", err)
		return
	}
	for _, peer := range memR.Switch.Peers().List() {
		peer.TrySend(MempoolChannel, bz)
	}
}

func (memR *Reactor) send(peer p2p.Peer, msg Message) {
	bz, err := encodeMsg(msg)
	if err != nil {
		memR.Logger.Error("Marshal message failed.", "err", err)
		return
	}
	peer.TrySend(MempoolChannel, bz)
}

// --------------------------------

// broadcastTxRoutine 沿着mempool的链表把交易发给peer
// 不会把交易发回给发送它的节点
func (memR *Reactor) broadcastTxRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan(): // Wait until a tx is available
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)

		if _, ok := memTx.senders.Load(peerID); !ok {
			bz, err := encodeMsg(&TxsMessage{Txs: []*types.Tx{memTx.tx}})
			if err != nil {
				panic(err)
			}
			if success := peer.Send(MempoolChannel, bz); !success {
				// 如果发送不成功，间隔peerCatchupSleepIntervalMS后再看是否需要发送
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		// 当next有下一个元素时，它的nextWaitch关闭，流程继续
		// 如果没有下一个元素，则会在这里block
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}

//-----------------------------------------------------------------------------
// Messages

// Message 交易同步消息，使用tmjson编码
type Message interface {
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&TxsMessage{}, "dbft/mempool/Txs")
	tmjson.RegisterType(&GetTxsMessage{}, "dbft/mempool/GetTxs")
	tmjson.RegisterType(&InvMessage{}, "dbft/mempool/Inv")
}

func encodeMsg(msg Message) ([]byte, error) {
	return tmjson.Marshal(msg)
}

func decodeMsg(bz []byte) (Message, error) {
	var msg Message
	if err := tmjson.Unmarshal(bz, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("empty message")
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid message")
	}
	return msg, nil
}

// TxsMessage 携带完整交易
type TxsMessage struct {
	Txs []*types.Tx `json:"txs"`
}

func (m *TxsMessage) ValidateBasic() error {
	if len(m.Txs) == 0 {
		return errors.New("empty txs")
	}
	for _, tx := range m.Txs {
		if tx == nil {
			return errors.New("nil tx")
		}
	}
	return nil
}

func (m *TxsMessage) String() string {
	return fmt.Sprintf("[TxsMessage %d]", len(m.Txs))
}

// GetTxsMessage 请求交易
type GetTxsMessage struct {
	Hashes []tmbytes.HexBytes `json:"hashes"`
}

func (m *GetTxsMessage) ValidateBasic() error {
	return validateHashes(m.Hashes)
}

func (m *GetTxsMessage) String() string {
	return fmt.Sprintf("[GetTxsMessage %d]", len(m.Hashes))
}

// InvMessage 宣告本节点拥有的交易
type InvMessage struct {
	Hashes []tmbytes.HexBytes `json:"hashes"`
}

func (m *InvMessage) ValidateBasic() error {
	return validateHashes(m.Hashes)
}

func (m *InvMessage) String() string {
	return fmt.Sprintf("[InvMessage %d]", len(m.Hashes))
}

func validateHashes(hashes []tmbytes.HexBytes) error {
	if len(hashes) == 0 {
		return errors.New("empty hashes")
	}
	if len(hashes) > maxHashesPerMsg {
		return fmt.Errorf("too many hashes: %d > %d", len(hashes), maxHashesPerMsg)
	}
	for _, h := range hashes {
		if len(h) != TxKeySize {
			return fmt.Errorf("wrong hash size %d", len(h))
		}
	}
	return nil
}
