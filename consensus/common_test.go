package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/memdb"

	cfg "dbft_node/config"
	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

var testGenesisTime = time.Unix(1600000000, 0)

//-----------------------------------------------------------------------------
// 测试用账本

type testLedger struct {
	mtx sync.Mutex

	vals      *types.ValidatorSet
	blocks    []*types.Block
	txs       map[string]struct{}
	callbacks []func(*types.Block)

	maxBlockSize int64
	blocked      map[string]bool
	failPersist  bool
}

func newTestLedger(vals *types.ValidatorSet) *testLedger {
	return &testLedger{
		vals:         vals,
		blocks:       []*types.Block{types.MakeGenesisBlock(testGenesisTime, vals)},
		txs:          make(map[string]struct{}),
		maxBlockSize: cfg.TestDBFTConfig().MaxBlockSize,
		blocked:      make(map[string]bool),
	}
}

func (l *testLedger) CurrentHeight() uint32 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return uint32(len(l.blocks) - 1)
}

func (l *testLedger) HeaderHeight() uint32 {
	return l.CurrentHeight()
}

func (l *testLedger) Snapshot() Snapshot {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	txs := make(map[string]struct{}, len(l.txs))
	for k := range l.txs {
		txs[k] = struct{}{}
	}
	header := l.blocks[len(l.blocks)-1].Header
	return &testSnapshot{header: &header, vals: l.vals, txs: txs}
}

func (l *testLedger) OnPersistCompleted(cb func(*types.Block)) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

func (l *testLedger) resetCallbacks() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.callbacks = nil
}

func (l *testLedger) CheckPolicy(tx *types.Tx) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.blocked[tx.Sender()] {
		return fmt.Errorf("account %s is blocked", tx.Sender())
	}
	return nil
}

func (l *testLedger) GetMaxBlockSize() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.maxBlockSize
}

func (l *testLedger) AddBlock(block *types.Block) error {
	l.mtx.Lock()
	last := l.blocks[len(l.blocks)-1]
	if block.Index() != last.Index()+1 {
		l.mtx.Unlock()
		return fmt.Errorf("unexpected height %d", block.Index())
	}
	if !bytes.Equal(block.Header.PrevHash, last.Hash()) {
		l.mtx.Unlock()
		return errors.New("prev hash mismatch")
	}
	if err := block.Witness.Verify(l.vals, block.Header.Hash()); err != nil {
		l.mtx.Unlock()
		return err
	}
	if l.failPersist {
		l.mtx.Unlock()
		return types.ErrOnPersistFailed
	}
	l.blocks = append(l.blocks, block)
	for _, tx := range block.Txs {
		l.txs[string(tx.Hash())] = struct{}{}
	}
	cbs := append([]func(*types.Block){}, l.callbacks...)
	l.mtx.Unlock()

	for _, cb := range cbs {
		cb(block)
	}
	return nil
}

func (l *testLedger) block(height uint32) *types.Block {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if int(height) >= len(l.blocks) {
		return nil
	}
	return l.blocks[height]
}

type testSnapshot struct {
	header *types.Header
	vals   *types.ValidatorSet
	txs    map[string]struct{}
}

func (s *testSnapshot) CurrentHeader() *types.Header     { return s.header }
func (s *testSnapshot) Validators() *types.ValidatorSet { return s.vals }
func (s *testSnapshot) ContainsTransaction(hash tmbytes.HexBytes) bool {
	_, ok := s.txs[string(hash)]
	return ok
}

//-----------------------------------------------------------------------------
// 测试用交易池

type testTxSource struct {
	mtx         sync.Mutex
	verified    []*types.Tx
	unverified  map[string]*types.Tx
	resubmitted []*types.Tx
}

func newTestTxSource(txs ...*types.Tx) *testTxSource {
	return &testTxSource{verified: txs, unverified: make(map[string]*types.Tx)}
}

func (s *testTxSource) GetVerifiedTransactions() []*types.Tx {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*types.Tx{}, s.verified...)
}

func (s *testTxSource) TryGetValue(hash tmbytes.HexBytes) (*types.Tx, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, tx := range s.verified {
		if bytes.Equal(tx.Hash(), hash) {
			return tx, true
		}
	}
	tx, ok := s.unverified[string(hash)]
	return tx, ok
}

func (s *testTxSource) Resubmit(txs []*types.Tx) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.resubmitted = append(s.resubmitted, txs...)
}

func makeTestTxs(n int) []*types.Tx {
	txs := make([]*types.Tx, n)
	for i := range txs {
		txs[i] = types.NewTx(types.SBDepositCheckingTx, int64(i+1), fmt.Sprintf("account-%d", i), "10")
	}
	return txs
}

//-----------------------------------------------------------------------------
// 记录发送的消息

type sentPayload struct {
	payload *cstype.ConsensusPayload
	to      p2p.ID // 为空表示广播
}

type recordingBroadcaster struct {
	mtx     sync.Mutex
	pending []sentPayload
	history []sentPayload
	blocks  []*types.Block
}

func (b *recordingBroadcaster) SendToOne(peer p2p.ID, p *cstype.ConsensusPayload) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.pending = append(b.pending, sentPayload{p, peer})
	b.history = append(b.history, sentPayload{p, peer})
}

func (b *recordingBroadcaster) SendToAll(p *cstype.ConsensusPayload) {
	b.SendToOne("", p)
}

func (b *recordingBroadcaster) RelayBlock(block *types.Block) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.blocks = append(b.blocks, block)
}

func (b *recordingBroadcaster) takePending() []sentPayload {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// sent 历史中某种类型的消息
func (b *recordingBroadcaster) sent(typ cstype.MessageType) []*cstype.ConsensusPayload {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	var out []*cstype.ConsensusPayload
	for _, s := range b.history {
		if s.payload.Type() == typ {
			out = append(out, s.payload)
		}
	}
	return out
}

func (b *recordingBroadcaster) relayedBlocks() []*types.Block {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]*types.Block{}, b.blocks...)
}

type recordingTxFetcher struct {
	mtx       sync.Mutex
	requested []tmbytes.HexBytes
	announced []tmbytes.HexBytes
}

func (f *recordingTxFetcher) RequestTxs(hashes []tmbytes.HexBytes) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.requested = append(f.requested, hashes...)
}

func (f *recordingTxFetcher) AnnounceTxs(hashes []tmbytes.HexBytes) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.announced = append(f.announced, hashes...)
}

//-----------------------------------------------------------------------------
// 手动触发的定时器

type mockTicker struct {
	mtx       sync.Mutex
	scheduled []timeoutInfo
	c         chan timeoutInfo
}

func newMockTicker() *mockTicker {
	return &mockTicker{c: make(chan timeoutInfo)}
}

func (m *mockTicker) Start() error             { return nil }
func (m *mockTicker) Stop() error              { return nil }
func (m *mockTicker) Chan() <-chan timeoutInfo { return m.c }
func (m *mockTicker) SetLogger(log.Logger)     {}

func (m *mockTicker) ScheduleTimeout(ti timeoutInfo) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.scheduled = append(m.scheduled, ti)
}

func (m *mockTicker) last() timeoutInfo {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.scheduled[len(m.scheduled)-1]
}

//-----------------------------------------------------------------------------
// 确定性的测试网络：消息只在flush时投递

type testNode struct {
	index   int
	cs      *ConsensusService
	ledger  *testLedger
	txs     *testTxSource
	out     *recordingBroadcaster
	fetcher *recordingTxFetcher
	ticker  *mockTicker
	db      tmdb.DB
	privVal types.PrivValidator
}

func peerID(i int) p2p.ID {
	return p2p.ID(fmt.Sprintf("node%d", i))
}

func newTestNode(t *testing.T, index int, privVal types.PrivValidator, ledger *testLedger, txs *testTxSource, db tmdb.DB) *testNode {
	node := &testNode{
		index:   index,
		ledger:  ledger,
		txs:     txs,
		out:     &recordingBroadcaster{},
		fetcher: &recordingTxFetcher{},
		ticker:  newMockTicker(),
		db:      db,
		privVal: privVal,
	}
	node.cs = NewConsensusService(cfg.TestDBFTConfig(), privVal, ledger, txs, db,
		WithBroadcaster(node.out),
		WithTxFetcher(node.fetcher),
		WithTimeoutTicker(node.ticker),
	)
	node.cs.SetLogger(log.TestingLogger().With("validator", index))
	ledger.OnPersistCompleted(node.cs.onBlockPersisted)
	return node
}

func newTestNetwork(t *testing.T, n int, txs ...*types.Tx) []*testNode {
	vals, privs := types.DeterministicValidatorSet(n)
	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		nodes[i] = newTestNode(t, i, privs[i], newTestLedger(vals), newTestTxSource(txs...), memdb.NewDB())
	}
	return nodes
}

// restart 用同一个数据库和账本重新创建共识服务
func (node *testNode) restart(t *testing.T) {
	node.ledger.resetCallbacks()
	restarted := newTestNode(t, node.index, node.privVal, node.ledger, node.txs, node.db)
	*node = *restarted
	node.start()
}

func (node *testNode) start() {
	node.cs.mtx.Lock()
	defer node.cs.mtx.Unlock()
	node.cs.start()
}

func (node *testNode) fireTimeout() {
	node.cs.handleTimeout(node.ticker.last())
}

// deliver 和reactor一样经过编码再解码
func (node *testNode) deliver(p *cstype.ConsensusPayload, from int) {
	node.cs.handleMsg(msgInfo{overWire(p), peerID(from)})
}

func overWire(p *cstype.ConsensusPayload) *cstype.ConsensusPayload {
	bz, err := cstype.EncodePayload(p)
	if err != nil {
		panic(err)
	}
	decoded, err := cstype.DecodePayload(bz)
	if err != nil {
		panic(err)
	}
	return decoded
}

func blockOverWire(block *types.Block) *types.Block {
	bz, err := tmjson.Marshal(block)
	if err != nil {
		panic(err)
	}
	decoded := new(types.Block)
	if err := tmjson.Unmarshal(bz, decoded); err != nil {
		panic(err)
	}
	return decoded
}

func (node *testNode) rs() *cstype.RoundState {
	return node.cs.GetRoundState()
}

// drainInternal 处理交易到达、区块持久化等内部消息
func (node *testNode) drainInternal() bool {
	processed := false
	for {
		select {
		case mi := <-node.cs.internalMsgQueue:
			node.cs.handleMsg(mi)
			processed = true
		default:
			return processed
		}
	}
}

func startAll(nodes []*testNode) {
	for _, node := range nodes {
		node.start()
	}
}

// linkFilter 返回false时丢弃from发给to的消息
type linkFilter func(from, to int, p *cstype.ConsensusPayload) bool

func allowAll(int, int, *cstype.ConsensusPayload) bool { return true }

func isolate(idx int) linkFilter {
	return func(from, to int, _ *cstype.ConsensusPayload) bool {
		return from != idx && to != idx
	}
}

func dropType(typ cstype.MessageType) linkFilter {
	return func(_, _ int, p *cstype.ConsensusPayload) bool {
		return p == nil || p.Type() != typ
	}
}

// flush 反复投递消息和区块，直到网络中没有待处理的消息
// 被丢弃消息的发送方也不会把区块交给接收方
func flush(t *testing.T, nodes []*testNode, filter linkFilter, deliverBlocks bool) {
	relayed := make(map[string]bool)
	for round := 0; ; round++ {
		require.Less(t, round, 1000, "network did not settle")
		progress := false
		for _, from := range nodes {
			for _, s := range from.out.takePending() {
				progress = true
				for _, to := range nodes {
					if to.index == from.index {
						continue
					}
					if s.to != "" && s.to != peerID(to.index) {
						continue
					}
					if !filter(from.index, to.index, s.payload) {
						continue
					}
					to.deliver(s.payload, from.index)
				}
			}
			if deliverBlocks {
				for _, block := range from.out.relayedBlocks() {
					key := fmt.Sprintf("%d/%X", from.index, []byte(block.Hash()))
					if relayed[key] {
						continue
					}
					relayed[key] = true
					progress = true
					for _, to := range nodes {
						if to.index != from.index && filter(from.index, to.index, nil) {
							_ = to.ledger.AddBlock(blockOverWire(block))
						}
					}
				}
			}
		}
		for _, node := range nodes {
			if node.drainInternal() {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func primaryOf(nodes []*testNode) *testNode {
	return nodes[nodes[0].rs().PrimaryIndex]
}
