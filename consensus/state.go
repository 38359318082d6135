package consensus

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"
	tmdb "github.com/tendermint/tm-db"

	cfg "dbft_node/config"
	cstype "dbft_node/consensus/types"
	"dbft_node/libs/metric"
	"dbft_node/types"
)

// ConsensusService dBFT共识状态机
// 所有消息和超时事件都在receiveRoutine中串行处理，只有它会修改ConsensusContext
type ConsensusService struct {
	service.BaseService

	config *cfg.DBFTConfig

	mtx     sync.Mutex
	context *ConsensusContext

	// 外部组件
	ledger      Ledger
	txSource    TransactionSource
	broadcaster Broadcaster
	txFetcher   TxFetcher

	metrics      *Metrics
	statusMetric *consensusMetric

	// 逻辑时钟
	timeoutTicker TimeoutTicker
	timerSeq      uint64
	clockStarted  time.Time
	expectedDelay time.Duration

	// 通信管道
	peerMsgQueue     chan msgInfo // 其他节点的共识消息
	internalMsgQueue chan msgInfo // 交易到达、区块持久化完成

	blockReceivedIndex uint32
	blockReceivedTime  time.Time

	// 本高度已经响应过的恢复请求
	knownHashes  map[string]struct{}
	isRecovering bool
}

type ServiceOption func(*ConsensusService)

func WithTxFetcher(fetcher TxFetcher) ServiceOption {
	return func(cs *ConsensusService) { cs.txFetcher = fetcher }
}

func WithMetrics(metrics *Metrics) ServiceOption {
	return func(cs *ConsensusService) { cs.metrics = metrics }
}

func WithTimeoutTicker(ticker TimeoutTicker) ServiceOption {
	return func(cs *ConsensusService) { cs.timeoutTicker = ticker }
}

func WithBroadcaster(broadcaster Broadcaster) ServiceOption {
	return func(cs *ConsensusService) { cs.broadcaster = broadcaster }
}

func NewConsensusService(
	config *cfg.DBFTConfig,
	privVal types.PrivValidator,
	ledger Ledger,
	txSource TransactionSource,
	db tmdb.DB,
	options ...ServiceOption,
) *ConsensusService {
	cs := &ConsensusService{
		config:           config,
		context:          NewConsensusContext(config, privVal, ledger, txSource, db),
		ledger:           ledger,
		txSource:         txSource,
		broadcaster:      nopBroadcaster{},
		txFetcher:        nopTxFetcher{},
		metrics:          NopMetrics(),
		statusMetric:     newConsensusMetric(),
		timeoutTicker:    NewTimeoutTicker(),
		peerMsgQueue:     make(chan msgInfo, config.PeerQueueSize),
		internalMsgQueue: make(chan msgInfo, config.InternalQueueSize),
		knownHashes:      make(map[string]struct{}),
	}
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

func (cs *ConsensusService) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.timeoutTicker.SetLogger(logger.With("module", "timer"))
}

// SetBroadcaster 节点启动前由reactor注入
func (cs *ConsensusService) SetBroadcaster(b Broadcaster) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.broadcaster = b
}

func (cs *ConsensusService) SetTxFetcher(f TxFetcher) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.txFetcher = f
}

// StatusMetric 供metrics RPC注册
func (cs *ConsensusService) StatusMetric() metric.MetricItem {
	return cs.statusMetric
}

func (cs *ConsensusService) OnStart() error {
	if err := cs.timeoutTicker.Start(); err != nil {
		return err
	}
	cs.ledger.OnPersistCompleted(cs.onBlockPersisted)

	cs.mtx.Lock()
	cs.start()
	cs.mtx.Unlock()

	go cs.receiveRoutine()
	cs.Logger.Info("consensus receive routine started.")
	return nil
}

func (cs *ConsensusService) OnStop() {
	if err := cs.timeoutTicker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
	cs.Logger.Info("consensus service stopped.")
}

// start 恢复上一次保存的上下文，然后进入当前view
func (cs *ConsensusService) start() {
	ctx := cs.context
	loaded := false
	if !cs.config.IgnoreRecoveryLogs {
		ok, err := ctx.Load()
		if err != nil {
			cs.Logger.Error("load consensus context failed", "err", err)
		}
		loaded = ok
	}

	if loaded {
		cs.Logger.Info("consensus context loaded", "height", ctx.BlockIndex, "view", ctx.ViewNumber,
			"commitSent", ctx.CommitSent())
		if r, ok := cs.txSource.(TxResubmitter); ok {
			r.Resubmit(ctx.LoadedTransactions())
		}
		if ctx.CommitSent() {
			// 已经投过Commit，只能重发，不能重新投票
			cs.statusMetric.MarkRound(ctx.BlockIndex, ctx.ViewNumber, ctx.Role(), ctx.PrimaryIndex)
			cs.broadcastRecovery("")
			cs.changeTimer(cs.config.BlockInterval)
			cs.checkCommits()
			return
		}
	}

	cs.initializeConsensus(ctx.ViewNumber)
	if !ctx.WatchOnly() {
		cs.requestRecovery()
	}
}

// receiveRoutine负责接收所有的消息
func (cs *ConsensusService) receiveRoutine() {
	cs.Logger.Debug("consensus receive routine starts.")
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return

		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)

		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)

		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

func (cs *ConsensusService) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	switch msg := mi.Msg.(type) {
	case *cstype.ConsensusPayload:
		cs.onConsensusPayload(msg, mi.PeerID)
	case *txMessage:
		cs.onTransaction(msg.Tx)
	case *blockPersistedMessage:
		cs.onPersistCompleted(msg.Block)
	default:
		cs.Logger.Error("unknown msg type", "type", fmt.Sprintf("%T", msg))
	}
}

func (cs *ConsensusService) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	ctx := cs.context
	if ti.Height != ctx.BlockIndex || ti.View != ctx.ViewNumber || ti.Seq != cs.timerSeq {
		cs.Logger.Debug("ignoring stale timeout", "ti", ti.String(), "height", ctx.BlockIndex, "view", ctx.ViewNumber)
		return
	}
	cs.onTimeout()
}

//-----------------------------------------------------------------------------
// 外部接口

// ReceivePayload 交给receiveRoutine处理来自peer的共识消息
func (cs *ConsensusService) ReceivePayload(p *cstype.ConsensusPayload, peer p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{p, peer}:
	case <-cs.Quit():
	}
}

// OnTransaction 交易池接收到新交易时调用，不阻塞
func (cs *ConsensusService) OnTransaction(tx *types.Tx) {
	cs.sendInternalMessage(msgInfo{&txMessage{Tx: tx}, ""})
}

func (cs *ConsensusService) onBlockPersisted(block *types.Block) {
	cs.sendInternalMessage(msgInfo{&blockPersistedMessage{Block: block}, ""})
}

// GetRoundState 返回当前状态的快照
func (cs *ConsensusService) GetRoundState() *cstype.RoundState {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.context.RoundState()
}

// 直接写可能会因为receiveRoutine blocked从而导致本协程block
func (cs *ConsensusService) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			select {
			case cs.internalMsgQueue <- mi:
			case <-cs.Quit():
			}
		}()
	}
}

//-----------------------------------------------------------------------------
// 定时器

// changeTimer 取消之前的定时器，delay后触发onTimeout
func (cs *ConsensusService) changeTimer(delay time.Duration) {
	cs.clockStarted = tmtime.Now()
	cs.expectedDelay = delay
	cs.timerSeq++
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: delay,
		Height:   cs.context.BlockIndex,
		View:     cs.context.ViewNumber,
		Seq:      cs.timerSeq,
	})
}

// extendTimerByFactor 收到有效消息时延长定时器，避免在共识推进中切换view
func (cs *ConsensusService) extendTimerByFactor(factor int) {
	ctx := cs.context
	if ctx.WatchOnly() || ctx.ViewChanging() || ctx.CommitSent() {
		return
	}
	delay := cs.expectedDelay - tmtime.Now().Sub(cs.clockStarted) +
		time.Duration(factor)*cs.config.BlockInterval/time.Duration(ctx.M())
	if delay > 0 {
		cs.changeTimer(delay)
	}
}

// backoff base << shift，溢出时取最大值
func backoff(base time.Duration, shift uint) time.Duration {
	if base <= 0 {
		return 0
	}
	if shift >= 63 || base > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return base << shift
}

//-----------------------------------------------------------------------------
// 消息格式

// Message 进入receiveRoutine的消息
type Message interface{}

type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

// txMessage 交易池收到的新交易
type txMessage struct {
	Tx *types.Tx
}

// blockPersistedMessage 账本完成一个区块的持久化
type blockPersistedMessage struct {
	Block *types.Block
}
