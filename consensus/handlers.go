package consensus

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

// 提案时间戳最多领先本地时钟的时间
const maxProposalClockDrift = 10 * time.Minute

// initializeConsensus 进入view，重置上下文并设置定时器
func (cs *ConsensusService) initializeConsensus(view uint8) {
	ctx := cs.context
	ctx.Reset(view)
	if view > 0 {
		cs.Logger.Info("changed view", "height", ctx.BlockIndex, "view", view, "primary", ctx.PrimaryIndex)
	}
	cs.Logger.Info("initialize", "height", ctx.BlockIndex, "view", view, "index", ctx.MyIndex, "role", ctx.Role())

	cs.metrics.Height.Set(float64(ctx.BlockIndex))
	cs.metrics.View.Set(float64(view))
	cs.metrics.Validators.Set(float64(ctx.Validators.Size()))
	cs.metrics.FailedValidators.Set(float64(ctx.CountFailed()))
	cs.statusMetric.MarkRound(ctx.BlockIndex, view, ctx.Role(), ctx.PrimaryIndex)

	if ctx.WatchOnly() {
		return
	}

	interval := cs.config.BlockInterval
	if ctx.IsPrimary() && !cs.isRecovering {
		// 主节点从上一个区块持久化的时间开始计时
		if cs.blockReceivedIndex+1 == ctx.BlockIndex {
			elapsed := tmtime.Now().Sub(cs.blockReceivedTime)
			if elapsed >= interval {
				interval = 0
			} else {
				interval -= elapsed
			}
		}
		cs.changeTimer(interval)
		return
	}
	cs.changeTimer(backoff(interval, uint(view)+1))
}

func (cs *ConsensusService) onTimeout() {
	ctx := cs.context
	if ctx.WatchOnly() || ctx.BlockSent() {
		return
	}

	if ctx.IsPrimary() && !ctx.RequestSentOrReceived() {
		cs.sendPrepareRequest()
		return
	}

	if ctx.CommitSent() {
		// 重发Commit，防止消息丢失
		cs.Logger.Debug("sending recovery to resend commit", "height", ctx.BlockIndex, "view", ctx.ViewNumber)
		cs.broadcastRecovery("")
		cs.changeTimer(backoff(cs.config.BlockInterval, 1))
		return
	}

	reason := cstype.ReasonTimeout
	if ctx.RequestSentOrReceived() && !ctx.HasAllTransactions() {
		reason = cstype.ReasonTxNotFound
	}
	cs.requestChangeView(reason)
}

func (cs *ConsensusService) sendPrepareRequest() {
	ctx := cs.context
	p, err := ctx.MakePrepareRequest()
	if err != nil {
		cs.Logger.Error("make prepare request failed", "err", err)
		return
	}
	cs.Logger.Info("sending PrepareRequest", "height", ctx.BlockIndex, "view", ctx.ViewNumber, "txs", len(ctx.TransactionHashes))
	cs.broadcaster.SendToAll(p)

	if ctx.Validators.Size() == 1 {
		cs.checkPreparations()
	}
	if len(ctx.TransactionHashes) > 0 {
		cs.txFetcher.AnnounceTxs(ctx.TransactionHashes)
	}

	delay := backoff(cs.config.BlockInterval, uint(ctx.ViewNumber)+1)
	if ctx.ViewNumber == 0 {
		delay -= cs.config.BlockInterval
	}
	cs.changeTimer(delay)
}

func (cs *ConsensusService) requestChangeView(reason cstype.ChangeViewReason) {
	ctx := cs.context
	if ctx.WatchOnly() {
		return
	}
	expectedView := uint(ctx.ViewNumber) + 1
	cs.changeTimer(backoff(cs.config.BlockInterval, expectedView+1))

	if expectedView > 255 {
		// view编号已经用完，只能等待其他节点的恢复消息
		cs.requestRecovery()
		return
	}

	if ctx.MoreThanFNodesCommittedOrLost() {
		cs.requestRecovery()
		return
	}

	p, err := ctx.MakeChangeView(reason, uint8(expectedView))
	if err != nil {
		cs.Logger.Error("make change view failed", "err", err)
		return
	}
	cs.Logger.Info("request change view", "height", ctx.BlockIndex, "view", ctx.ViewNumber,
		"nv", expectedView, "reason", reason, "nc", ctx.CountCommitted(), "nf", ctx.CountFailed())
	cs.metrics.ChangeViews.With("reason", reason.String()).Add(1)
	cs.statusMetric.MarkChangeView()
	cs.broadcaster.SendToAll(p)
	cs.checkExpectedView()
}

// checkExpectedView 找到至少M个验证者同意的最高view
// 本节点还没有投到这个view时先广播ChangeAgreement，然后进入该view
func (cs *ConsensusService) checkExpectedView() {
	ctx := cs.context
	views := make([]int, 0, len(ctx.ChangeViewPayloads))
	for _, p := range ctx.ChangeViewPayloads {
		if p != nil {
			views = append(views, int(p.ChangeView().NewViewNumber))
		}
	}
	if len(views) < ctx.M() {
		return
	}
	sort.Sort(sort.Reverse(sort.IntSlice(views)))
	target := uint8(views[ctx.M()-1])
	if target <= ctx.ViewNumber {
		return
	}

	if !ctx.WatchOnly() {
		own := ctx.ChangeViewPayloads[ctx.MyIndex]
		if own == nil || own.ChangeView().NewViewNumber < target {
			p, err := ctx.MakeChangeView(cstype.ReasonChangeAgreement, target)
			if err != nil {
				cs.Logger.Error("make change view failed", "err", err)
			} else {
				cs.metrics.ChangeViews.With("reason", cstype.ReasonChangeAgreement.String()).Add(1)
				cs.broadcaster.SendToAll(p)
			}
		}
	}
	cs.initializeConsensus(target)
}

//-----------------------------------------------------------------------------
// 消息处理

// onConsensusPayload 检查payload属于当前高度并且签名正确，然后按类型分发
func (cs *ConsensusService) onConsensusPayload(p *cstype.ConsensusPayload, peer p2p.ID) {
	ctx := cs.context
	if ctx.BlockSent() {
		return
	}
	if p.Version != ctx.Version {
		return
	}
	if p.BlockIndex != ctx.BlockIndex || !bytes.Equal(p.PrevHash, ctx.PrevHash) {
		if ctx.BlockIndex < p.BlockIndex {
			cs.Logger.Debug("chain sync", "expected", p.BlockIndex, "current", ctx.BlockIndex-1, "peer", peer)
		}
		return
	}
	if int(p.ValidatorIndex) >= ctx.Validators.Size() {
		return
	}
	if err := p.ValidateBasic(); err != nil {
		cs.Logger.Debug("invalid payload", "err", err, "peer", peer)
		return
	}
	_, val := ctx.Validators.GetByIndex(int32(p.ValidatorIndex))
	if err := p.Verify(val.PubKey); err != nil {
		cs.Logger.Debug("invalid payload witness", "validator", p.ValidatorIndex, "peer", peer)
		return
	}
	ctx.LastSeenMessage[string(val.Address)] = p.BlockIndex

	switch p.Type() {
	case cstype.PrepareRequestType:
		cs.onPrepareRequest(p)
	case cstype.PrepareResponseType:
		cs.onPrepareResponse(p)
	case cstype.ChangeViewType:
		cs.onChangeView(p, peer)
	case cstype.CommitType:
		cs.onCommit(p)
	case cstype.RecoveryRequestType:
		cs.onRecoveryRequest(p, peer)
	case cstype.RecoveryMessageType:
		cs.onRecoveryMessage(p)
	}
}

func (cs *ConsensusService) onPrepareRequest(p *cstype.ConsensusPayload) {
	ctx := cs.context
	msg := p.PrepareRequest()
	if ctx.RequestSentOrReceived() || ctx.NotAcceptingPayloadsDueToViewChanging() {
		return
	}
	if p.ValidatorIndex != ctx.PrimaryIndex || msg.ViewNumber != ctx.ViewNumber {
		return
	}
	cs.Logger.Info("received PrepareRequest", "height", p.BlockIndex, "view", msg.ViewNumber,
		"index", p.ValidatorIndex, "txs", len(msg.TransactionHashes))

	if msg.Timestamp <= ctx.PrevHeader().Timestamp ||
		msg.Timestamp > nowMillis()+uint64(maxProposalClockDrift/time.Millisecond) {
		cs.Logger.Debug("timestamp incorrect", "timestamp", msg.Timestamp)
		return
	}
	for _, h := range msg.TransactionHashes {
		if ctx.Snapshot.ContainsTransaction(h) {
			cs.Logger.Debug("invalid request: transaction already exists", "hash", h)
			return
		}
	}

	cs.extendTimerByFactor(2)

	ctx.SetProposal(msg.Timestamp, msg.Nonce, msg.TransactionHashes)
	hash := p.Hash()
	for i, prep := range ctx.PreparationPayloads {
		if prep == nil {
			continue
		}
		if resp := prep.PrepareResponse(); resp == nil || !bytes.Equal(resp.PreparationHash, hash) {
			ctx.PreparationPayloads[i] = nil
		}
	}
	ctx.PreparationPayloads[ctx.PrimaryIndex] = p

	// 提案到达前缓存的Commit现在才能验证
	if dropped := ctx.DropInvalidCommits(); dropped > 0 {
		cs.Logger.Debug("dropped invalid buffered commits", "count", dropped)
	}

	if len(ctx.TransactionHashes) == 0 {
		cs.checkPrepareResponse()
		return
	}

	verified := make(map[string]*types.Tx)
	for _, tx := range cs.txSource.GetVerifiedTransactions() {
		verified[string(tx.Hash())] = tx
	}
	var unverified []tmbytes.HexBytes
	for _, h := range ctx.TransactionHashes {
		tx, ok := verified[string(h)]
		if !ok {
			unverified = append(unverified, h)
			continue
		}
		if !cs.addTransaction(tx, false) {
			return
		}
	}

	var missing []tmbytes.HexBytes
	for _, h := range unverified {
		tx, ok := cs.txSource.TryGetValue(h)
		if !ok {
			missing = append(missing, h)
			continue
		}
		if !cs.addTransaction(tx, true) {
			return
		}
	}
	if len(missing) > 0 {
		cs.Logger.Debug("requesting missing transactions", "count", len(missing))
		cs.txFetcher.RequestTxs(missing)
	}
}

// addTransaction 返回false表示已经发起了view切换，调用方不需要继续
func (cs *ConsensusService) addTransaction(tx *types.Tx, verify bool) bool {
	ctx := cs.context
	if verify {
		if err := cs.verifyTransaction(tx); err != nil {
			cs.Logger.Error("rejected tx", "hash", tx.Hash(), "err", err)
			if errors.Cause(err) == errTxRejectedByPolicy {
				cs.requestChangeView(cstype.ReasonTxRejectedByPolicy)
			} else {
				cs.requestChangeView(cstype.ReasonTxInvalid)
			}
			return false
		}
	}
	ctx.Transactions[string(tx.Hash())] = tx
	return cs.checkPrepareResponse()
}

var errTxRejectedByPolicy = errors.New("rejected by policy")

func (cs *ConsensusService) verifyTransaction(tx *types.Tx) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if cs.context.Snapshot.ContainsTransaction(tx.Hash()) {
		return errors.New("transaction already on chain")
	}
	if err := cs.ledger.CheckPolicy(tx); err != nil {
		return errors.Wrap(errTxRejectedByPolicy, err.Error())
	}
	return nil
}

// checkPrepareResponse 交易收齐后备份节点发送PrepareResponse
func (cs *ConsensusService) checkPrepareResponse() bool {
	ctx := cs.context
	if !ctx.HasAllTransactions() {
		return true
	}
	// 主节点不给自己的提案投票
	if ctx.IsPrimary() || ctx.WatchOnly() {
		return true
	}
	if size := ctx.GetExpectedBlockSize(); size > cs.ledger.GetMaxBlockSize() {
		cs.Logger.Error("rejected block: exceeds max block size", "size", size, "max", cs.ledger.GetMaxBlockSize())
		cs.requestChangeView(cstype.ReasonBlockRejectedByPolicy)
		return false
	}
	if ctx.ResponseSent() {
		return true
	}

	cs.extendTimerByFactor(2)
	p, err := ctx.MakePrepareResponse()
	if err != nil {
		cs.Logger.Error("make prepare response failed", "err", err)
		return true
	}
	cs.Logger.Info("sending PrepareResponse", "height", ctx.BlockIndex, "view", ctx.ViewNumber)
	cs.broadcaster.SendToAll(p)
	cs.checkPreparations()
	return true
}

// onTransaction 备份节点等待提案引用的交易
func (cs *ConsensusService) onTransaction(tx *types.Tx) {
	ctx := cs.context
	if !ctx.IsBackup() || ctx.NotAcceptingPayloadsDueToViewChanging() ||
		!ctx.RequestSentOrReceived() || ctx.ResponseSent() || ctx.BlockSent() {
		return
	}
	hash := tx.Hash()
	if _, ok := ctx.Transactions[string(hash)]; ok {
		return
	}
	if !ctx.ContainsHash(hash) {
		return
	}
	cs.addTransaction(tx, true)
}

func (cs *ConsensusService) onPrepareResponse(p *cstype.ConsensusPayload) {
	ctx := cs.context
	msg := p.PrepareResponse()
	if msg.ViewNumber != ctx.ViewNumber {
		return
	}
	if ctx.PreparationPayloads[p.ValidatorIndex] != nil || ctx.NotAcceptingPayloadsDueToViewChanging() {
		return
	}
	if p.ValidatorIndex == ctx.PrimaryIndex {
		return
	}
	if prep := ctx.PreparationPayloads[ctx.PrimaryIndex]; prep != nil && !bytes.Equal(msg.PreparationHash, prep.Hash()) {
		return
	}

	cs.Logger.Info("received PrepareResponse", "height", p.BlockIndex, "view", msg.ViewNumber, "index", p.ValidatorIndex)
	cs.extendTimerByFactor(2)
	ctx.PreparationPayloads[p.ValidatorIndex] = p

	if ctx.WatchOnly() || ctx.CommitSent() {
		return
	}
	if ctx.RequestSentOrReceived() {
		cs.checkPreparations()
	}
}

// checkPreparations 收到M个Preparation后先保存上下文再发送Commit
func (cs *ConsensusService) checkPreparations() {
	ctx := cs.context
	if ctx.WatchOnly() {
		return
	}
	if ctx.CountPreparations() < ctx.M() || !ctx.HasAllTransactions() {
		return
	}

	resend := ctx.CommitSent()
	p, err := ctx.MakeCommit()
	if err != nil {
		cs.Logger.Error("make commit failed", "err", err)
		return
	}
	if !cs.config.IgnoreRecoveryLogs && !resend {
		if err := ctx.Save(); err != nil {
			// 没有保存成功就不能发出Commit，重启后可能重复投票
			cs.Logger.Error("save consensus context failed", "err", err)
			ctx.CommitPayloads[ctx.MyIndex] = nil
			return
		}
	}
	cs.Logger.Info("sending Commit", "height", ctx.BlockIndex, "view", ctx.ViewNumber)
	cs.broadcaster.SendToAll(p)
	cs.changeTimer(cs.config.BlockInterval)
	cs.checkCommits()
}

func (cs *ConsensusService) onCommit(p *cstype.ConsensusPayload) {
	ctx := cs.context
	msg := p.Commit()
	if existing := ctx.CommitPayloads[p.ValidatorIndex]; existing != nil {
		if !bytes.Equal(existing.Hash(), p.Hash()) {
			cs.Logger.Error("rejected Commit", "equivocation", true, "height", p.BlockIndex,
				"index", p.ValidatorIndex, "view", msg.ViewNumber, "existingView", existing.ViewNumber())
		}
		return
	}

	cs.extendTimerByFactor(4)

	if msg.ViewNumber != ctx.ViewNumber {
		// 其他view的Commit也要记录
		ctx.CommitPayloads[p.ValidatorIndex] = p
		return
	}

	cs.Logger.Info("received Commit", "height", p.BlockIndex, "view", msg.ViewNumber, "index", p.ValidatorIndex)
	header := ctx.EnsureHeader()
	if header == nil {
		// 提案到达后再验证
		ctx.CommitPayloads[p.ValidatorIndex] = p
		return
	}
	if err := ctx.Validators.Validators[p.ValidatorIndex].BLSPubKey.Verify(header.Hash(), msg.Signature); err != nil {
		cs.Logger.Debug("invalid commit signature", "index", p.ValidatorIndex, "err", err)
		return
	}
	ctx.CommitPayloads[p.ValidatorIndex] = p
	cs.checkCommits()
}

// checkCommits 收到M个当前view的Commit后组装区块交给账本
func (cs *ConsensusService) checkCommits() {
	ctx := cs.context
	if ctx.CountCommitsInView() < ctx.M() || !ctx.HasAllTransactions() {
		return
	}
	block, err := ctx.CreateBlock()
	if err != nil {
		cs.Logger.Error("create block failed", "err", err)
		return
	}
	cs.Logger.Info("sending Block", "height", block.Index(), "hash", block.Hash(), "txs", len(block.Txs))
	cs.broadcaster.RelayBlock(block)

	if err := cs.ledger.AddBlock(block); err != nil {
		if errors.Is(err, types.ErrOnPersistFailed) {
			panic(fmt.Sprintf("CONSENSUS FAILURE!!! block %d: %v", block.Index(), err))
		}
		cs.Logger.Error("add block failed", "height", block.Index(), "err", err)
	}
}

func (cs *ConsensusService) onChangeView(p *cstype.ConsensusPayload, peer p2p.ID) {
	ctx := cs.context
	msg := p.ChangeView()
	if msg.NewViewNumber <= ctx.ViewNumber {
		// 对方落后，当作恢复请求处理
		cs.onRecoveryRequest(p, peer)
	}
	if ctx.CommitSent() {
		return
	}
	if existing := ctx.ChangeViewPayloads[p.ValidatorIndex]; existing != nil &&
		existing.ChangeView().NewViewNumber >= msg.NewViewNumber {
		return
	}

	cs.Logger.Info("received ChangeView", "height", p.BlockIndex, "view", msg.ViewNumber,
		"index", p.ValidatorIndex, "nv", msg.NewViewNumber, "reason", msg.Reason)
	ctx.ChangeViewPayloads[p.ValidatorIndex] = p
	cs.checkExpectedView()
}

func (cs *ConsensusService) onPersistCompleted(block *types.Block) {
	ctx := cs.context
	if block.Index() < ctx.BlockIndex {
		return
	}
	cs.Logger.Info("persisted block", "height", block.Index(), "hash", block.Hash(), "txs", len(block.Txs))

	if !cs.blockReceivedTime.IsZero() {
		cs.metrics.BlockIntervalSeconds.Observe(tmtime.Now().Sub(cs.blockReceivedTime).Seconds())
	}
	cs.metrics.NumTxs.Set(float64(len(block.Txs)))
	cs.metrics.BlockSizeBytes.Set(float64(types.ExpectedBlockSize(ctx.Validators.Size(), block.Txs)))
	cs.statusMetric.MarkBlock(block.Index(), len(block.Txs))

	cs.blockReceivedIndex = block.Index()
	cs.blockReceivedTime = tmtime.Now()
	cs.knownHashes = make(map[string]struct{})
	cs.initializeConsensus(0)
}
