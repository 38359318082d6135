package consensus

import (
	"github.com/tendermint/tendermint/p2p"

	cstype "dbft_node/consensus/types"
)

// requestRecovery 只有在账本已经同步到上一个区块时才请求恢复
func (cs *ConsensusService) requestRecovery() {
	ctx := cs.context
	if ctx.BlockIndex != cs.ledger.HeaderHeight()+1 {
		return
	}
	p, err := ctx.MakeRecoveryRequest()
	if err != nil {
		cs.Logger.Error("make recovery request failed", "err", err)
		return
	}
	cs.Logger.Info("sending RecoveryRequest", "height", ctx.BlockIndex, "view", ctx.ViewNumber,
		"nc", ctx.CountCommitted(), "nf", ctx.CountFailed())
	cs.broadcaster.SendToAll(p)
}

// broadcastRecovery peer不为空时只发给转发请求的邻居，由它继续转发
func (cs *ConsensusService) broadcastRecovery(peer p2p.ID) {
	p, err := cs.context.MakeRecoveryMessage()
	if err != nil {
		cs.Logger.Error("make recovery message failed", "err", err)
		return
	}
	cs.metrics.RecoveryMessages.Add(1)
	cs.statusMetric.MarkRecovery()
	if peer != "" {
		cs.broadcaster.SendToOne(peer, p)
		return
	}
	cs.broadcaster.SendToAll(p)
}

// onRecoveryRequest 最多F个节点响应同一个请求：
// (请求者下标 + i) mod n == 本节点下标，i属于[1, F]
// 已经发出Commit的节点总是响应
func (cs *ConsensusService) onRecoveryRequest(p *cstype.ConsensusPayload, peer p2p.ID) {
	ctx := cs.context
	key := string(p.Hash())
	if _, ok := cs.knownHashes[key]; ok {
		return
	}
	cs.knownHashes[key] = struct{}{}

	cs.Logger.Debug("received RecoveryRequest", "height", p.BlockIndex, "index", p.ValidatorIndex, "type", p.Type())
	if ctx.WatchOnly() {
		return
	}
	if !ctx.CommitSent() {
		shouldSend := false
		n := ctx.Validators.Size()
		for i := 1; i <= ctx.F(); i++ {
			if (int(p.ValidatorIndex)+i)%n == ctx.MyIndex {
				shouldSend = true
				break
			}
		}
		if !shouldSend {
			return
		}
	}
	cs.broadcastRecovery(peer)
}

// onRecoveryMessage 把恢复消息里的payload重建出来，按普通消息重新处理
// 每一步之后上下文都可能已经改变
func (cs *ConsensusService) onRecoveryMessage(p *cstype.ConsensusPayload) {
	ctx := cs.context
	msg := p.RecoveryMessage()

	cs.isRecovering = true
	var (
		validCV, totalCV       int
		validReq, totalReq     int
		validResp, totalResp   int
		validCommit, totalComm int
	)
	defer func() {
		cs.Logger.Info("recovery finished", "height", p.BlockIndex, "view", msg.ViewNumber, "index", p.ValidatorIndex,
			"cv", validCV, "cvTotal", totalCV, "req", validReq, "reqTotal", totalReq,
			"resp", validResp, "respTotal", totalResp, "commit", validCommit, "commitTotal", totalComm)
		cs.isRecovering = false
	}()

	if msg.ViewNumber > ctx.ViewNumber {
		if ctx.CommitSent() {
			return
		}
		cvs := msg.ChangeViewPayloads(p)
		totalCV = len(cvs)
		for _, cv := range cvs {
			if cs.reverifyAndProcess(cv) {
				validCV++
			}
		}
	}

	if msg.ViewNumber == ctx.ViewNumber && !ctx.NotAcceptingPayloadsDueToViewChanging() && !ctx.CommitSent() {
		if !ctx.RequestSentOrReceived() {
			if req := msg.PrepareRequestPayload(p, ctx.PrimaryIndex); req != nil {
				totalReq = 1
				if cs.reverifyAndProcess(req) {
					validReq++
				}
			} else if ctx.IsPrimary() {
				cs.sendPrepareRequest()
			}
		}
		preparationHash := ctx.PreparationPayloads[ctx.PrimaryIndex].Hash()
		resps := msg.PrepareResponsePayloads(p, ctx.PrimaryIndex, preparationHash)
		totalResp = len(resps)
		for _, resp := range resps {
			if cs.reverifyAndProcess(resp) {
				validResp++
			}
		}
	}

	if msg.ViewNumber <= ctx.ViewNumber {
		commits := msg.CommitPayloads(p)
		totalComm = len(commits)
		for _, c := range commits {
			if cs.reverifyAndProcess(c) {
				validCommit++
			}
		}
	}
}

// reverifyAndProcess 重建出的payload必须带有原验证者的有效签名
func (cs *ConsensusService) reverifyAndProcess(p *cstype.ConsensusPayload) bool {
	ctx := cs.context
	if int(p.ValidatorIndex) >= ctx.Validators.Size() {
		return false
	}
	if err := p.ValidateBasic(); err != nil {
		return false
	}
	if err := p.Verify(ctx.Validators.Validators[p.ValidatorIndex].PubKey); err != nil {
		cs.Logger.Debug("recovered payload has invalid witness", "index", p.ValidatorIndex, "type", p.Type())
		return false
	}
	cs.onConsensusPayload(p, "")
	return true
}
