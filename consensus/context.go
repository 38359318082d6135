package consensus

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmtime "github.com/tendermint/tendermint/types/time"
	tmdb "github.com/tendermint/tm-db"

	cfg "dbft_node/config"
	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

var contextStateKey = []byte("dbft/round_state")

// ConsensusContext 当前高度、当前view的共识状态
// 只能被ConsensusService的receiveRoutine修改
type ConsensusContext struct {
	Version      uint32
	BlockIndex   uint32
	PrevHash     tmbytes.HexBytes
	ViewNumber   uint8
	Validators   *types.ValidatorSet
	MyIndex      int // 不在验证者集合中时为-1
	PrimaryIndex uint16

	// 提案，TransactionHashes为nil表示还不知道提案
	Timestamp         uint64
	Nonce             uint64
	NextConsensus     tmbytes.HexBytes
	TransactionHashes []tmbytes.HexBytes
	Transactions      map[string]*types.Tx

	// 每个验证者一个槽位
	PreparationPayloads    []*cstype.ConsensusPayload
	CommitPayloads         []*cstype.ConsensusPayload
	ChangeViewPayloads     []*cstype.ConsensusPayload
	LastChangeViewPayloads []*cstype.ConsensusPayload

	// 验证者地址 -> 最后一次看到它的消息时的区块高度
	LastSeenMessage map[string]uint32

	Snapshot Snapshot

	prevHeader *types.Header
	header     *types.Header
	block      *types.Block

	config   *cfg.DBFTConfig
	privVal  types.PrivValidator
	ledger   Ledger
	txSource TransactionSource
	db       tmdb.DB
}

func NewConsensusContext(
	config *cfg.DBFTConfig,
	privVal types.PrivValidator,
	ledger Ledger,
	txSource TransactionSource,
	db tmdb.DB,
) *ConsensusContext {
	return &ConsensusContext{
		Version:         types.BlockVersion,
		MyIndex:         -1,
		LastSeenMessage: make(map[string]uint32),
		config:          config,
		privVal:         privVal,
		ledger:          ledger,
		txSource:        txSource,
		db:              db,
	}
}

// Reset 进入view
// view为0时表示开始新的高度，从账本快照重新读取上一个区块和验证者集合
func (c *ConsensusContext) Reset(view uint8) {
	if view == 0 {
		c.Snapshot = c.ledger.Snapshot()
		c.prevHeader = c.Snapshot.CurrentHeader()
		c.PrevHash = c.prevHeader.Hash()
		c.BlockIndex = c.prevHeader.Index + 1
		c.Validators = c.Snapshot.Validators()
		c.NextConsensus = c.Validators.Hash()

		c.MyIndex = -1
		if c.privVal != nil {
			if pub, err := c.privVal.GetPubKey(); err == nil {
				idx, _ := c.Validators.GetByAddress(pub.Address())
				c.MyIndex = int(idx)
			}
		}

		n := c.Validators.Size()
		c.CommitPayloads = make([]*cstype.ConsensusPayload, n)
		c.ChangeViewPayloads = make([]*cstype.ConsensusPayload, n)
		c.LastChangeViewPayloads = make([]*cstype.ConsensusPayload, n)

		lastSeen := make(map[string]uint32, n)
		for _, val := range c.Validators.Validators {
			key := string(val.Address)
			if height, ok := c.LastSeenMessage[key]; ok {
				lastSeen[key] = height
			} else {
				lastSeen[key] = c.prevHeader.Index
			}
		}
		c.LastSeenMessage = lastSeen
		c.block = nil
	} else {
		for i, p := range c.ChangeViewPayloads {
			if p != nil && p.ChangeView().NewViewNumber >= view {
				c.LastChangeViewPayloads[i] = p
			} else {
				c.LastChangeViewPayloads[i] = nil
			}
		}
	}

	c.ViewNumber = view
	c.PrimaryIndex = c.Validators.GetPrimaryIndex(c.BlockIndex, view)
	c.header = nil
	c.Timestamp = 0
	c.Nonce = 0
	c.TransactionHashes = nil
	c.Transactions = nil
	c.PreparationPayloads = make([]*cstype.ConsensusPayload, c.Validators.Size())
	if c.MyIndex >= 0 {
		c.LastSeenMessage[string(c.Validators.Validators[c.MyIndex].Address)] = c.BlockIndex
	}
}

// SetProposal 记录收到的提案
func (c *ConsensusContext) SetProposal(timestamp, nonce uint64, hashes []tmbytes.HexBytes) {
	c.Timestamp = timestamp
	c.Nonce = nonce
	c.TransactionHashes = hashes
	if c.TransactionHashes == nil {
		c.TransactionHashes = []tmbytes.HexBytes{}
	}
	c.Transactions = make(map[string]*types.Tx, len(hashes))
	c.header = nil
}

//-----------------------------------------------------------------------------
// 派生状态

func (c *ConsensusContext) F() int { return c.Validators.F() }
func (c *ConsensusContext) M() int { return c.Validators.M() }

func (c *ConsensusContext) PrevHeader() *types.Header { return c.prevHeader }

func (c *ConsensusContext) IsPrimary() bool { return c.MyIndex == int(c.PrimaryIndex) }
func (c *ConsensusContext) IsBackup() bool  { return c.MyIndex >= 0 && c.MyIndex != int(c.PrimaryIndex) }
func (c *ConsensusContext) WatchOnly() bool { return c.MyIndex < 0 }

func (c *ConsensusContext) Role() cstype.Role {
	switch {
	case c.WatchOnly():
		return cstype.RoleWatchOnly
	case c.IsPrimary():
		return cstype.RolePrimary
	default:
		return cstype.RoleBackup
	}
}

// payloadAt 共识启动前各个slot还没有分配，此时返回nil
func payloadAt(payloads []*cstype.ConsensusPayload, index int) *cstype.ConsensusPayload {
	if index < 0 || index >= len(payloads) {
		return nil
	}
	return payloads[index]
}

func (c *ConsensusContext) RequestSentOrReceived() bool {
	return payloadAt(c.PreparationPayloads, int(c.PrimaryIndex)) != nil
}

func (c *ConsensusContext) ResponseSent() bool {
	return !c.WatchOnly() && payloadAt(c.PreparationPayloads, c.MyIndex) != nil
}

func (c *ConsensusContext) CommitSent() bool {
	return !c.WatchOnly() && payloadAt(c.CommitPayloads, c.MyIndex) != nil
}

func (c *ConsensusContext) BlockSent() bool { return c.block != nil }

func (c *ConsensusContext) ViewChanging() bool {
	if c.WatchOnly() {
		return false
	}
	p := payloadAt(c.ChangeViewPayloads, c.MyIndex)
	return p != nil && p.ChangeView().NewViewNumber > c.ViewNumber
}

// CountCommitted 已经发出Commit的验证者，不区分view
func (c *ConsensusContext) CountCommitted() int {
	return countNonNil(c.CommitPayloads)
}

// CountFailed 超过一个区块没有消息的验证者
func (c *ConsensusContext) CountFailed() int {
	count := 0
	for _, val := range c.Validators.Validators {
		if height, ok := c.LastSeenMessage[string(val.Address)]; !ok || height+1 < c.BlockIndex {
			count++
		}
	}
	return count
}

func (c *ConsensusContext) MoreThanFNodesCommittedOrLost() bool {
	return c.CountCommitted()+c.CountFailed() > c.F()
}

func (c *ConsensusContext) NotAcceptingPayloadsDueToViewChanging() bool {
	return c.ViewChanging() && !c.MoreThanFNodesCommittedOrLost()
}

func (c *ConsensusContext) CountPreparations() int {
	return countNonNil(c.PreparationPayloads)
}

// CountCommitsInView 当前view的Commit数量
func (c *ConsensusContext) CountCommitsInView() int {
	count := 0
	for _, p := range c.CommitPayloads {
		if p != nil && p.ViewNumber() == c.ViewNumber {
			count++
		}
	}
	return count
}

// HasAllTransactions 提案已知并且引用的交易都已经收齐
func (c *ConsensusContext) HasAllTransactions() bool {
	if c.TransactionHashes == nil {
		return false
	}
	for _, h := range c.TransactionHashes {
		if _, ok := c.Transactions[string(h)]; !ok {
			return false
		}
	}
	return true
}

func (c *ConsensusContext) MissingTransactions() []tmbytes.HexBytes {
	var missing []tmbytes.HexBytes
	for _, h := range c.TransactionHashes {
		if _, ok := c.Transactions[string(h)]; !ok {
			missing = append(missing, h)
		}
	}
	return missing
}

func (c *ConsensusContext) ContainsHash(hash tmbytes.HexBytes) bool {
	for _, h := range c.TransactionHashes {
		if bytes.Equal(h, hash) {
			return true
		}
	}
	return false
}

func countNonNil(payloads []*cstype.ConsensusPayload) int {
	count := 0
	for _, p := range payloads {
		if p != nil {
			count++
		}
	}
	return count
}

//-----------------------------------------------------------------------------
// 区块

// EnsureHeader 提案未知时返回nil
func (c *ConsensusContext) EnsureHeader() *types.Header {
	if c.TransactionHashes == nil {
		return nil
	}
	if c.header == nil {
		c.header = &types.Header{
			Version:       types.BlockVersion,
			PrevHash:      c.PrevHash,
			MerkleRoot:    types.MerkleRoot(c.TransactionHashes),
			Timestamp:     c.Timestamp,
			Index:         c.BlockIndex,
			PrimaryIndex:  c.PrimaryIndex,
			Nonce:         c.Nonce,
			NextConsensus: c.NextConsensus,
		}
	}
	return c.header
}

// CreateBlock 用当前view前M个Commit的签名聚合出见证，组装区块
func (c *ConsensusContext) CreateBlock() (*types.Block, error) {
	header := c.EnsureHeader()
	if header == nil {
		return nil, errors.New("proposal is unknown")
	}

	var (
		indices []int
		sigs    [][]byte
	)
	if dropped := c.DropInvalidCommits(); dropped > 0 && c.CountCommitsInView() < c.M() {
		return nil, fmt.Errorf("%d commits have invalid signatures", dropped)
	}
	for i, p := range c.CommitPayloads {
		if len(indices) == c.M() {
			break
		}
		if p == nil || p.ViewNumber() != c.ViewNumber {
			continue
		}
		indices = append(indices, i)
		sigs = append(sigs, p.Commit().Signature)
	}
	witness, err := types.NewWitness(c.Validators.Size(), indices, sigs)
	if err != nil {
		return nil, err
	}

	txs := make(types.Txs, len(c.TransactionHashes))
	for i, h := range c.TransactionHashes {
		tx, ok := c.Transactions[string(h)]
		if !ok {
			return nil, fmt.Errorf("transaction %v is missing", h)
		}
		txs[i] = tx
	}

	c.block = &types.Block{
		Header:  *header,
		Txs:     txs,
		Witness: witness,
	}
	return c.block, nil
}

// GetExpectedBlockSize 用已收到的交易估算区块大小
func (c *ConsensusContext) GetExpectedBlockSize() int64 {
	txs := make(types.Txs, 0, len(c.Transactions))
	for _, tx := range c.Transactions {
		txs = append(txs, tx)
	}
	return types.ExpectedBlockSize(c.Validators.Size(), txs)
}

//-----------------------------------------------------------------------------
// 构造payload

func (c *ConsensusContext) makeSignedPayload(msg cstype.ConsensusMessage) (*cstype.ConsensusPayload, error) {
	if c.WatchOnly() {
		return nil, errors.New("watch-only node can't sign payloads")
	}
	p := &cstype.ConsensusPayload{
		Version:        c.Version,
		PrevHash:       c.PrevHash,
		BlockIndex:     c.BlockIndex,
		ValidatorIndex: uint16(c.MyIndex),
		Data:           msg,
	}
	if err := p.Sign(c.privVal); err != nil {
		return nil, errors.Wrapf(err, "sign %v", msg.Type())
	}
	return p, nil
}

// MakePrepareRequest 主节点从交易池选出交易生成提案
func (c *ConsensusContext) MakePrepareRequest() (*cstype.ConsensusPayload, error) {
	c.fillProposal(c.txSource.GetVerifiedTransactions())

	c.Timestamp = nowMillis()
	if min := c.prevHeader.Timestamp + 1; c.Timestamp < min {
		c.Timestamp = min
	}
	c.Nonce = tmrand.Uint64()
	c.header = nil

	p, err := c.makeSignedPayload(&cstype.PrepareRequest{
		ViewNumber:        c.ViewNumber,
		Timestamp:         c.Timestamp,
		Nonce:             c.Nonce,
		TransactionHashes: c.TransactionHashes,
	})
	if err != nil {
		return nil, err
	}
	c.PreparationPayloads[c.MyIndex] = p
	c.DropInvalidCommits()
	return p, nil
}

// DropInvalidCommits 用当前提案的区块头验证当前view的Commit，删除签名不对的
// 提案未知时缓存的Commit没有验证过
func (c *ConsensusContext) DropInvalidCommits() int {
	header := c.EnsureHeader()
	if header == nil {
		return 0
	}
	headerHash := header.Hash()
	dropped := 0
	for i, p := range c.CommitPayloads {
		if p == nil || p.ViewNumber() != c.ViewNumber {
			continue
		}
		if err := c.Validators.Validators[i].BLSPubKey.Verify(headerHash, p.Commit().Signature); err != nil {
			c.CommitPayloads[i] = nil
			dropped++
		}
	}
	return dropped
}

// fillProposal 按顺序选取交易，跳过被策略拒绝的交易，
// 达到交易数上限或区块大小上限时停止
func (c *ConsensusContext) fillProposal(txs []*types.Tx) {
	var (
		maxSize = c.ledger.GetMaxBlockSize()
		size    = types.ExpectedBlockSize(c.Validators.Size(), nil)
	)
	c.TransactionHashes = make([]tmbytes.HexBytes, 0, len(txs))
	c.Transactions = make(map[string]*types.Tx, len(txs))

	for _, tx := range txs {
		if len(c.TransactionHashes) >= c.config.MaxTransactionsPerBlock {
			break
		}
		if err := c.ledger.CheckPolicy(tx); err != nil {
			continue
		}
		size += tx.Size()
		if size > maxSize {
			break
		}
		hash := tx.Hash()
		if _, ok := c.Transactions[string(hash)]; ok {
			continue
		}
		c.TransactionHashes = append(c.TransactionHashes, hash)
		c.Transactions[string(hash)] = tx
	}
}

func (c *ConsensusContext) MakePrepareResponse() (*cstype.ConsensusPayload, error) {
	p, err := c.makeSignedPayload(&cstype.PrepareResponse{
		ViewNumber:      c.ViewNumber,
		PreparationHash: c.PreparationPayloads[c.PrimaryIndex].Hash(),
	})
	if err != nil {
		return nil, err
	}
	c.PreparationPayloads[c.MyIndex] = p
	return p, nil
}

// MakeCommit 已经发出过Commit时返回原来的payload，不会重新签名
func (c *ConsensusContext) MakeCommit() (*cstype.ConsensusPayload, error) {
	if c.CommitSent() {
		return c.CommitPayloads[c.MyIndex], nil
	}
	header := c.EnsureHeader()
	if header == nil {
		return nil, errors.New("can't commit an unknown proposal")
	}
	sig, err := c.privVal.SignBlock(header.Hash())
	if err != nil {
		return nil, errors.Wrap(err, "sign block")
	}
	p, err := c.makeSignedPayload(&cstype.Commit{
		ViewNumber: c.ViewNumber,
		Signature:  sig,
	})
	if err != nil {
		return nil, err
	}
	c.CommitPayloads[c.MyIndex] = p
	return p, nil
}

func (c *ConsensusContext) MakeChangeView(reason cstype.ChangeViewReason, newView uint8) (*cstype.ConsensusPayload, error) {
	p, err := c.makeSignedPayload(&cstype.ChangeView{
		ViewNumber:    c.ViewNumber,
		NewViewNumber: newView,
		Timestamp:     nowMillis(),
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	c.ChangeViewPayloads[c.MyIndex] = p
	return p, nil
}

func (c *ConsensusContext) MakeRecoveryRequest() (*cstype.ConsensusPayload, error) {
	return c.makeSignedPayload(&cstype.RecoveryRequest{
		ViewNumber: c.ViewNumber,
		Timestamp:  nowMillis(),
	})
}

// MakeRecoveryMessage 打包当前能证明的全部消息
func (c *ConsensusContext) MakeRecoveryMessage() (*cstype.ConsensusPayload, error) {
	msg := &cstype.RecoveryMessage{
		ViewNumber: c.ViewNumber,
	}

	for _, p := range c.LastChangeViewPayloads {
		if len(msg.ChangeViewMessages) == c.M() {
			break
		}
		if p != nil {
			msg.ChangeViewMessages = append(msg.ChangeViewMessages, cstype.NewChangeViewCompact(p))
		}
	}

	if c.TransactionHashes != nil && c.RequestSentOrReceived() {
		msg.PrepareRequestMessage = c.PreparationPayloads[c.PrimaryIndex].PrepareRequest()
	} else {
		msg.PreparationHash = c.mostCommonPreparationHash()
	}

	for _, p := range c.PreparationPayloads {
		if p != nil {
			msg.PreparationMessages = append(msg.PreparationMessages, cstype.NewPreparationCompact(p))
		}
	}

	if c.CommitSent() {
		for _, p := range c.CommitPayloads {
			if p != nil {
				msg.CommitMessages = append(msg.CommitMessages, cstype.NewCommitCompact(p))
			}
		}
	}

	return c.makeSignedPayload(msg)
}

// mostCommonPreparationHash 不知道提案时，取PrepareResponse里引用最多的hash
func (c *ConsensusContext) mostCommonPreparationHash() tmbytes.HexBytes {
	var (
		best   tmbytes.HexBytes
		most   int
		counts = make(map[string]int)
	)
	for _, p := range c.PreparationPayloads {
		if p == nil {
			continue
		}
		resp := p.PrepareResponse()
		if resp == nil {
			continue
		}
		key := string(resp.PreparationHash)
		counts[key]++
		if counts[key] > most {
			most = counts[key]
			best = resp.PreparationHash
		}
	}
	return best
}

//-----------------------------------------------------------------------------
// 恢复日志

// contextRecord 保存在数据库中的共识上下文
type contextRecord struct {
	Version           uint32             `json:"version"`
	BlockIndex        uint32             `json:"block_index"`
	PrevHash          tmbytes.HexBytes   `json:"prev_hash"`
	ViewNumber        uint8              `json:"view_number"`
	Timestamp         uint64             `json:"timestamp"`
	Nonce             uint64             `json:"nonce"`
	TransactionHashes []tmbytes.HexBytes `json:"transaction_hashes"`
	ProposalKnown     bool               `json:"proposal_known"`
	Transactions      []*types.Tx        `json:"transactions"`

	PreparationPayloads    []*cstype.ConsensusPayload `json:"preparation_payloads"`
	CommitPayloads         []*cstype.ConsensusPayload `json:"commit_payloads"`
	ChangeViewPayloads     []*cstype.ConsensusPayload `json:"change_view_payloads"`
	LastChangeViewPayloads []*cstype.ConsensusPayload `json:"last_change_view_payloads"`
}

// Save 同步写入数据库，Commit发出前调用
func (c *ConsensusContext) Save() error {
	rec := contextRecord{
		Version:                c.Version,
		BlockIndex:             c.BlockIndex,
		PrevHash:               c.PrevHash,
		ViewNumber:             c.ViewNumber,
		Timestamp:              c.Timestamp,
		Nonce:                  c.Nonce,
		TransactionHashes:      c.TransactionHashes,
		ProposalKnown:          c.TransactionHashes != nil,
		PreparationPayloads:    c.PreparationPayloads,
		CommitPayloads:         c.CommitPayloads,
		ChangeViewPayloads:     c.ChangeViewPayloads,
		LastChangeViewPayloads: c.LastChangeViewPayloads,
	}
	for _, h := range c.TransactionHashes {
		if tx, ok := c.Transactions[string(h)]; ok {
			rec.Transactions = append(rec.Transactions, tx)
		}
	}

	bz, err := tmjson.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal consensus context")
	}
	return errors.Wrap(c.db.SetSync(contextStateKey, bz), "save consensus context")
}

// Load 恢复上一次保存的上下文，只有属于下一个高度时才会恢复
func (c *ConsensusContext) Load() (bool, error) {
	bz, err := c.db.Get(contextStateKey)
	if err != nil {
		return false, errors.Wrap(err, "load consensus context")
	}
	if len(bz) == 0 {
		return false, nil
	}
	var rec contextRecord
	if err := tmjson.Unmarshal(bz, &rec); err != nil {
		return false, errors.Wrap(err, "unmarshal consensus context")
	}

	c.Reset(0)
	if rec.BlockIndex != c.BlockIndex || !bytes.Equal(rec.PrevHash, c.PrevHash) {
		return false, nil
	}
	n := c.Validators.Size()
	for _, payloads := range [][]*cstype.ConsensusPayload{
		rec.PreparationPayloads, rec.CommitPayloads, rec.ChangeViewPayloads, rec.LastChangeViewPayloads,
	} {
		if len(payloads) != n {
			return false, fmt.Errorf("saved context has %d payload slots, expected %d", len(payloads), n)
		}
	}

	c.Version = rec.Version
	c.ViewNumber = rec.ViewNumber
	c.PrimaryIndex = c.Validators.GetPrimaryIndex(c.BlockIndex, c.ViewNumber)
	c.Timestamp = rec.Timestamp
	c.Nonce = rec.Nonce
	c.TransactionHashes = rec.TransactionHashes
	if rec.ProposalKnown && c.TransactionHashes == nil {
		c.TransactionHashes = []tmbytes.HexBytes{}
	}
	c.Transactions = make(map[string]*types.Tx, len(rec.Transactions))
	for _, tx := range rec.Transactions {
		c.Transactions[string(tx.Hash())] = tx
	}
	c.PreparationPayloads = rec.PreparationPayloads
	c.CommitPayloads = rec.CommitPayloads
	c.ChangeViewPayloads = rec.ChangeViewPayloads
	c.LastChangeViewPayloads = rec.LastChangeViewPayloads
	c.header = nil
	return true, nil
}

// LoadedTransactions 恢复出来的交易
func (c *ConsensusContext) LoadedTransactions() []*types.Tx {
	txs := make([]*types.Tx, 0, len(c.Transactions))
	for _, h := range c.TransactionHashes {
		if tx, ok := c.Transactions[string(h)]; ok {
			txs = append(txs, tx)
		}
	}
	return txs
}

// RoundState 返回快照
func (c *ConsensusContext) RoundState() *cstype.RoundState {
	rs := &cstype.RoundState{
		BlockIndex:            c.BlockIndex,
		ViewNumber:            c.ViewNumber,
		PrimaryIndex:          c.PrimaryIndex,
		MyIndex:               c.MyIndex,
		Role:                  c.Role(),
		PrevHash:              c.PrevHash,
		Timestamp:             c.Timestamp,
		TransactionHashes:     c.TransactionHashes,
		MissingTxs:            len(c.MissingTransactions()),
		Preparations:          cstype.PayloadBits(c.PreparationPayloads),
		Commits:               cstype.PayloadBits(c.CommitPayloads),
		ChangeViews:           cstype.PayloadBits(c.ChangeViewPayloads),
		RequestSentOrReceived: c.RequestSentOrReceived(),
		ResponseSent:          c.ResponseSent(),
		CommitSent:            c.CommitSent(),
		BlockSent:             c.BlockSent(),
		ViewChanging:          c.ViewChanging(),
	}
	return rs
}

func nowMillis() uint64 {
	return uint64(tmtime.Now().UnixNano() / 1e6)
}
