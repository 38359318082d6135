package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// ===== small bank Tx =====

type SmallBankTxType string

var (
	SBBalanceTx           = SmallBankTxType("balance")
	SBDepositCheckingTx   = SmallBankTxType("deposit_checking")
	SBTransactionSavingTx = SmallBankTxType("transaction_saving")
	SBAmalgamateTx        = SmallBankTxType("amalgamate")
	SBWriteCheckingTx     = SmallBankTxType("write_checking")
)

var (
	ErrUnknownTxType = errors.New("unknown small bank tx type")
	ErrTxArgs        = errors.New("wrong number of tx args")
)

// 每种交易需要的参数个数
var smallBankArgs = map[SmallBankTxType]int{
	SBBalanceTx:           1,
	SBDepositCheckingTx:   2,
	SBTransactionSavingTx: 2,
	SBAmalgamateTx:        2,
	SBWriteCheckingTx:     2,
}

type Tx struct {
	TxType SmallBankTxType `json:"tx_type"`
	Args   []string        `json:"args"`

	// 交易从客户端发出的时间，纳秒，同时起到nonce的作用
	TxSendTimestamp int64 `json:"tx_send_timestamp"`
}

func NewTx(txType SmallBankTxType, sendTime int64, args ...string) *Tx {
	return &Tx{TxType: txType, Args: args, TxSendTimestamp: sendTime}
}

func (tx *Tx) Hash() tmbytes.HexBytes {
	h := tmhash.New()
	h.Write([]byte(tx.TxType))
	for _, arg := range tx.Args {
		h.Write([]byte(arg))
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tx.TxSendTimestamp))
	h.Write(ts[:])

	return h.Sum(nil)
}

// Size 交易序列化后大小的估计值
func (tx *Tx) Size() int64 {
	s := len(tx.TxType)
	for _, arg := range tx.Args {
		s += len(arg)
	}

	s += 9 * 8
	return int64(s)
}

// Sender 交易的发起账户
func (tx *Tx) Sender() string {
	if len(tx.Args) == 0 {
		return ""
	}
	return tx.Args[0]
}

func (tx *Tx) ValidateBasic() error {
	want, ok := smallBankArgs[tx.TxType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTxType, tx.TxType)
	}
	if len(tx.Args) != want {
		return fmt.Errorf("%w: %s wants %d, got %d", ErrTxArgs, tx.TxType, want, len(tx.Args))
	}
	if tx.TxType == SBAmalgamateTx {
		return nil
	}
	if tx.TxType != SBBalanceTx {
		if _, err := strconv.Atoi(tx.Args[1]); err != nil {
			return fmt.Errorf("amount is not a number: %w", err)
		}
	}
	return nil
}

func (tx *Tx) String() string {
	return fmt.Sprintf("Tx{%s %v %X}", tx.TxType, tx.Args, []byte(tx.Hash()))
}

// ===== tx array =====
type Txs []*Tx

// 返回交易形成的merkle tree的根value
func (txs Txs) Hash() tmbytes.HexBytes {
	return MerkleRoot(txs.Hashes())
}

func (txs Txs) Hashes() []tmbytes.HexBytes {
	hashes := make([]tmbytes.HexBytes, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}

func (txs Txs) Size() int64 {
	var dataSize int64
	for _, tx := range txs {
		dataSize += tx.Size()
	}
	return dataSize
}

// MerkleRoot 根据交易hash列表计算merkle root
func MerkleRoot(hashes []tmbytes.HexBytes) tmbytes.HexBytes {
	bzs := make([][]byte, len(hashes))
	for i, h := range hashes {
		bzs[i] = h
	}
	return merkle.HashFromByteSlices(bzs)
}
