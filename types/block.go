package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

const (
	BlockVersion = uint32(0)

	// 区块头固定字段编码后的大小，hash字段按32字节计算
	HeaderBytes int64 = 4 + 32 + 32 + 8 + 4 + 2 + 8 + 32

	// bn256 G1点的编码长度
	AggregatedSignatureBytes int64 = 64
)

var (
	ErrMerkleRootMismatch = errors.New("merkle root does not match transactions")
	ErrDuplicateTx        = errors.New("duplicate transaction in block")

	// 区块执行失败，账本不再能保证确定性
	ErrOnPersistFailed = errors.New("block persist failed")
)

// Header 区块头，Commit消息签名的是Header.Hash()
type Header struct {
	Version       uint32           `json:"version"`
	PrevHash      tmbytes.HexBytes `json:"prev_hash"`
	MerkleRoot    tmbytes.HexBytes `json:"merkle_root"`
	Timestamp     uint64           `json:"timestamp"` // unix毫秒
	Index         uint32           `json:"index"`
	PrimaryIndex  uint16           `json:"primary_index"`
	Nonce         uint64           `json:"nonce"`
	NextConsensus tmbytes.HexBytes `json:"next_consensus"` // 下一个区块的验证者集合hash
}

func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	return merkle.HashFromByteSlices([][]byte{
		uint32Bytes(h.Version),
		h.PrevHash,
		h.MerkleRoot,
		uint64Bytes(h.Timestamp),
		uint32Bytes(h.Index),
		uint32Bytes(uint32(h.PrimaryIndex)),
		uint64Bytes(h.Nonce),
		h.NextConsensus,
	})
}

// Time 区块时间
func (h *Header) Time() time.Time {
	return time.Unix(0, int64(h.Timestamp)*int64(time.Millisecond))
}

// local blockchain维护的区块的基本单位
type Block struct {
	Header  Header  `json:"header"`
	Txs     Txs     `json:"txs"`
	Witness Witness `json:"witness"` // M个验证者对区块头的聚合签名
}

func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	return b.Header.Hash()
}

func (b *Block) Index() uint32 {
	return b.Header.Index
}

// ValidateBasic 只检查区块自身的一致性，和链上状态无关
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Header.Version != BlockVersion {
		return fmt.Errorf("unknown block version %d", b.Header.Version)
	}
	seen := make(map[string]struct{}, len(b.Txs))
	for _, tx := range b.Txs {
		if err := tx.ValidateBasic(); err != nil {
			return err
		}
		key := string(tx.Hash())
		if _, ok := seen[key]; ok {
			return ErrDuplicateTx
		}
		seen[key] = struct{}{}
	}
	if !bytes.Equal(b.Header.MerkleRoot, b.Txs.Hash()) {
		return ErrMerkleRootMismatch
	}
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{#%d %X txs=%d}", b.Header.Index, []byte(b.Hash()), len(b.Txs))
}

// ExpectedBlockSize 估算由valCount个验证者签名、包含txs的区块大小
func ExpectedBlockSize(valCount int, txs Txs) int64 {
	return HeaderBytes + WitnessBytes(valCount) + txs.Size()
}

// MakeGenesisBlock 创世区块没有交易和见证
func MakeGenesisBlock(genesisTime time.Time, vals *ValidatorSet) *Block {
	txs := Txs{}
	return &Block{
		Header: Header{
			Version:       BlockVersion,
			PrevHash:      tmbytes.HexBytes{},
			MerkleRoot:    txs.Hash(),
			Timestamp:     uint64(genesisTime.UnixNano() / int64(time.Millisecond)),
			Index:         0,
			NextConsensus: vals.Hash(),
		},
		Txs: txs,
	}
}

func uint32Bytes(v uint32) []byte {
	var bz [4]byte
	binary.BigEndian.PutUint32(bz[:], v)
	return bz[:]
}

func uint64Bytes(v uint64) []byte {
	var bz [8]byte
	binary.BigEndian.PutUint64(bz[:], v)
	return bz[:]
}
