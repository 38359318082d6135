package types

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"dbft_node/crypto/bls"
)

// Witness 表示区块有M个验证者签名的证据：
// Signers 是签名者在验证者集合中的下标组成的bitset
// Signature 是这些验证者对区块头hash的BLS聚合签名
type Witness struct {
	Signers   []uint64         `json:"signers"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// NewWitness 聚合indices对应验证者的签名，indices和sigs一一对应
func NewWitness(valCount int, indices []int, sigs [][]byte) (Witness, error) {
	if len(indices) != len(sigs) {
		return Witness{}, errors.New("indices and signatures length mismatch")
	}
	signers := bitset.New(uint(valCount))
	for _, idx := range indices {
		if idx < 0 || idx >= valCount {
			return Witness{}, fmt.Errorf("signer index %d out of range", idx)
		}
		signers.Set(uint(idx))
	}
	agg, err := bls.AggregateSignatures(sigs...)
	if err != nil {
		return Witness{}, err
	}
	return Witness{Signers: signers.Bytes(), Signature: agg}, nil
}

func (w Witness) SignerSet() *bitset.BitSet {
	return bitset.From(w.Signers)
}

// SignerIndices 按从小到大的顺序返回签名者下标
func (w Witness) SignerIndices() []int {
	set := w.SignerSet()
	indices := make([]int, 0, set.Count())
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		indices = append(indices, int(i))
	}
	return indices
}

func (w Witness) IsEmpty() bool {
	return len(w.Signature) == 0
}

// Verify 验证见证包含至少M个vals中的验证者对hash的签名
func (w Witness) Verify(vals *ValidatorSet, hash []byte) error {
	indices := w.SignerIndices()
	if len(indices) < vals.M() {
		return ErrNotEnoughSigners{Got: len(indices), Needed: vals.M()}
	}
	keys := make([]bls.PubKey, len(indices))
	for i, idx := range indices {
		if idx >= vals.Size() {
			return fmt.Errorf("signer index %d out of range", idx)
		}
		keys[i] = vals.Validators[idx].BLSPubKey
	}
	if err := bls.VerifyAggregate(keys, hash, w.Signature); err != nil {
		return fmt.Errorf("invalid witness signature: %w", err)
	}
	return nil
}

// WitnessBytes 估算n个验证者时见证的大小
func WitnessBytes(n int) int64 {
	return int64(8*((n+63)/64)) + AggregatedSignatureBytes
}

// ErrNotEnoughSigners is returned when a witness carries fewer than M
// signatures.
type ErrNotEnoughSigners struct {
	Got    int
	Needed int
}

func (e ErrNotEnoughSigners) Error() string {
	return fmt.Sprintf("invalid witness -- insufficient signers: got %d, needed %d", e.Got, e.Needed)
}
