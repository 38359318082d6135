package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"

	"dbft_node/crypto/bls"
)

// PrivValidator 共识节点的签名者
// SignPayload 用ed25519私钥签名共识消息，SignBlock 用bls私钥签名区块头hash
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)
	GetBLSPubKey() (bls.PubKey, error)

	SignPayload(signBytes []byte) ([]byte, error)
	SignBlock(blockHash []byte) ([]byte, error)
}

type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int {
	return len(pvs)
}

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	pvi, err := pvs[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pvj, err := pvs[j].GetPubKey()
	if err != nil {
		panic(err)
	}

	return bytes.Compare(pvi.Address(), pvj.Address()) == -1
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey    crypto.PrivKey
	BLSPrivKey bls.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey(), bls.GenPrivKey()}
}

// NewMockPVFromSecret derives both keys from secret.
func NewMockPVFromSecret(secret []byte) MockPV {
	return MockPV{ed25519.GenPrivKeyFromSecret(secret), bls.GenPrivKeyFromSecret(secret)}
}

// Implements PrivValidator.
func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

// Implements PrivValidator.
func (pv MockPV) GetBLSPubKey() (bls.PubKey, error) {
	return pv.BLSPrivKey.PubKey()
}

// Implements PrivValidator.
func (pv MockPV) SignPayload(signBytes []byte) ([]byte, error) {
	return pv.PrivKey.Sign(signBytes)
}

// Implements PrivValidator.
func (pv MockPV) SignBlock(blockHash []byte) ([]byte, error) {
	return pv.BLSPrivKey.Sign(blockHash)
}

func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", pv.PrivKey.PubKey().Address())
}
