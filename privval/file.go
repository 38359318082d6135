package privval

import (
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"dbft_node/crypto/bls"
	"dbft_node/types"
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
// PrivKey 签名共识消息，BLSPrivKey 签名区块头hash
type FilePVKey struct {
	Address    types.Address  `json:"address"`
	PubKey     crypto.PubKey  `json:"pub_key"`
	PrivKey    crypto.PrivKey `json:"priv_key"`
	BLSPubKey  bls.PubKey     `json:"bls_pub_key"`
	BLSPrivKey bls.PrivKey    `json:"bls_priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() error {
	outFile := pvKey.filePath
	if outFile == "" {
		return errors.New("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal priv validator key")
	}
	return errors.Wrapf(tempfile.WriteFileAtomic(outFile, jsonBytes, 0600), "write %s", outFile)
}

//-------------------------------------------------------------------------------

// FilePV implements types.PrivValidator using keys persisted to disk.
// dBFT没有锁定机制，Commit签名由共识上下文的恢复日志保证不会在同一高度签出两个不同的区块
type FilePV struct {
	Key FilePVKey
}

// NewFilePV generates a new validator from the given keys and path.
func NewFilePV(privKey crypto.PrivKey, blsPrivKey bls.PrivKey, keyFilePath string) (*FilePV, error) {
	blsPubKey, err := blsPrivKey.PubKey()
	if err != nil {
		return nil, err
	}
	return &FilePV{
		Key: FilePVKey{
			Address:    privKey.PubKey().Address(),
			PubKey:     privKey.PubKey(),
			PrivKey:    privKey,
			BLSPubKey:  blsPubKey,
			BLSPrivKey: blsPrivKey,
			filePath:   keyFilePath,
		},
	}, nil
}

// GenFilePV generates a new validator with randomly generated private keys
// and sets the filePath, but does not call Save().
func GenFilePV(keyFilePath string) (*FilePV, error) {
	return NewFilePV(ed25519.GenPrivKey(), bls.GenPrivKey(), keyFilePath)
}

// GenFilePVFromSecret 用seed确定性地生成两把私钥，测试网络的gen-genesis使用
func GenFilePVFromSecret(keyFilePath string, secret []byte) (*FilePV, error) {
	return NewFilePV(ed25519.GenPrivKeyFromSecret(secret), bls.GenPrivKeyFromSecret(secret), keyFilePath)
}

// LoadFilePV loads a FilePV from keyFilePath.
func LoadFilePV(keyFilePath string) (*FilePV, error) {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		return nil, errors.Wrap(err, "read priv validator key")
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		return nil, errors.Wrapf(err, "reading PrivValidator key from %v", keyFilePath)
	}
	if pvKey.PrivKey == nil || len(pvKey.BLSPrivKey) == 0 {
		return nil, fmt.Errorf("priv validator key %v is missing a private key", keyFilePath)
	}

	// overwrite pubkeys and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = pvKey.PubKey.Address()
	if pvKey.BLSPubKey, err = pvKey.BLSPrivKey.PubKey(); err != nil {
		return nil, err
	}
	pvKey.filePath = keyFilePath

	return &FilePV{
		Key: pvKey,
	}, nil
}

// MustLoadFilePV exits the program when keyFilePath cannot be loaded.
func MustLoadFilePV(keyFilePath string) *FilePV {
	pv, err := LoadFilePV(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	return pv
}

// LoadOrGenFilePV loads a FilePV from the given filePath
// or else generates a new one and saves it to the filePath.
func LoadOrGenFilePV(keyFilePath string) (*FilePV, error) {
	if tmos.FileExists(keyFilePath) {
		return LoadFilePV(keyFilePath)
	}
	pv, err := GenFilePV(keyFilePath)
	if err != nil {
		return nil, err
	}
	if err := pv.Save(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GetAddress returns the address of the validator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// GetBLSPubKey implements PrivValidator.
func (pv *FilePV) GetBLSPubKey() (bls.PubKey, error) {
	return pv.Key.BLSPubKey, nil
}

// SignPayload signs the sign bytes of a consensus payload.
// Implements PrivValidator.
func (pv *FilePV) SignPayload(signBytes []byte) ([]byte, error) {
	sig, err := pv.Key.PrivKey.Sign(signBytes)
	if err != nil {
		return nil, errors.Wrap(err, "error signing payload")
	}
	return sig, nil
}

// SignBlock signs a block header hash for the commit phase.
// Implements PrivValidator.
func (pv *FilePV) SignBlock(blockHash []byte) ([]byte, error) {
	sig, err := pv.Key.BLSPrivKey.Sign(blockHash)
	if err != nil {
		return nil, errors.Wrap(err, "error signing block")
	}
	return sig, nil
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() error {
	return pv.Key.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf(
		"PrivValidator{%v}",
		pv.GetAddress(),
	)
}
