// fork from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"dbft_node/crypto/bls"
)

type Address = crypto.Address

// Validator is a consensus participant. PubKey signs consensus payloads,
// BLSPubKey verifies its share of a block witness.
type Validator struct {
	Address   Address       `json:"address"`
	PubKey    crypto.PubKey `json:"pub_key"`
	BLSPubKey bls.PubKey    `json:"bls_pub_key"`
}

// NewValidator returns a new validator with the given pubkeys.
func NewValidator(pubKey crypto.PubKey, blsPubKey bls.PubKey) *Validator {
	return &Validator{
		Address:   pubKey.Address(),
		PubKey:    pubKey,
		BLSPubKey: blsPubKey,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if len(v.BLSPubKey) == 0 {
		return errors.New("validator does not have a bls public key")
	}

	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	if !bytes.Equal(v.Address, v.PubKey.Address()) {
		return errors.New("validator address does not match its public key")
	}

	return nil
}

// Creates a new copy of the validator.
// Panics if the validator is nil.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

// String returns a string representation of the validator.
func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v %v}",
		v.Address,
		v.PubKey)
}

// Bytes computes the unique encoding of a validator. These are the bytes
// that get hashed into NextConsensus. It excludes address as its redundant
// with the pubkey.
func (v *Validator) Bytes() []byte {
	pk, err := tmjson.Marshal(struct {
		PubKey    crypto.PubKey `json:"pub_key"`
		BLSPubKey bls.PubKey    `json:"bls_pub_key"`
	}{v.PubKey, v.BLSPubKey})
	if err != nil {
		panic(err)
	}

	return pk
}

//----------------------------------------
// RandValidator

// RandValidator returns a randomized validator, useful for testing.
// UNSTABLE
func RandValidator() (*Validator, PrivValidator) {
	return validatorFor(NewMockPV())
}

func validatorFor(privVal PrivValidator) (*Validator, PrivValidator) {
	pubKey, err := privVal.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	blsPubKey, err := privVal.GetBLSPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve bls pubkey %w", err))
	}
	return NewValidator(pubKey, blsPubKey), privVal
}
