// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// ValidatorSet represent the ordered set of *Validator that signs the blocks
// of a given height.
//
// The validators are fetched by ordinal index. The order is fixed for all
// views of a height, so every honest node derives the same primary for a
// given (height, view).
//
// NOTE: Not goroutine-safe.
// NOTE: All get/set to validators should copy the value for safety.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. If valz is nil or empty, the new ValidatorSet
// will have an empty list of Validators.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = make([]*Validator, 0, len(valz))

	for _, val := range valz {
		vals.Validators = append(vals.Validators, val.Copy())
	}

	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}

	seen := make(map[string]struct{}, len(vals.Validators))
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
		if _, ok := seen[string(val.Address)]; ok {
			return fmt.Errorf("duplicate validator %v", val.Address)
		}
		seen[string(val.Address)] = struct{}{}
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators: validatorListCopy(vals.Validators),
	}
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	idx, _ := vals.GetByAddress(address)
	return idx >= 0
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address []byte) (index int32, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index.
// It returns nil values if index is less than 0 or greater or equal to
// len(ValidatorSet.Validators).
func (vals *ValidatorSet) GetByIndex(index int32) (address []byte, val *Validator) {
	if index < 0 || int(index) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[index]
	return val.Address, val.Copy()
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// F returns the maximum number of faulty validators the set tolerates.
func (vals *ValidatorSet) F() int {
	return (vals.Size() - 1) / 3
}

// M returns the quorum size, n - f.
func (vals *ValidatorSet) M() int {
	return vals.Size() - vals.F()
}

// GetPrimaryIndex returns the ordinal of the primary for (height, view):
// (height - view) mod n, kept non-negative.
func (vals *ValidatorSet) GetPrimaryIndex(height uint32, view uint8) uint16 {
	n := int64(vals.Size())
	if n == 0 {
		return 0
	}
	p := (int64(height) - int64(view)) % n
	if p < 0 {
		p += n
	}
	return uint16(p)
}

// Hash returns the Merkle root hash build using validators (as leaves) in the
// set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

//----------------

// String returns a string representation of ValidatorSet.
//
// See StringIndented.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an intended String.
//
// See Validator#String.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)

}

//----------------------------------------

// RandValidatorSet returns a randomized validator set (size: +numValidators+).
// The private validators are returned in validator order.
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int) (*ValidatorSet, []PrivValidator) {
	privValidators := make([]PrivValidator, numValidators)
	for i := 0; i < numValidators; i++ {
		privValidators[i] = NewMockPV()
	}
	return validatorSetFor(privValidators)
}

// DeterministicValidatorSet derives the validator keys from their ordinal,
// so separate processes in a test network agree on the set.
//
// EXPOSED FOR TESTING.
func DeterministicValidatorSet(numValidators int) (*ValidatorSet, []PrivValidator) {
	privValidators := make([]PrivValidator, numValidators)
	for i := 0; i < numValidators; i++ {
		privValidators[i] = NewMockPVFromSecret([]byte(fmt.Sprintf("validator-%d", i)))
	}
	return validatorSetFor(privValidators)
}

func validatorSetFor(privValidators []PrivValidator) (*ValidatorSet, []PrivValidator) {
	sort.Sort(PrivValidatorsByAddress(privValidators))

	valz := make([]*Validator, len(privValidators))
	for i, pv := range privValidators {
		valz[i], _ = validatorFor(pv)
	}
	return NewValidatorSet(valz), privValidators
}
