package state

import (
	"fmt"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmdb "github.com/tendermint/tm-db"
)

var stateKey = []byte("stateKey")

// Store 状态的持久化接口
type Store interface {
	// Load 数据库中没有状态时返回空的State
	Load() (State, error)

	Save(State) error
}

type dbStore struct {
	db tmdb.DB
}

var _ Store = (*dbStore)(nil)

// NewStore creates the dbStore of the state pkg.
func NewStore(db tmdb.DB) Store {
	return dbStore{db}
}

func (store dbStore) Load() (State, error) {
	buf, err := store.db.Get(stateKey)
	if err != nil {
		return State{}, err
	}
	if len(buf) == 0 {
		return State{}, nil
	}

	var state State
	if err := tmjson.Unmarshal(buf, &state); err != nil {
		return State{}, fmt.Errorf("data has been corrupted or its format has changed: %w", err)
	}
	return state, nil
}

// Save 同步写盘，保证和区块一起持久化
func (store dbStore) Save(state State) error {
	bz, err := tmjson.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	return store.db.SetSync(stateKey, bz)
}
