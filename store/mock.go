package store

import (
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"dbft_node/types"
)

// NewMemKVStore 使用内存数据库的KVStore，accounts会被提前创建
func NewMemKVStore(accounts ...types.GenesisAccount) *KVStore {
	kv := NewKVStore(memdb.NewDB(), log.NewNopLogger())
	for _, acc := range accounts {
		if err := kv.InitAccount(acc.Name, acc.Saving, acc.Checking); err != nil {
			panic(err)
		}
	}
	return kv
}

// NewMemBlockStore 使用内存数据库的BlockStore
func NewMemBlockStore() *BlockStore {
	return NewBlockStore(memdb.NewDB())
}
