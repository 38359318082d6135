package store

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmdb "github.com/tendermint/tm-db"

	"dbft_node/types"
)

var blockStoreKey = []byte("blockStore")

// BlockStoreState 区块存储的元数据
type BlockStoreState struct {
	Height uint32 `json:"height"`
	// 还没有保存任何区块
	Empty bool `json:"empty"`
}

/*
BlockStore 保存已经提交的区块

key的格式：
	B:{height}   区块
	H:{hash}     区块高度
	T:{txhash}   交易所在区块的高度
	R:{height}   区块中交易的执行结果

BlockStore的方法可以并发调用
*/
type BlockStore struct {
	db tmdb.DB

	mtx    sync.RWMutex
	height uint32
	empty  bool
}

// NewBlockStore 从db中恢复区块存储的高度
func NewBlockStore(db tmdb.DB) *BlockStore {
	bss := LoadBlockStoreState(db)
	return &BlockStore{
		db:     db,
		height: bss.Height,
		empty:  bss.Empty,
	}
}

// Height returns the last known contiguous block height.
func (bs *BlockStore) Height() uint32 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// IsEmpty 连创世区块都还没有保存
func (bs *BlockStore) IsEmpty() bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.empty
}

// LoadBlock 返回nil表示没有这个高度的区块
func (bs *BlockStore) LoadBlock(height uint32) *types.Block {
	bz, err := bs.db.Get(calcBlockKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	block := new(types.Block)
	if err := tmjson.Unmarshal(bz, block); err != nil {
		panic(fmt.Sprintf("Error reading block: %v", err))
	}
	return block
}

func (bs *BlockStore) LoadBlockByHash(hash []byte) *types.Block {
	bz, err := bs.db.Get(calcBlockHashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	height, err := strconv.ParseUint(string(bz), 10, 32)
	if err != nil {
		panic(fmt.Sprintf("failed to extract height from %s: %v", string(bz), err))
	}
	return bs.LoadBlock(uint32(height))
}

// LoadTxHeight 返回交易所在的区块高度
func (bs *BlockStore) LoadTxHeight(hash tmbytes.HexBytes) (uint32, bool) {
	bz, err := bs.db.Get(calcTxKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return 0, false
	}
	height, err := strconv.ParseUint(string(bz), 10, 32)
	if err != nil {
		panic(fmt.Sprintf("failed to extract height from %s: %v", string(bz), err))
	}
	return uint32(height), true
}

func (bs *BlockStore) HasTx(hash tmbytes.HexBytes) bool {
	_, ok := bs.LoadTxHeight(hash)
	return ok
}

func (bs *BlockStore) LoadTxResults(height uint32) []TxResult {
	bz, err := bs.db.Get(calcResultsKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	var results []TxResult
	if err := tmjson.Unmarshal(bz, &results); err != nil {
		panic(fmt.Sprintf("Error reading tx results: %v", err))
	}
	return results
}

// SaveBlock 保存下一个高度的区块，区块、索引和元数据在同一个batch中写入
func (bs *BlockStore) SaveBlock(block *types.Block, results []TxResult) error {
	if block == nil {
		panic("BlockStore can only save a non-nil block")
	}
	height := block.Index()
	if want := bs.Height() + 1; !bs.IsEmpty() && height != want {
		return fmt.Errorf("BlockStore can only save contiguous blocks. Wanted %v, got %v", want, height)
	}

	blockBytes, err := tmjson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshal block")
	}
	resultsBytes, err := tmjson.Marshal(results)
	if err != nil {
		return errors.Wrap(err, "marshal tx results")
	}
	heightBytes := []byte(strconv.FormatUint(uint64(height), 10))

	batch := bs.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(calcBlockKey(height), blockBytes); err != nil {
		return err
	}
	if err := batch.Set(calcBlockHashKey(block.Hash()), heightBytes); err != nil {
		return err
	}
	for _, tx := range block.Txs {
		if err := batch.Set(calcTxKey(tx.Hash()), heightBytes); err != nil {
			return err
		}
	}
	if err := batch.Set(calcResultsKey(height), resultsBytes); err != nil {
		return err
	}
	bss := BlockStoreState{Height: height}
	bssBytes, err := tmjson.Marshal(bss)
	if err != nil {
		return err
	}
	if err := batch.Set(blockStoreKey, bssBytes); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}

	bs.mtx.Lock()
	bs.height = height
	bs.empty = false
	bs.mtx.Unlock()
	return nil
}

//-----------------------------------------------------------------------------

func calcBlockKey(height uint32) []byte {
	return []byte(fmt.Sprintf("B:%v", height))
}

func calcBlockHashKey(hash []byte) []byte {
	return []byte(fmt.Sprintf("H:%X", hash))
}

func calcTxKey(hash []byte) []byte {
	return []byte(fmt.Sprintf("T:%X", hash))
}

func calcResultsKey(height uint32) []byte {
	return []byte(fmt.Sprintf("R:%v", height))
}

// LoadBlockStoreState returns the BlockStoreState as loaded from disk.
// If no BlockStoreState was previously persisted, it returns an empty state.
func LoadBlockStoreState(db tmdb.DB) BlockStoreState {
	bytes, err := db.Get(blockStoreKey)
	if err != nil {
		panic(err)
	}
	if len(bytes) == 0 {
		return BlockStoreState{Empty: true}
	}
	bss := BlockStoreState{}
	if err := tmjson.Unmarshal(bytes, &bss); err != nil {
		panic(fmt.Sprintf("Could not unmarshal bytes: %X", bytes))
	}
	return bss
}
