package store

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"dbft_node/types"
)

const (
	TableAccount  = "account_"
	TableSaving   = "saving_"
	TableChecking = "checking_"

	keyNextCustomID = "meta_next_custom_id"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// NewKVStore 基于tm-db的SmallBank应用
func NewKVStore(db tmdb.DB, logger log.Logger) *KVStore {
	return &KVStore{kvDB: db, logger: logger}
}

// KVStore 执行区块中的SmallBank交易
// 表结构：
// account表：key=account_{name}; value=customID
// saving表：key=saving_{customID}; value=余额
// checking表：key=checking_{customID}; value=余额
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger
}

// Account 账户余额
type Account struct {
	Name     string `json:"name"`
	CustomID int    `json:"custom_id"`
	Saving   int    `json:"saving"`
	Checking int    `json:"checking"`
}

// TxResult 一个交易的执行结果，执行失败的交易不改变状态
type TxResult struct {
	Hash  []byte `json:"hash"`
	Error string `json:"error,omitempty"`
}

// ResultsHash 执行结果的hash，所有节点对同一个区块得到相同的值
func ResultsHash(results []TxResult) []byte {
	h := tmhash.New()
	for _, r := range results {
		h.Write(r.Hash)
		h.Write([]byte(r.Error))
	}
	return h.Sum(nil)
}

func (kv *KVStore) SetLogger(logger log.Logger) {
	kv.logger = logger
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

// ApplyBlock 按顺序执行区块中的交易，所有写入放在一个batch中同步写盘
// 单个交易失败只记录在结果中，batch写入失败返回error
func (kv *KVStore) ApplyBlock(block *types.Block) ([]TxResult, error) {
	view := newBlockView(kv.kvDB)
	results := make([]TxResult, len(block.Txs))
	for i, tx := range block.Txs {
		results[i].Hash = tx.Hash()
		if err := kv.applySmallBank(view, tx); err != nil {
			kv.logger.Debug("exec tx failed.", "tx", tx, "err", err)
			results[i].Error = err.Error()
		}
	}

	batch := kv.kvDB.NewBatch()
	defer batch.Close()
	for k, v := range view.writes {
		if err := batch.Set([]byte(k), v); err != nil {
			return nil, err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return nil, err
	}
	return results, nil
}

func (kv *KVStore) applySmallBank(view *blockView, tx *types.Tx) error {
	switch tx.TxType {
	case types.SBBalanceTx:
		// 只读
		_, err := view.customID(tx.Args[0])
		return err

	case types.SBDepositCheckingTx:
		value, err := strconv.Atoi(tx.Args[1])
		if err != nil {
			return err
		}
		customID, err := view.customID(tx.Args[0])
		if err != nil {
			return err
		}
		preBal := view.getInt(TableChecking, customID)
		view.setInt(TableChecking, customID, preBal+value)
		return nil

	case types.SBTransactionSavingTx:
		value, err := strconv.Atoi(tx.Args[1])
		if err != nil {
			return err
		}
		customID, err := view.customID(tx.Args[0])
		if err != nil {
			return err
		}
		preBal := view.getInt(TableSaving, customID)
		view.setInt(TableSaving, customID, preBal+value)
		return nil

	case types.SBAmalgamateTx:
		customID1, err := view.customID(tx.Args[0])
		if err != nil {
			return err
		}
		customID2, err := view.customID(tx.Args[1])
		if err != nil {
			return err
		}
		c1Total := view.getInt(TableSaving, customID1) + view.getInt(TableChecking, customID1)
		preBal := view.getInt(TableChecking, customID2)

		view.setInt(TableSaving, customID1, 0)
		view.setInt(TableChecking, customID1, 0)
		view.setInt(TableChecking, customID2, preBal+c1Total)
		return nil

	case types.SBWriteCheckingTx:
		value, err := strconv.Atoi(tx.Args[1])
		if err != nil {
			return err
		}
		customID, err := view.customID(tx.Args[0])
		if err != nil {
			return err
		}
		preBal := view.getInt(TableChecking, customID)
		total := view.getInt(TableSaving, customID) + preBal

		// 余额不足时额外扣一个单位作为罚金
		if total <= value {
			preBal -= value + 1
		} else {
			preBal -= value
		}
		view.setInt(TableChecking, customID, preBal)
		return nil

	default:
		return fmt.Errorf("%w: %q", types.ErrUnknownTxType, tx.TxType)
	}
}

// InitAccount 创建账户，custom id按创建顺序递增
func (kv *KVStore) InitAccount(name string, saving int, checking int) error {
	if has, err := kv.kvDB.Has(GenKey(TableAccount, name)); err != nil {
		return err
	} else if has {
		return fmt.Errorf("%w: %s", ErrAccountExists, name)
	}

	nextID, err := kv.kvDB.Get([]byte(keyNextCustomID))
	if err != nil {
		return err
	}
	customID := Byte2int(nextID)

	batch := kv.kvDB.NewBatch()
	defer batch.Close()
	for _, kvp := range []struct{ k, v []byte }{
		{GenKey(TableAccount, name), Int2byte(customID)},
		{GenKey(TableChecking, customID), Int2byte(checking)},
		{GenKey(TableSaving, customID), Int2byte(saving)},
		{[]byte(keyNextCustomID), Int2byte(customID + 1)},
	} {
		if err := batch.Set(kvp.k, kvp.v); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// GetAccount 查询账户余额
func (kv *KVStore) GetAccount(name string) (*Account, error) {
	view := newBlockView(kv.kvDB)
	customID, err := view.customID(name)
	if err != nil {
		return nil, err
	}
	return &Account{
		Name:     name,
		CustomID: customID,
		Saving:   view.getInt(TableSaving, customID),
		Checking: view.getInt(TableChecking, customID),
	}, nil
}

//-----------------------------------------------------------------------------

// blockView 一个区块执行过程中的读写视图
// 读先查本区块的写入，再查数据库
type blockView struct {
	db     tmdb.DB
	writes map[string][]byte
}

func newBlockView(db tmdb.DB) *blockView {
	return &blockView{db: db, writes: make(map[string][]byte)}
}

func (v *blockView) get(key []byte) []byte {
	if bz, ok := v.writes[string(key)]; ok {
		return bz
	}
	bz, err := v.db.Get(key)
	if err != nil {
		panic(err)
	}
	return bz
}

func (v *blockView) customID(name string) (int, error) {
	bz := v.get(GenKey(TableAccount, name))
	if bz == nil {
		return -1, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return Byte2int(bz), nil
}

func (v *blockView) getInt(table string, customID int) int {
	return Byte2int(v.get(GenKey(table, customID)))
}

func (v *blockView) setInt(table string, customID int, value int) {
	v.writes[string(GenKey(table, customID))] = Int2byte(value)
}

//-----------------------------------------------------------------------------

func GenKey(table string, primaryKey interface{}) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	switch pk := primaryKey.(type) {
	case int:
		buffer.WriteString(strconv.Itoa(pk))
	case string:
		buffer.WriteString(pk)
	case []byte:
		buffer.Write(pk)
	default:
		panic(fmt.Sprintf("unsupported primary key %T", primaryKey))
	}
	return buffer.Bytes()
}

func Byte2int(src []byte) int {
	v, _ := strconv.Atoi(string(src))
	return v
}

func Int2byte(src int) []byte {
	return []byte(strconv.Itoa(src))
}
