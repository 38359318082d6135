package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/memdb"

	cfg "dbft_node/config"
	"dbft_node/store"
	"dbft_node/types"
)

const testChainID = "state_test"

var testGenesisTime = time.Unix(1600000000, 0)

func makeGenesisDoc(t *testing.T, n int, accounts ...types.GenesisAccount) (*types.GenesisDoc, []types.PrivValidator) {
	vals, privs := types.DeterministicValidatorSet(n)
	genVals := make([]types.GenesisValidator, n)
	for i, v := range vals.Validators {
		genVals[i] = types.GenesisValidator{PubKey: v.PubKey, BLSPubKey: v.BLSPubKey}
	}
	genDoc := &types.GenesisDoc{
		GenesisTime:     testGenesisTime,
		ChainID:         testChainID,
		Validators:      genVals,
		InitialAccounts: accounts,
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	return genDoc, privs
}

type testLedgerEnv struct {
	ledger     *Ledger
	privs      []types.PrivValidator
	stateDB    tmdb.DB
	blockDB    tmdb.DB
	kvDB       tmdb.DB
	genDoc     *types.GenesisDoc
	config     *cfg.DBFTConfig
	maxTxBytes int
}

func newTestLedgerEnv(t *testing.T, accounts ...types.GenesisAccount) *testLedgerEnv {
	genDoc, privs := makeGenesisDoc(t, 4, accounts...)
	env := &testLedgerEnv{
		privs:      privs,
		stateDB:    memdb.NewDB(),
		blockDB:    memdb.NewDB(),
		kvDB:       memdb.NewDB(),
		genDoc:     genDoc,
		config:     cfg.TestDBFTConfig(),
		maxTxBytes: 1024,
	}
	env.ledger = env.open(t)
	return env
}

// open 用同一组数据库重新打开账本
func (env *testLedgerEnv) open(t *testing.T) *Ledger {
	logger := log.TestingLogger()
	l, err := NewLedger(env.config, env.maxTxBytes, env.genDoc,
		NewStore(env.stateDB), store.NewBlockStore(env.blockDB), store.NewKVStore(env.kvDB, logger), logger)
	require.NoError(t, err)
	return l
}

// nextBlock 构造下一个高度的区块，由前signers个验证者签名
func (env *testLedgerEnv) nextBlock(t *testing.T, signers int, txs ...*types.Tx) *types.Block {
	state := env.ledger.State()
	block := &types.Block{
		Header: types.Header{
			Version:       types.BlockVersion,
			PrevHash:      state.LastBlockHash(),
			MerkleRoot:    types.Txs(txs).Hash(),
			Timestamp:     state.LastBlockHeader.Timestamp + 1000,
			Index:         state.LastBlockHeight + 1,
			PrimaryIndex:  state.Validators.GetPrimaryIndex(state.LastBlockHeight+1, 0),
			NextConsensus: state.Validators.Hash(),
		},
		Txs: txs,
	}
	signBlock(t, block, env.privs[:signers], state.Validators.Size())
	return block
}

func signBlock(t *testing.T, block *types.Block, privs []types.PrivValidator, valCount int) {
	hash := block.Hash()
	indices := make([]int, len(privs))
	sigs := make([][]byte, len(privs))
	for i, pv := range privs {
		sig, err := pv.SignBlock(hash)
		require.NoError(t, err)
		indices[i] = i
		sigs[i] = sig
	}
	w, err := types.NewWitness(valCount, indices, sigs)
	require.NoError(t, err)
	block.Witness = w
}

func TestMakeGenesisState(t *testing.T) {
	genDoc, _ := makeGenesisDoc(t, 4)
	state, genesis, err := MakeGenesisState(genDoc)
	require.NoError(t, err)

	assert.Equal(t, testChainID, state.ChainID)
	assert.Equal(t, 4, state.Validators.Size())
	assert.EqualValues(t, 0, state.LastBlockHeight)
	assert.Equal(t, genesis.Hash(), state.LastBlockHash())
	assert.Equal(t, []byte(state.Validators.Hash()), []byte(genesis.Header.NextConsensus))

	_, _, err = MakeGenesisState(&types.GenesisDoc{ChainID: testChainID})
	assert.Error(t, err)
}

func TestStateCopy(t *testing.T) {
	genDoc, _ := makeGenesisDoc(t, 4)
	state, _, err := MakeGenesisState(genDoc)
	require.NoError(t, err)
	state.LastResultsHash = []byte{0x01}

	cp := state.Copy()
	cp.LastResultsHash[0] = 0x02
	cp.Validators.Validators[0] = nil
	assert.EqualValues(t, 0x01, state.LastResultsHash[0])
	assert.NotNil(t, state.Validators.Validators[0])
}

func TestStoreSaveLoad(t *testing.T) {
	stateStore := NewStore(memdb.NewDB())

	empty, err := stateStore.Load()
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())

	genDoc, _ := makeGenesisDoc(t, 4)
	state, _, err := MakeGenesisState(genDoc)
	require.NoError(t, err)
	state.LastResultsHash = []byte{0xAB}
	require.NoError(t, stateStore.Save(state))

	loaded, err := stateStore.Load()
	require.NoError(t, err)
	assert.Equal(t, state.ChainID, loaded.ChainID)
	assert.Equal(t, state.LastBlockHash(), loaded.LastBlockHash())
	assert.Equal(t, state.Validators.Hash(), loaded.Validators.Hash())
	assert.Equal(t, state.LastResultsHash, loaded.LastResultsHash)
	assert.True(t, state.LastBlockTime.Equal(loaded.LastBlockTime))
}
