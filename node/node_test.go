package node

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/memdb"

	cfg "dbft_node/config"
	"dbft_node/mempool"
	"dbft_node/privval"
	"dbft_node/types"
)

func memDBProvider(*DBContext) (tmdb.DB, error) {
	return memdb.NewDB(), nil
}

// makeSingleValidatorNode 只有一个验证者的链，自己就能出块
func makeSingleValidatorNode(t *testing.T) *Node {
	config := cfg.TestConfig().SetRoot(t.TempDir())
	config.RPC.ListenAddress = ""

	pv, err := privval.GenFilePV(filepath.Join(t.TempDir(), "priv_validator_key.json"))
	require.NoError(t, err)
	genDoc := &types.GenesisDoc{
		GenesisTime: time.Now().Add(-time.Minute),
		ChainID:     "node_test",
		Validators: []types.GenesisValidator{
			{PubKey: pv.Key.PubKey, BLSPubKey: pv.Key.BLSPubKey},
		},
		InitialAccounts: []types.GenesisAccount{{Name: "tom", Saving: 1, Checking: 10}},
	}
	require.NoError(t, genDoc.ValidateAndComplete())

	n, err := NewNode(config, pv,
		&p2p.NodeKey{PrivKey: pv.Key.PrivKey},
		func() (*types.GenesisDoc, error) { return genDoc, nil },
		memDBProvider,
		log.TestingLogger(),
	)
	require.NoError(t, err)
	return n
}

func TestNodeStartStop(t *testing.T) {
	n := makeSingleValidatorNode(t)
	require.NoError(t, n.Start())
	defer n.Stop() //nolint:errcheck

	tx := types.NewTx(types.SBDepositCheckingTx, time.Now().UnixNano(), "tom", "5")
	require.NoError(t, n.Mempool().CheckTx(tx, mempool.TxInfo{}))

	require.Eventually(t, func() bool {
		acc, err := n.Ledger().GetAccount("tom")
		return err == nil && acc.Checking == 15
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return n.Mempool().Size() == 0 }, time.Second, 10*time.Millisecond)
	snapshot := n.MetricSet().Snapshot()
	assert.Contains(t, snapshot, "consensus")
	assert.Contains(t, snapshot, "mempool")
	assert.Contains(t, snapshot["node"], "height")
}

func TestNodeInfoChannels(t *testing.T) {
	n := makeSingleValidatorNode(t)
	defer closeDBs(n.dbs)

	info, ok := n.NodeInfo().(p2p.DefaultNodeInfo)
	require.True(t, ok)
	assert.Equal(t, "node_test", info.Network)
	assert.EqualValues(t, []byte{0x20, 0x21, 0x30}, info.Channels)
}

func TestSplitAndTrimEmpty(t *testing.T) {
	testCases := []struct {
		s        string
		sep      string
		cutset   string
		expected []string
	}{
		{"a,b,c", ",", " ", []string{"a", "b", "c"}},
		{" a , b , c ", ",", " ", []string{"a", "b", "c"}},
		{" a, ,b , c ", ",", " ", []string{"a", "b", "c"}},
		{"", ",", " ", []string{}},
		{"   ", ",", " ", []string{}},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, splitAndTrimEmpty(tc.s, tc.sep, tc.cutset), "%s", tc.s)
	}
}

func TestDefaultDBProvider(t *testing.T) {
	config := cfg.TestConfig().SetRoot(t.TempDir())

	for _, backend := range []string{"goleveldb", "memdb"} {
		config.DBBackend = backend
		db, err := DefaultDBProvider(&DBContext{ID: "state", Config: config})
		require.NoError(t, err, backend)
		require.NoError(t, db.Set([]byte("k"), []byte("v")))
		v, err := db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
		require.NoError(t, db.Close())
	}

	config.DBBackend = "rocksdb"
	_, err := DefaultDBProvider(&DBContext{ID: "state", Config: config})
	assert.Error(t, err)
}
