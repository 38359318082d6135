package consensus

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tm-db/memdb"

	cfg "dbft_node/config"
	cstype "dbft_node/consensus/types"
	"dbft_node/types"
)

// connect N consensus reactors through N switches
func makeAndConnectReactors(t *testing.T, n int, txs ...*types.Tx) ([]*Reactor, []*testLedger, []*p2p.Switch) {
	vals, privs := types.DeterministicValidatorSet(n)
	logger := log.TestingLogger()

	reactors := make([]*Reactor, n)
	ledgers := make([]*testLedger, n)
	for i := 0; i < n; i++ {
		ledgers[i] = newTestLedger(vals)
		cs := NewConsensusService(cfg.TestDBFTConfig(), privs[i], ledgers[i], newTestTxSource(txs...), memdb.NewDB())
		reactors[i] = NewReactor(cs, ledgers[i])
		reactors[i].SetLogger(logger.With("validator", i))
	}

	switches := p2p.MakeConnectedSwitches(tmcfg.TestP2PConfig(), n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors, ledgers, switches
}

func stopSwitches(t *testing.T, switches []*p2p.Switch) {
	for _, s := range switches {
		require.NoError(t, s.Stop())
	}
}

func waitForHeight(t *testing.T, ledgers []*testLedger, height uint32, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		done := true
		for _, l := range ledgers {
			if l.CurrentHeight() < height {
				done = false
				break
			}
		}
		if done {
			return
		}
		select {
		case <-deadline:
			for i, l := range ledgers {
				t.Logf("ledger %d at height %d", i, l.CurrentHeight())
			}
			t.Fatalf("network did not reach height %d", height)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// 4个节点通过p2p连接，连续出块
func TestReactorReachesConsensus(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	txs := makeTestTxs(3)
	reactors, ledgers, switches := makeAndConnectReactors(t, 4, txs...)
	defer stopSwitches(t, switches)

	waitForHeight(t, ledgers, 2, 20*time.Second)

	block := ledgers[0].block(1)
	require.NotNil(t, block)
	assert.Len(t, block.Txs, len(txs))
	for i, l := range ledgers {
		assert.Equal(t, block.Hash(), l.block(1).Hash(), "ledger %d", i)
		assert.Equal(t, ledgers[0].block(2).Hash(), l.block(2).Hash(), "ledger %d", i)
	}
	for _, r := range reactors {
		assert.GreaterOrEqual(t, r.consensus.GetRoundState().BlockIndex, uint32(3))
	}
}

// 落后的节点通过BlockChannel收到区块
func TestReactorRelaysBlocks(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	reactors, ledgers, switches := makeAndConnectReactors(t, 4)
	defer stopSwitches(t, switches)

	waitForHeight(t, ledgers, 1, 20*time.Second)

	// 再次转发已经持久化的区块不会被重复添加
	block := ledgers[0].block(1)
	for _, r := range reactors {
		r.RelayBlock(block)
	}
	time.Sleep(100 * time.Millisecond)
	for _, l := range ledgers {
		assert.Equal(t, block.Hash(), l.block(1).Hash())
	}
}

// 3个观察节点连成一条线 0 - 1 - 2，节点0直接往信道写原始字节
func TestReactorRelaysOnlyVerifiedPayloads(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	vals, privs := types.DeterministicValidatorSet(4)
	logger := log.TestingLogger()
	reactors := make([]*Reactor, 3)
	for i := range reactors {
		ledger := newTestLedger(vals)
		cs := NewConsensusService(cfg.TestDBFTConfig(), types.NewMockPV(), ledger, newTestTxSource(), memdb.NewDB())
		reactors[i] = NewReactor(cs, ledger)
		reactors[i].SetLogger(logger.With("node", i))
	}
	switches := p2p.MakeConnectedSwitches(tmcfg.TestP2PConfig(), 3, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, func(sws []*p2p.Switch, i, j int) {
		if j == i+1 {
			p2p.Connect2Switches(sws, i, j)
		}
	})
	defer stopSwitches(t, switches)

	genesis := newTestLedger(vals).block(0)
	payload := func(timestamp uint64) *cstype.ConsensusPayload {
		return &cstype.ConsensusPayload{
			Version:    types.BlockVersion,
			PrevHash:   genesis.Hash(),
			BlockIndex: 1,
			Data:       &cstype.ChangeView{NewViewNumber: 1, Timestamp: timestamp, Reason: cstype.ReasonTimeout},
		}
	}
	send := func(p *cstype.ConsensusPayload) {
		bz, err := cstype.EncodePayload(p)
		require.NoError(t, err)
		require.True(t, switches[0].Peers().List()[0].Send(ConsensusChannel, bz))
	}

	forged := payload(1)
	forged.Witness = make([]byte, 64)
	send(forged)

	var signed []*cstype.ConsensusPayload
	for ts := uint64(2); ts < 50; ts++ {
		p := payload(ts)
		require.NoError(t, p.Sign(privs[0]))
		signed = append(signed, p)
		send(p)
	}

	require.Eventually(t, func() bool {
		for _, p := range signed {
			if !reactors[2].seen.Has(string(p.Hash())) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, reactors[1].seen.Has(string(forged.Hash())))
	assert.False(t, reactors[2].seen.Has(string(forged.Hash())))
	assert.Equal(t, 2, switches[1].Peers().Size())
	assert.Equal(t, 1, switches[2].Peers().Size())
}
