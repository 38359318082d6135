package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"

	cfg "dbft_node/config"
	"dbft_node/consensus"
	"dbft_node/libs/metric"
	"dbft_node/mempool"
	"dbft_node/privval"
	"dbft_node/rpc"
	sm "dbft_node/state"
	"dbft_node/store"
	"dbft_node/types"
)

//------------------------------------------------------------------------------

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *cfg.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (tmdb.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the ctx.Config.
func DefaultDBProvider(ctx *DBContext) (tmdb.DB, error) {
	switch ctx.Config.DBBackend {
	case "memdb":
		return memdb.NewDB(), nil
	case "goleveldb", "":
		db, err := goleveldb.NewDB(ctx.ID, ctx.Config.DBDir())
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db backend %q", ctx.Config.DBBackend)
	}
}

// GenesisDocProvider returns a GenesisDoc.
type GenesisDocProvider func() (*types.GenesisDoc, error)

// DefaultGenesisDocProviderFunc returns a GenesisDocProvider that loads
// the GenesisDoc from the config.GenesisFile() on the filesystem.
func DefaultGenesisDocProviderFunc(config *cfg.Config) GenesisDocProvider {
	return func() (*types.GenesisDoc, error) {
		return types.GenesisDocFromFile(config.GenesisFile())
	}
}

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*cfg.Config, log.Logger) (*Node, error)

// DefaultNewNode 从配置目录读取node key、验证者私钥和genesis
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}
	pv, err := privval.LoadFilePV(config.PrivValidatorKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load private validator %s: %w", config.PrivValidatorKeyFile(), err)
	}

	return NewNode(config,
		pv,
		nodeKey,
		DefaultGenesisDocProviderFunc(config),
		DefaultDBProvider,
		logger,
	)
}

//------------------------------------------------------------------------------

// Node 一个完整的dBFT节点：账本、交易池、共识、p2p和RPC
type Node struct {
	service.BaseService

	// config
	config        *cfg.Config
	genesisDoc    *types.GenesisDoc
	privValidator types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// services
	ledger           *sm.Ledger
	mempool          *mempool.ListMempool
	mempoolReactor   *mempool.Reactor
	consensusService *consensus.ConsensusService
	consensusReactor *consensus.Reactor
	metricSet        *metric.MetricSet

	rpcListeners  []net.Listener
	prometheusSrv *http.Server

	dbs []tmdb.DB
}

// Option sets a parameter for the node.
type Option func(*Node)

func NewNode(config *cfg.Config,
	privValidator types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genesisDocProvider GenesisDocProvider,
	dbProvider DBProvider,
	logger log.Logger,
	options ...Option) (*Node, error) {

	genDoc, err := genesisDocProvider()
	if err != nil {
		return nil, err
	}

	dbs, err := openDBs(config, dbProvider)
	if err != nil {
		return nil, err
	}
	stateDB, blockStoreDB, kvDB, csDB := dbs[0], dbs[1], dbs[2], dbs[3]

	// 账本
	ledger, err := sm.NewLedger(config.DBFT, config.Mempool.MaxTxBytes, genDoc,
		sm.NewStore(stateDB),
		store.NewBlockStore(blockStoreDB),
		store.NewKVStore(kvDB, logger.With("module", "smallbank")),
		logger.With("module", "state"),
	)
	if err != nil {
		closeDBs(dbs)
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	logNodeStartupInfo(ledger.State(), privValidator, logger)

	// 交易池
	mem, memReactor := createMempoolAndMempoolReactor(config, ledger, logger)

	// 共识
	csMetrics := consensus.NopMetrics()
	if config.Instrumentation.Prometheus {
		csMetrics = consensus.PrometheusMetrics(config.Instrumentation.Namespace, "chain_id", genDoc.ChainID)
	}
	cs, csReactor := createConsensusReactor(config, privValidator, ledger, mem, memReactor, csDB, csMetrics, logger)

	// p2p
	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		closeDBs(dbs)
		return nil, err
	}
	transport := createTransport(config, nodeInfo, nodeKey)
	p2pLogger := logger.With("module", "p2p")
	sw := createSwitch(config, transport, memReactor, csReactor, nodeInfo, nodeKey, p2pLogger)

	node := &Node{
		config:        config,
		genesisDoc:    genDoc,
		privValidator: privValidator,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		ledger:           ledger,
		mempool:          mem,
		mempoolReactor:   memReactor,
		consensusService: cs,
		consensusReactor: csReactor,

		dbs: dbs,
	}
	node.metricSet = node.createMetricSet()
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}
	return node, nil
}

func openDBs(config *cfg.Config, dbProvider DBProvider) ([]tmdb.DB, error) {
	ids := []string{"state", "blockstore", "smallbank", config.DBFT.RecoveryLogs}
	dbs := make([]tmdb.DB, 0, len(ids))
	for _, id := range ids {
		db, err := dbProvider(&DBContext{ID: id, Config: config})
		if err != nil {
			closeDBs(dbs)
			return nil, fmt.Errorf("failed to open %s db: %w", id, err)
		}
		dbs = append(dbs, db)
	}
	return dbs, nil
}

func closeDBs(dbs []tmdb.DB) {
	for _, db := range dbs {
		db.Close()
	}
}

func logNodeStartupInfo(state sm.State, pv types.PrivValidator, logger log.Logger) {
	logger.Info("Version info",
		"software", version.TMCoreSemVer,
		"chain", state.ChainID,
		"height", state.LastBlockHeight,
	)

	pubKey, err := pv.GetPubKey()
	if err != nil {
		logger.Error("can't get validator pubkey", "err", err)
		return
	}
	if idx, _ := state.Validators.GetByAddress(pubKey.Address()); idx >= 0 {
		logger.Info("This node is a validator", "addr", pubKey.Address(), "index", idx)
	} else {
		logger.Info("This node is not a validator", "addr", pubKey.Address())
	}
}

func createMempoolAndMempoolReactor(config *cfg.Config, ledger *sm.Ledger,
	logger log.Logger) (*mempool.ListMempool, *mempool.Reactor) {

	mem := mempool.NewListMempool(
		config.Mempool,
		ledger.CurrentHeight(),
		mempool.SetPreCheck(ledger.CheckPolicy),
	)
	mempoolLogger := logger.With("module", "mempool")
	mem.SetLogger(mempoolLogger)
	ledger.SetMempool(mem)

	memReactor := mempool.NewReactor(config.Mempool, mem)
	memReactor.SetLogger(mempoolLogger)
	return mem, memReactor
}

func createConsensusReactor(config *cfg.Config,
	privValidator types.PrivValidator,
	ledger *sm.Ledger,
	mem *mempool.ListMempool,
	memReactor *mempool.Reactor,
	csDB tmdb.DB,
	csMetrics *consensus.Metrics,
	logger log.Logger) (*consensus.ConsensusService, *consensus.Reactor) {

	cs := consensus.NewConsensusService(
		config.DBFT,
		privValidator,
		ledger,
		mem,
		csDB,
		consensus.WithTxFetcher(memReactor),
		consensus.WithMetrics(csMetrics),
	)
	mem.SetNewTxCallback(cs.OnTransaction)

	csReactor := consensus.NewReactor(cs, ledger)
	csReactor.SetLogger(logger.With("module", "consensus"))
	return cs, csReactor
}

func createTransport(config *cfg.Config, nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	var (
		mConnConfig = p2p.MConnConfig(config.P2P)
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)
	p2p.MultiplexTransportMaxIncomingConnections(config.P2P.MaxNumInboundPeers)(transport)
	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	memReactor *mempool.Reactor,
	csReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(config.P2P, transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", memReactor)
	sw.AddReactor("CONSENSUS", csReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(config *cfg.Config, nodeKey *p2p.NodeKey, genDoc *types.GenesisDoc) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			version.P2PProtocol,
			version.BlockProtocol,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.ConsensusChannel,
			consensus.BlockChannel,
			mempool.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

// createMetricSet 各模块的metric统一注册，由metrics RPC查询
func (n *Node) createMetricSet() *metric.MetricSet {
	ms := metric.NewMetricSet()

	registry := metrics.NewRegistry()
	registry.Register("peers", metrics.NewFunctionalGauge(func() int64 {
		return int64(n.sw.Peers().Size())
	}))
	registry.Register("height", metrics.NewFunctionalGauge(func() int64 {
		return int64(n.ledger.CurrentHeight())
	}))

	for label, item := range map[string]metric.MetricItem{
		"consensus": n.consensusService.StatusMetric(),
		"mempool":   n.mempool.Metric(),
		"node":      metric.NewRegistryItem(registry),
	} {
		if err := ms.SetMetrics(label, item); err != nil {
			panic(err)
		}
	}
	return ms
}

// OnStart starts the Node. It implements service.Service.
func (n *Node) OnStart() error {
	now := time.Now().UTC()
	if genTime := n.genesisDoc.GenesisTime; genTime.After(now) {
		n.Logger.Info("Genesis time is in the future. Sleeping until then...", "genTime", genTime)
		time.Sleep(genTime.Sub(now))
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// 启动switch时一起启动mempool和共识的reactor
	if err := n.sw.Start(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}
	return nil
}

// OnStop stops the Node. It implements service.Service.
func (n *Node) OnStop() {
	n.BaseService.OnStop()
	n.Logger.Info("Stopping Node")

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}

	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}
	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Shutdown(context.Background()); err != nil {
			n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	closeDBs(n.dbs)
}

// ConfigureRPC 设置rpc包使用的节点组件
func (n *Node) ConfigureRPC() {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   n.mempool,
		Consensus: n.consensusService,
		Ledger:    n.ledger,
		MetricSet: n.metricSet,
		Logger:    n.Logger.With("module", "rpc"),
	})
}

func (n *Node) startRPC() ([]net.Listener, error) {
	n.ConfigureRPC()

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections
	// If necessary adjust global WriteTimeout to ensure it's greater than
	// TimeoutBroadcastTxCommit.
	if config.WriteTimeout <= n.config.RPC.TimeoutBroadcastTxCommit {
		config.WriteTimeout = n.config.RPC.TimeoutBroadcastTxCommit + 1*time.Second
	}

	listeners := make([]net.Listener, len(listenAddrs))
	for i, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcLogger := n.Logger.With("module", "rpc-server")
		wmLogger := rpcLogger.With("protocol", "websocket")
		wm := rpcserver.NewWebsocketManager(rpc.Routes,
			rpcserver.ReadLimit(config.MaxBodyBytes),
		)
		wm.SetLogger(wmLogger)
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				n.Logger.Error("Error serving server", "err", err)
			}
		}()
		listeners[i] = listener
	}
	return listeners, nil
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) Ledger() *sm.Ledger {
	return n.ledger
}

func (n *Node) Mempool() *mempool.ListMempool {
	return n.mempool
}

func (n *Node) ConsensusService() *consensus.ConsensusService {
	return n.consensusService
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
