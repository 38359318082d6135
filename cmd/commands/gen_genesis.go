package commands

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cfg "dbft_node/config"
	"dbft_node/types"
)

var (
	nValidators    int
	outputDir      string
	nodeDirPrefix  string
	chainID        string
	keySeed        string
	startingIP     string
	p2pPort        int
	populatePeers  bool
	genesisAccount accountFlags
)

const nodeDirPerm = 0755

// GenGenesisCmd 为本地测试网络生成每个节点的目录，所有节点共享同一个genesis
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis", "testnet"},
	Short:   "Initialize files for a dBFT testnet",
	Long: `gen-genesis will create "v" directories, each with the keys, config and
the shared genesis file of one validator. The genesis file also holds the
initial SmallBank accounts.

Example:

	dbft gen-genesis --v 4 --o ./output --starting-ip 192.168.10.2
	`,
	PreRun: deprecateSnakeCase,
	RunE:   genGenesisFiles,
}

func init() {
	GenGenesisCmd.Flags().IntVar(&nValidators, "v", 4, "验证者数量，n >= 3f+1")
	GenGenesisCmd.Flags().StringVar(&outputDir, "o", "./mytestnet", "输出目录")
	GenGenesisCmd.Flags().StringVar(&nodeDirPrefix, "node-dir-prefix", "node", "节点目录前缀 (node results in node0, node1, ...)")
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "链名")
	GenGenesisCmd.Flags().StringVar(&keySeed, "seed", "", "不为空时每个验证者的密钥由seed和编号确定性生成")
	GenGenesisCmd.Flags().StringVar(&startingIP, "starting-ip", "", "第一个节点的IP，后面的节点依次加1；为空时所有节点在127.0.0.1上使用不同端口")
	GenGenesisCmd.Flags().IntVar(&p2pPort, "p2p-port", 26656, "P2P端口")
	GenGenesisCmd.Flags().BoolVar(&populatePeers, "populate-persistent-peers", true, "把其他节点写进persistent_peers")
	genesisAccount.register(GenGenesisCmd)
}

func genGenesisFiles(cmd *cobra.Command, args []string) error {
	if nValidators < 1 {
		return fmt.Errorf("need at least one validator, got %d", nValidators)
	}

	configs := make([]*cfg.Config, nValidators)
	genVals := make([]types.GenesisValidator, nValidators)
	nodeIDs := make([]p2p.ID, nValidators)

	for i := 0; i < nValidators; i++ {
		nodeDir := filepath.Join(outputDir, fmt.Sprintf("%s%d", nodeDirPrefix, i))
		c := cfg.DefaultConfig().SetRoot(nodeDir)
		c.Moniker = moniker(i)
		c.P2P.AddrBookStrict = false
		c.P2P.AllowDuplicateIP = true
		if startingIP == "" {
			// 本机上运行多个节点，每个节点占用两个端口
			c.P2P.ListenAddress = fmt.Sprintf("tcp://0.0.0.0:%d", p2pPort+2*i)
			c.RPC.ListenAddress = fmt.Sprintf("tcp://127.0.0.1:%d", p2pPort+2*i+1)
		}

		if err := os.MkdirAll(filepath.Join(nodeDir, "config"), nodeDirPerm); err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}
		if err := os.MkdirAll(filepath.Join(nodeDir, "data"), nodeDirPerm); err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}

		secret := ""
		if keySeed != "" {
			secret = fmt.Sprintf("%s-%d", keySeed, i)
		}
		pv, err := newFilePV(c.PrivValidatorKeyFile(), secret)
		if err != nil {
			return err
		}
		if err := pv.Save(); err != nil {
			return err
		}
		nodeKey, err := p2p.LoadOrGenNodeKey(c.NodeKeyFile())
		if err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}

		configs[i] = c
		genVals[i] = genesisValidator(pv, c.Moniker)
		nodeIDs[i] = nodeKey.ID()
	}

	genDoc := &types.GenesisDoc{
		ChainID:         chainID,
		GenesisTime:     tmtime.Now(),
		Validators:      genVals,
		InitialAccounts: genesisAccount.accounts(),
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}

	for i, c := range configs {
		if populatePeers {
			c.P2P.PersistentPeers = persistentPeersString(nodeIDs, i)
		}
		if err := genDoc.SaveAs(c.GenesisFile()); err != nil {
			_ = os.RemoveAll(outputDir)
			return err
		}
		if err := cfg.WriteConfigFile(filepath.Join(c.RootDir, "config", "config.toml"), c); err != nil {
			return err
		}
	}

	fmt.Printf("Successfully initialized %v node directories, quorum %d of %d\n",
		nValidators, genDoc.ValidatorSet().M(), nValidators)
	return nil
}

func moniker(i int) string {
	return fmt.Sprintf("%s%d", nodeDirPrefix, i)
}

func hostnameOrIP(i int) string {
	if startingIP == "" {
		return "127.0.0.1"
	}
	ip := net.ParseIP(startingIP)
	ip = ip.To4()
	if ip == nil {
		fmt.Printf("%v: non ipv4 address\n", startingIP)
		os.Exit(1)
	}

	for j := 0; j < i; j++ {
		ip[3]++
	}
	return ip.String()
}

func peerPort(i int) int {
	if startingIP == "" {
		return p2pPort + 2*i
	}
	return p2pPort
}

// persistentPeersString 除自己以外的所有节点
func persistentPeersString(nodeIDs []p2p.ID, self int) string {
	peers := make([]string, 0, len(nodeIDs)-1)
	for i, id := range nodeIDs {
		if i == self {
			continue
		}
		peers = append(peers, p2p.IDAddressString(id, fmt.Sprintf("%s:%d", hostnameOrIP(i), peerPort(i))))
	}
	return strings.Join(peers, ",")
}
