package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cfg "dbft_node/config"
	"dbft_node/privval"
	"dbft_node/types"
)

// InitFilesCmd 初始化单节点的配置、密钥和genesis
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a single validator dBFT node",
	RunE:  initFiles,
}

var initAccounts accountFlags

func init() {
	initAccounts.register(InitFilesCmd)
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config, initAccounts)
}

func initFilesWithConfig(config *cfg.Config, accounts accountFlags) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()

	var (
		pv  *privval.FilePV
		err error
	)
	if tmos.FileExists(privValKeyFile) {
		if pv, err = privval.LoadFilePV(privValKeyFile); err != nil {
			return err
		}
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		if pv, err = privval.LoadOrGenFilePV(privValKeyFile); err != nil {
			return err
		}
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	genDoc := types.GenesisDoc{
		ChainID:         fmt.Sprintf("test-chain-%v", tmrand.Str(6)),
		GenesisTime:     tmtime.Now(),
		Validators:      []types.GenesisValidator{genesisValidator(pv, config.Moniker)},
		InitialAccounts: accounts.accounts(),
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "accounts", len(genDoc.InitialAccounts))
	return nil
}

func genesisValidator(pv *privval.FilePV, name string) types.GenesisValidator {
	return types.GenesisValidator{
		Address:   pv.Key.Address,
		PubKey:    pv.Key.PubKey,
		BLSPubKey: pv.Key.BLSPubKey,
		Name:      name,
	}
}

// accountFlags 创世时写入SmallBank的测试账户 username1..usernameN
type accountFlags struct {
	count    int
	saving   int
	checking int
}

func (f *accountFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.count, "accounts", 100, "创世账户的数量")
	cmd.Flags().IntVar(&f.saving, "saving", 200, "每个账户的初始saving余额")
	cmd.Flags().IntVar(&f.checking, "checking", 200, "每个账户的初始checking余额")
}

func (f accountFlags) accounts() []types.GenesisAccount {
	if f.count <= 0 {
		return nil
	}
	accounts := make([]types.GenesisAccount, f.count)
	for i := range accounts {
		accounts[i] = types.GenesisAccount{
			Name:     fmt.Sprintf("username%v", i+1),
			Saving:   f.saving,
			Checking: f.checking,
		}
	}
	return accounts
}
