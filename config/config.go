package config

import (
	"time"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
)

const (
	// 节点数据的默认目录 $HOME/.dbft_node
	DefaultDir = ".dbft_node"

	defaultRecoveryLogsName = "consensus_state"
)

// Config 节点的全部配置
// 基础、RPC、P2P、Mempool、Instrumentation 各节复用tendermint的配置，
// dbft 一节是共识自己的参数
type Config struct {
	cfg.BaseConfig `mapstructure:",squash"`

	RPC             *cfg.RPCConfig             `mapstructure:"rpc"`
	P2P             *cfg.P2PConfig             `mapstructure:"p2p"`
	Mempool         *cfg.MempoolConfig         `mapstructure:"mempool"`
	Instrumentation *cfg.InstrumentationConfig `mapstructure:"instrumentation"`
	DBFT            *DBFTConfig                `mapstructure:"dbft"`
}

// DefaultConfig returns a default configuration for a dBFT node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      cfg.DefaultBaseConfig(),
		RPC:             cfg.DefaultRPCConfig(),
		P2P:             cfg.DefaultP2PConfig(),
		Mempool:         cfg.DefaultMempoolConfig(),
		Instrumentation: cfg.DefaultInstrumentationConfig(),
		DBFT:            DefaultDBFTConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      cfg.TestBaseConfig(),
		RPC:             cfg.TestRPCConfig(),
		P2P:             cfg.TestP2PConfig(),
		Mempool:         cfg.TestMempoolConfig(),
		Instrumentation: cfg.TestInstrumentationConfig(),
		DBFT:            TestDBFTConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (c *Config) SetRoot(root string) *Config {
	c.BaseConfig.RootDir = root
	c.RPC.RootDir = root
	c.P2P.RootDir = root
	c.Mempool.RootDir = root
	c.DBFT.RootDir = root
	return c
}

// TendermintConfig 把共享的几节拼成tendermint的配置，供p2p和rpc服务使用
func (c *Config) TendermintConfig() *cfg.Config {
	tc := cfg.DefaultConfig()
	tc.BaseConfig = c.BaseConfig
	tc.RPC = c.RPC
	tc.P2P = c.P2P
	tc.Mempool = c.Mempool
	tc.Instrumentation = c.Instrumentation
	return tc
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (c *Config) ValidateBasic() error {
	if err := c.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := c.RPC.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [rpc] section")
	}
	if err := c.P2P.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [p2p] section")
	}
	if err := c.Mempool.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [mempool] section")
	}
	if err := c.Instrumentation.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [instrumentation] section")
	}
	if err := c.DBFT.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [dbft] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// DBFTConfig

// DBFTConfig 共识参数
type DBFTConfig struct {
	RootDir string `mapstructure:"home"`

	// 两个区块之间的目标间隔，也是view超时的基数
	BlockInterval time.Duration `mapstructure:"block_interval"`

	MaxBlockSize            int64 `mapstructure:"max_block_size"`
	MaxTransactionsPerBlock int   `mapstructure:"max_transactions_per_block"`

	// 这些账户发出的交易不会被打包
	BlockedAccounts []string `mapstructure:"blocked_accounts"`

	// 启动时不读取上一次保存的共识上下文
	IgnoreRecoveryLogs bool `mapstructure:"ignore_recovery_logs"`

	// 保存共识上下文的数据库名字
	RecoveryLogs string `mapstructure:"recovery_logs"`

	PeerQueueSize     int `mapstructure:"peer_queue_size"`
	InternalQueueSize int `mapstructure:"internal_queue_size"`
}

// DefaultDBFTConfig returns a default configuration for the consensus service
func DefaultDBFTConfig() *DBFTConfig {
	return &DBFTConfig{
		BlockInterval:           15 * time.Second,
		MaxBlockSize:            256 * 1024,
		MaxTransactionsPerBlock: 512,
		BlockedAccounts:         []string{},
		RecoveryLogs:            defaultRecoveryLogsName,
		PeerQueueSize:           1000,
		InternalQueueSize:       1000,
	}
}

// TestDBFTConfig returns a configuration for testing the consensus service
func TestDBFTConfig() *DBFTConfig {
	c := DefaultDBFTConfig()
	c.BlockInterval = 100 * time.Millisecond
	c.MaxBlockSize = 64 * 1024
	c.MaxTransactionsPerBlock = 64
	return c
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (c *DBFTConfig) ValidateBasic() error {
	if c.BlockInterval <= 0 {
		return errors.New("block_interval must be positive")
	}
	if c.MaxBlockSize <= 0 {
		return errors.New("max_block_size must be positive")
	}
	if c.MaxTransactionsPerBlock <= 0 {
		return errors.New("max_transactions_per_block must be positive")
	}
	if c.RecoveryLogs == "" && !c.IgnoreRecoveryLogs {
		return errors.New("recovery_logs can't be empty")
	}
	if c.PeerQueueSize < 0 || c.InternalQueueSize < 0 {
		return errors.New("queue sizes can't be negative")
	}
	return nil
}

// IsBlocked 判断账户是否被策略禁止
func (c *DBFTConfig) IsBlocked(account string) bool {
	for _, a := range c.BlockedAccounts {
		if a == account {
			return true
		}
	}
	return false
}
