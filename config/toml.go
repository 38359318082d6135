package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

const (
	defaultConfigDir      = "config"
	defaultDataDir        = "data"
	defaultConfigFileName = "config.toml"
)

var dbftTemplate *template.Template

func init() {
	var err error
	dbftTemplate, err = template.New("dbftTemplate").Parse(dbftTemplateText)
	if err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config and data directories if they don't
// exist, and writes config.toml with the given config when it's missing.
func EnsureRoot(rootDir string, c *Config) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := tmos.EnsureDir(dir, DefaultDirPerm); err != nil {
			return errors.Wrap(err, "create directory")
		}
	}

	configFilePath := filepath.Join(rootDir, defaultConfigDir, defaultConfigFileName)
	if tmos.FileExists(configFilePath) {
		return nil
	}
	return WriteConfigFile(configFilePath, c)
}

// WriteConfigFile renders the tendermint sections with tendermint's own
// template and appends the [dbft] section.
func WriteConfigFile(configFilePath string, c *Config) error {
	cfg.WriteConfigFile(configFilePath, c.TendermintConfig())

	var buffer bytes.Buffer
	if err := dbftTemplate.Execute(&buffer, c.DBFT); err != nil {
		return errors.Wrap(err, "render [dbft] section")
	}

	f, err := os.OpenFile(configFilePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open config file")
	}
	defer f.Close()
	_, err = f.Write(buffer.Bytes())
	return errors.Wrap(err, "write [dbft] section")
}

const dbftTemplateText = `
#######################################################
###         dBFT Consensus Configuration Options    ###
#######################################################
[dbft]

# Target time between two blocks. View timeouts grow as block_interval << (view + 1)
block_interval = "{{ .BlockInterval }}"

# Limits applied by the primary when it builds a proposal
max_block_size = {{ .MaxBlockSize }}
max_transactions_per_block = {{ .MaxTransactionsPerBlock }}

# Transactions sent by these accounts are rejected by policy
blocked_accounts = [{{ range $i, $a := .BlockedAccounts }}{{ if $i }}, {{ end }}"{{ $a }}"{{ end }}]

# Skip loading the saved consensus context on start
ignore_recovery_logs = {{ .IgnoreRecoveryLogs }}

# Database name of the saved consensus context
recovery_logs = "{{ .RecoveryLogs }}"

peer_queue_size = {{ .PeerQueueSize }}
internal_queue_size = {{ .InternalQueueSize }}
`
