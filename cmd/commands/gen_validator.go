package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"dbft_node/privval"
)

var validatorSecret string

// GenValidatorCmd 生成验证者的ed25519和BLS密钥对
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().StringVar(&validatorSecret, "secret", "", "从secret确定性地生成密钥，为空时随机生成")
}

func newFilePV(keyFile, secret string) (*privval.FilePV, error) {
	if secret == "" {
		return privval.GenFilePV(keyFile)
	}
	return privval.GenFilePVFromSecret(keyFile, []byte(secret))
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		return fmt.Errorf("private validator at %s already exists", privValKeyFile)
	}

	pv, err := newFilePV(privValKeyFile, validatorSecret)
	if err != nil {
		return err
	}
	if err := pv.Save(); err != nil {
		return err
	}

	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	fmt.Printf(`%v
`, string(jsbz))
	return nil
}

// ShowValidatorCmd 打印本节点验证者的两个公钥
var ShowValidatorCmd = &cobra.Command{
	Use:     "show-validator",
	Aliases: []string{"show_validator"},
	Short:   "Show this node's validator info",
	RunE:    showValidator,
	PreRun:  deprecateSnakeCase,
}

func showValidator(cmd *cobra.Command, args []string) error {
	pv, err := privval.LoadFilePV(config.PrivValidatorKeyFile())
	if err != nil {
		return err
	}

	bz, err := tmjson.Marshal(genesisValidator(pv, ""))
	if err != nil {
		return fmt.Errorf("failed to marshal validator: %w", err)
	}
	fmt.Println(string(bz))
	return nil
}
