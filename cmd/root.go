package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nft-market-back-ledger/config"
	"nft-market-back-ledger/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nftmarket",
	Short: "NFT marketplace ledger service",
	Long:  "Asset registry and marketplace ledger with escrowed listings and atomic sales",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "f", "", "config file (YAML)")
}

// Execute は main から呼ばれる
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// setup は設定を読み込み、ログを初期化したコンテキストを返す
func setup(ctx context.Context) (context.Context, error) {
	// ログのヘッダを正しく出すため、設定の読み込みに失敗してもログは初期化する
	err := config.ReadConfig(cfgFile)

	logging.SetLevel(config.GetString(config.LogLevel))
	logging.SetFormatting(logging.Formatting{
		JSON: config.GetBool(config.LogJSON),
		UTC:  true,
	})
	ctx = logging.WithLogger(ctx, logrus.WithField("pid", os.Getpid()))
	logging.L(ctx).Infof("NFT Market ledger")

	return ctx, err
}
