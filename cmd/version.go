package cmd

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// ビルド時に -ldflags "-X nft-market-back-ledger/cmd.BuildCommit=..." で埋め込む
var (
	BuildDate    string
	BuildCommit  string
	BuildVersion string
)

var versionOnly bool

// VersionInfo は version コマンドの出力
type VersionInfo struct {
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

// currentVersion は埋め込み値を優先し、なければ go install 時のモジュール情報を使う
func currentVersion(readBuildInfo func() (*debug.BuildInfo, bool)) *VersionInfo {
	info := &VersionInfo{
		Version: BuildVersion,
		Commit:  BuildCommit,
		Date:    BuildDate,
	}
	if info.Version == "" {
		if bi, ok := readBuildInfo(); ok && bi != nil {
			info.Version = bi.Main.Version
		}
	}
	return info
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := currentVersion(debug.ReadBuildInfo)
		if versionOnly {
			fmt.Fprintln(cmd.OutOrStdout(), info.Version)
			return nil
		}
		b, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVarP(&versionOnly, "short", "s", false, "Prints only the version number")
	rootCmd.AddCommand(versionCmd)
}
