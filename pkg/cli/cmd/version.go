package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/pipeline-engine/pkg/cli/output"
)

// 版本信息（编译时注入）
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionInfo version命令的JSON输出
type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if opts.outputJSON {
				return output.PrintJSON(w, versionInfo{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime})
			}
			fmt.Fprintf(w, "Pipeline Engine\n")
			fmt.Fprintf(w, "  Version:    %s\n", Version)
			fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
			return nil
		},
	}
}
