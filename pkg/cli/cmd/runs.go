package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/LENAX/pipeline-engine/pkg/cli/output"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

func newRunsCmd(root *rootOptions) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "运行历史命令",
		Long:  `查看已持久化的流水线运行汇总。`,
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出运行记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := root.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			rows, err := rt.Engine.Runs().ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			summaries := make([]*engine.RunSummary, 0, len(rows))
			for _, row := range rows {
				s, err := engine.SummaryFromDAO(row)
				if err != nil {
					return err
				}
				summaries = append(summaries, s)
			}

			w := cmd.OutOrStdout()
			if root.outputJSON {
				return output.PrintJSON(w, summaries)
			}
			if len(summaries) == 0 {
				output.Info(w, "暂无运行记录")
				return nil
			}

			table := output.NewTable("RUN_ID", "PIPELINE", "STATUS", "EXIT", "STARTED", "DURATION")
			for _, s := range summaries {
				table.AddColoredRow([]*color.Color{nil, nil, output.StatusColor(s.Status)},
					s.RunID,
					s.Pipeline,
					string(s.Status),
					fmt.Sprintf("%d", s.ExitCode),
					s.StartedAt.Local().Format("2006-01-02 15:04:05"),
					s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String(),
				)
			}
			table.Render(w)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "l", 20, "最多显示条数")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "查看运行汇总",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := root.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			row, err := rt.Engine.Runs().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("运行 %s 不存在", args[0])
			}
			summary, err := engine.SummaryFromDAO(row)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if root.outputJSON {
				return output.PrintJSON(w, summary)
			}
			output.RunSummary(w, summary)
			return nil
		},
	}

	runsCmd.AddCommand(listCmd, showCmd)
	return runsCmd
}
