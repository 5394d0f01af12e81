package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LENAX/pipeline-engine/pkg/cli/output"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

// runOptions run命令参数，零值表示沿用配置
type runOptions struct {
	runID          string
	mapPolicy      string
	strategy       string
	maxConcurrency int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "运行流水线",
		Long: `加载并运行一条流水线，打印每个任务实例的最终状态。

退出码：全部必需实例成功为0，存在必需实例失败为1，被中断为130。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "运行ID，为空时自动生成")
	cmd.Flags().StringVar(&opts.mapPolicy, "map-policy", "", "Map失败策略 (fail-fast|partial)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "执行策略 (sequential|pool|external)")
	cmd.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", 0, "并发预算")
	return cmd
}

func runPipeline(cmd *cobra.Command, root *rootOptions, opts *runOptions, path string) error {
	// Ctrl-C 取消运行，已完成的缓存条目保留
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := root.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.LoadPipeline(ctx, path)
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, rt, p); err != nil {
		return err
	}

	summary, runErr := rt.Engine.RunPipeline(ctx, p, opts.runID)
	if summary == nil {
		return runErr
	}

	w := cmd.OutOrStdout()
	if root.outputJSON {
		if err := output.PrintJSON(w, summary); err != nil {
			return err
		}
	} else {
		output.RunSummary(w, summary)
	}

	if runErr != nil {
		code := summary.ExitCode
		if code == engine.ExitSuccess {
			code = engine.ExitFailure
		}
		return &exitError{code: code, err: runErr}
	}
	if summary.ExitCode != engine.ExitSuccess {
		return exitWith(summary.ExitCode)
	}
	return nil
}

// apply 命令行参数覆盖流水线配置中的执行参数
func (o *runOptions) apply(cmd *cobra.Command, rt *engine.Runtime, p *engine.Pipeline) error {
	if o.mapPolicy != "" {
		policy, err := engine.ParseMapPolicy(o.mapPolicy)
		if err != nil {
			return err
		}
		p.MapPolicy = policy
	}
	if o.strategy == "" && o.maxConcurrency == 0 {
		return nil
	}
	if o.maxConcurrency < 0 {
		return errors.New("--max-concurrency 必须大于0")
	}

	current := p.Strategy
	if current == nil {
		current = rt.Engine.Strategy()
	}
	name := o.strategy
	if name == "" {
		name = current.Name()
	}
	concurrency := o.maxConcurrency
	if concurrency == 0 {
		concurrency = current.Capacity()
	}
	strategy, err := rt.NewStrategy(cmd.Context(), name, concurrency)
	if err != nil {
		return err
	}
	p.Strategy = strategy
	return nil
}
