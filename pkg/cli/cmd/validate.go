package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/cli/output"
	"github.com/LENAX/pipeline-engine/pkg/config"
	"github.com/LENAX/pipeline-engine/pkg/core/dag"
	"github.com/LENAX/pipeline-engine/pkg/core/sink"
	perrors "github.com/LENAX/pipeline-engine/pkg/errors"
)

// validateResult validate命令的JSON输出
type validateResult struct {
	Pipeline string     `json:"pipeline"`
	Valid    bool       `json:"valid"`
	Order    []string   `json:"order,omitempty"`
	Levels   [][]string `json:"levels,omitempty"`
	Roots    []string   `json:"roots,omitempty"`
	Kind     string     `json:"error_kind,omitempty"`
	Error    string     `json:"error,omitempty"`
	Cycle    []string   `json:"cycle,omitempty"`
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.yaml>",
		Short: "校验流水线",
		Long:  `校验流水线配置与依赖图（绑定、环路、输出声明、Sink绑定），通过时打印拓扑分层。不执行任何任务。`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, plan, err := validatePipeline(root, args[0])
			res := validateResult{Valid: err == nil}
			if pc != nil {
				res.Pipeline = pc.Pipeline.Name
			}
			if plan != nil {
				res.Order = plan.Order()
				res.Levels = plan.Levels()
				res.Roots = plan.Roots()
			}
			if err != nil {
				res.Kind = string(perrors.KindOf(err))
				res.Error = err.Error()
				var pe *perrors.Error
				if errors.As(err, &pe) {
					res.Cycle = pe.Cycle
				}
			}

			w := cmd.OutOrStdout()
			if root.outputJSON {
				if perr := output.PrintJSON(w, res); perr != nil {
					return perr
				}
			} else {
				printValidateResult(cmd, res)
			}
			if err != nil {
				return exitWith(1)
			}
			return nil
		},
	}
}

// validatePipeline 只构图校验，不打开存储
func validatePipeline(root *rootOptions, path string) (*config.PipelineConfig, *dag.Plan, error) {
	cfg, err := root.loadEngineConfig()
	if err != nil {
		return nil, nil, err
	}
	registry, err := builtinRegistry()
	if err != nil {
		return nil, nil, err
	}
	pc, err := config.LoadPipelineConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ValidatePipelineConfig(pc, registry, cfg.GetDefaultTaskTimeout()); err != nil {
		return pc, nil, err
	}
	g, err := pc.BuildGraph(registry)
	if err != nil {
		return pc, nil, err
	}
	plan, err := g.Validate()
	if err != nil {
		return pc, nil, err
	}

	s := sink.New(sink.NewLocalWriter(cfg.PipelineEngine.Sink.Root), zap.NewNop())
	for _, b := range pc.SinkBindings() {
		if err := s.Bind(b.Task, b.Output, b.Path); err != nil {
			return pc, nil, err
		}
	}
	if err := s.Validate(plan); err != nil {
		return pc, nil, err
	}
	return pc, plan, nil
}

func printValidateResult(cmd *cobra.Command, res validateResult) {
	w := cmd.OutOrStdout()
	if !res.Valid {
		output.Error(w, "流水线 %s 校验失败: %s", res.Pipeline, res.Error)
		if len(res.Cycle) > 0 {
			fmt.Fprintf(w, "  环路: %s -> %s\n", strings.Join(res.Cycle, " -> "), res.Cycle[0])
		}
		return
	}
	output.Success(w, "流水线 %s 校验通过，共 %d 个任务", res.Pipeline, len(res.Order))
	fmt.Fprintf(w, "  入口任务: %s\n", strings.Join(res.Roots, ", "))
	for i, level := range res.Levels {
		fmt.Fprintf(w, "  第%d层: %s\n", i+1, strings.Join(level, ", "))
	}
}
