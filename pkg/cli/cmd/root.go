// Package cmd pipeline-engine 命令行（对外导出）
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/pipeline-engine/pkg/cli/output"
)

// rootOptions 全局参数
type rootOptions struct {
	configPath string
	outputJSON bool
	logLevel   string
}

// exitError 携带退出码的错误；code 非0但不需要再打印错误信息时 silent 为真
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitWith(code int) error {
	return &exitError{code: code, silent: true}
}

// NewRootCmd 创建根命令及全部子命令
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pipeline-engine",
		Short: "Pipeline Engine - 数据流水线调度引擎",
		Long: `Pipeline Engine 按依赖关系调度数据流水线中的任务。

支持的功能：
  - 校验并运行流水线（顺序、并发池、外部集群三种执行策略）
  - 内容寻址缓存，相同输入的任务不重复计算
  - 查看缓存与运行历史
  - 启动HTTP API服务与定时调度
  - 作为外部集群的Worker执行任务

使用示例：
  # 校验流水线
  pipeline-engine validate pipeline.yaml

  # 以并发池运行
  pipeline-engine run pipeline.yaml --strategy pool --max-concurrency 8

  # 查看运行历史
  pipeline-engine runs list

  # 启动HTTP服务
  pipeline-engine serve pipeline.yaml --port 8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "引擎配置文件路径，为空时使用默认配置")
	rootCmd.PersistentFlags().BoolVarP(&opts.outputJSON, "json", "j", false, "使用JSON格式输出")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "覆盖配置中的日志级别")

	// 添加子命令
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newCacheCmd(opts))
	rootCmd.AddCommand(newRunsCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newWorkerCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))
	return rootCmd
}

// Execute 执行根命令，返回进程退出码
func Execute() int {
	return ExecuteArgs(NewRootCmd(), nil)
}

// ExecuteArgs 以指定参数执行命令，args 为空时使用命令行参数
func ExecuteArgs(rootCmd *cobra.Command, args []string) int {
	if args != nil {
		rootCmd.SetArgs(args)
	}
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.silent {
			output.Error(rootCmd.ErrOrStderr(), "%v", ee.err)
		}
		return ee.code
	}
	output.Error(rootCmd.ErrOrStderr(), "%v", err)
	return 1
}
