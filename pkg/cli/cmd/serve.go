package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/api"
	"github.com/LENAX/pipeline-engine/pkg/cli/output"
	"github.com/LENAX/pipeline-engine/pkg/core/engine"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve [pipeline.yaml...]",
		Short: "启动HTTP API服务",
		Long: `启动HTTP API服务：查询运行历史、异步触发流水线、订阅生命周期事件。
设置了 schedule.cron 的流水线同时注册到定时调度器。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := root.buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			// 1. 加载流水线
			pipelines := make([]*engine.Pipeline, 0, len(args))
			for _, path := range args {
				p, err := rt.LoadPipeline(ctx, path)
				if err != nil {
					return err
				}
				pipelines = append(pipelines, p)
			}

			// 2. 定时调度
			scheduler := engine.NewCronScheduler(rt.Engine)
			for _, p := range pipelines {
				if p.Cron == "" {
					continue
				}
				if err := scheduler.Register(p); err != nil {
					return err
				}
			}
			scheduler.Start()
			defer scheduler.Stop()

			// 3. API服务器
			config := api.DefaultServerConfig()
			config.Host = rt.Config.PipelineEngine.API.Host
			config.Port = rt.Config.PipelineEngine.API.Port
			if cmd.Flags().Changed("host") {
				config.Host = host
			}
			if cmd.Flags().Changed("port") {
				config.Port = port
			}
			server := api.NewAPIServer(rt.Engine, pipelines, rt.Bus, config, Version, rt.Logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()
			output.Success(cmd.OutOrStdout(), "Pipeline Engine started on %s (%d pipelines, %d scheduled)",
				server.Addr(), len(pipelines), len(scheduler.Registered()))

			// 4. 等待中断信号或服务异常退出
			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			// 5. 优雅关闭
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.WriteTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				rt.Logger.Warn("关闭API服务器失败", zap.Error(err))
			}
			output.Info(cmd.OutOrStdout(), "服务已停止")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "监听地址，默认使用配置")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "监听端口，默认使用配置")
	return cmd
}
