package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LENAX/pipeline-engine/pkg/backend/natsbackend"
	"github.com/LENAX/pipeline-engine/pkg/cli/output"
	"github.com/LENAX/pipeline-engine/pkg/logger"
)

// workerOptions worker命令参数，零值表示沿用配置
type workerOptions struct {
	url         string
	subject     string
	queue       string
	group       string
	concurrency int
}

func newWorkerCmd(root *rootOptions) *cobra.Command {
	opts := &workerOptions{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "启动外部执行Worker",
		Long: `连接NATS并执行 external 策略提交的任务调用，使用内置的任务体。
同一队列组内的多个Worker分摊调用。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := root.loadEngineConfig()
			if err != nil {
				return err
			}
			general := cfg.PipelineEngine.General
			log, err := logger.New(general.LogLevel, general.Env)
			if err != nil {
				return err
			}
			defer log.Sync()

			registry, err := builtinRegistry()
			if err != nil {
				return err
			}

			ext := cfg.PipelineEngine.Execution.External
			url := ext.URL
			if opts.url != "" {
				url = opts.url
			}
			subject := ext.Subject
			if opts.subject != "" {
				subject = opts.subject
			}
			concurrency := opts.concurrency
			if concurrency <= 0 {
				concurrency = cfg.GetMaxConcurrency()
			}

			connCfg := natsbackend.DefaultConnectionConfig(url)
			connCfg.Name = general.InstanceName + "-worker"
			nc, err := natsbackend.Connect(ctx, connCfg, log)
			if err != nil {
				return err
			}
			defer natsbackend.Close(nc)

			worker, err := natsbackend.NewWorker(nc, registry, natsbackend.WorkerOptions{
				Subject:     subject,
				Queue:       opts.queue,
				Group:       opts.group,
				Concurrency: concurrency,
				Logger:      log,
			})
			if err != nil {
				return err
			}
			if err := worker.Start(ctx); err != nil {
				return err
			}
			output.Success(cmd.OutOrStdout(), "Worker started on %s (subject %s, queue %q, concurrency %d)",
				url, subject, opts.queue, concurrency)

			<-ctx.Done()
			worker.Stop()
			log.Info("Worker已停止", zap.Int("functions", len(registry.Names())))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "NATS地址，默认使用配置")
	cmd.Flags().StringVar(&opts.subject, "subject", "", "调用主题前缀，默认使用配置")
	cmd.Flags().StringVarP(&opts.queue, "queue", "q", "", "只处理指定队列的调用")
	cmd.Flags().StringVar(&opts.group, "group", natsbackend.DefaultQueueGroup, "NATS队列组")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "同时执行的任务数，默认使用 max_concurrency")
	return cmd
}
