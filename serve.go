package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"VideoAgent-server/models"
	"VideoAgent-server/resilient"
	"VideoAgent-server/routers"
	"VideoAgent-server/routers/api"
	"VideoAgent-server/service"
)

// stack 持有一个进程内所有需要关闭的组件
type stack struct {
	store     *models.Store
	queue     *service.AsynqQueue
	processor *service.Processor
	redis     asynq.RedisClientOpt
}

func (r *stack) Close() {
	r.processor.Shutdown()
	_ = r.queue.Close()
	_ = r.store.Close()
}

func buildStack(ctx context.Context, c *commandContext) (*stack, error) {
	cfg, logger := c.cfg, c.logger

	store, err := models.Open(cfg.MySQL.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	storage, err := service.NewMinIOStore(service.MinIOConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
		Domain:    cfg.MinIO.Domain,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	redis := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password}
	queue := service.NewAsynqQueue(redis, logger)

	opts := resilient.Options{
		Timeout:           cfg.Retry.Timeout,
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Jitter:            cfg.Retry.Jitter,
		RateLimitCooldown: cfg.Retry.RateLimitCooldown,
		Logger:            &logger,
	}
	if cfg.Services.APIKey != "" {
		opts.Header = http.Header{"Authorization": []string{"Bearer " + cfg.Services.APIKey}}
	}
	client := resilient.New(opts)

	p := service.NewProcessor(service.Options{
		PollInterval:    cfg.Polling.Interval,
		Concurrency:     cfg.Pipeline.Concurrency,
		SegmentDuration: float64(cfg.Pipeline.SegmentDuration),
		MinShotDuration: float64(cfg.Pipeline.MinShotDuration),
		Logger:          &logger,
	})
	p.Repo = store
	p.Tokens = store
	p.Queue = queue
	p.Storage = storage
	p.Text = &service.TextClient{Endpoint: cfg.Services.TextAPI, Client: client}
	p.Image = &service.JobClient{Endpoint: cfg.Services.ImageAPI, Client: client}
	p.Video = &service.JobClient{Endpoint: cfg.Services.VideoAPI, Client: client}
	p.Composer = &service.JobClient{Endpoint: cfg.Services.ComposeAPI, Client: client}

	return &stack{store: store, queue: queue, processor: p, redis: redis}, nil
}

// runWorker 消费阶段任务，并接管重启前仍在生成中的阶段
func runWorker(ctx context.Context, c *commandContext, rt *stack, g *errgroup.Group) {
	w := service.NewWorker(rt.redis, c.cfg.Pipeline.Workers, rt.processor)
	g.Go(func() error {
		return w.Run(ctx)
	})
	if _, err := rt.processor.Resume(ctx); err != nil {
		c.logger.Error().Err(err).Msg("恢复未完成阶段失败")
	}
}

func newServeCommand(c *commandContext) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := buildStack(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			if c.cfg.Server.Env != "development" {
				gin.SetMode(gin.ReleaseMode)
			}
			h := api.NewHandler(rt.processor, time.Second, c.logger)
			srv := &http.Server{Addr: c.cfg.Server.Port, Handler: routers.InitRouter(h)}

			g, gctx := errgroup.WithContext(ctx)
			if withWorker {
				runWorker(gctx, c, rt, g)
			}
			g.Go(func() error {
				c.logger.Info().Str("addr", srv.Addr).Msg("Server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				defer stop()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "Run the task worker in the same process")
	return cmd
}

func newWorkerCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "只启动任务消费者",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := buildStack(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			g, gctx := errgroup.WithContext(ctx)
			runWorker(gctx, c, rt, g)
			return g.Wait()
		},
	}
}
