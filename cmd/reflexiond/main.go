package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"Neural-Reflexion/internal/api"
	"Neural-Reflexion/internal/bootstrap"
	"Neural-Reflexion/internal/config"
	"Neural-Reflexion/pkg/logger"
)

// main 是反思服务守护进程的入口。
func main() {
	configFlag := flag.String("config", "", "配置文件路径")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configFlag)); err != nil {
		log.Fatalf("reflexiond 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := bootstrap.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	daemon, err := bootstrap.NewDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := daemon.Close(); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, daemon.Service,
		api.WithConfig(cfg),
		api.WithMetrics(daemon.Metrics),
		api.WithAuth(daemon.Auth),
	)

	logger.L().Info("reflexiond 启动",
		slog.String("config", configPath),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("search_provider", cfg.Search.Provider),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("task_queue", cfg.TaskQueue.Driver),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := daemon.Processor.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	err = group.Wait()
	logger.L().Info("reflexiond 已停止")
	return err
}
