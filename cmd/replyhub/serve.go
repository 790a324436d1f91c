package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/replyhub/replyhub/internal/application"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动服务 (webhook 入口, 运营 API, websocket, 队列消费者)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting replyhub",
		zap.String("version", version),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("database", cfg.Database.Type),
	)

	app, err := application.NewApp(cfg, log.Logger, application.WithLevelController(log))
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		return err
	}

	// 等待退出信号或核心组件退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-app.Done():
		runErr = app.Err()
		if runErr != nil {
			log.Error("Application component failed", zap.Error(runErr))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return runErr
}
