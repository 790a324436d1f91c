package main

import (
	"fmt"
	"os"

	"github.com/replyhub/replyhub/internal/application"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	"github.com/replyhub/replyhub/internal/infrastructure/logger"
	"github.com/spf13/cobra"
)

const appName = "replyhub"

// 构建时通过 -ldflags "-X main.version=..." 注入
var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "replyhub: multi-tenant customer messaging with an LLM reply bot",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "配置文件路径 (默认 ./config.yaml 或 ~/.replyhub/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newIndexCmd(),
		newSeedCmd(),
		newDeadLettersCmd(),
		newInitCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "显示版本",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, version)
			},
		},
	)
	return rootCmd
}

// loadConfig 读取 --config 指定的配置
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// newLogger 按配置创建日志; quiet 用于管理命令, 只输出警告以上
func newLogger(cfg *config.Config, quiet bool) (*logger.Logger, error) {
	lc := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		InstanceID: cfg.Server.InstanceID,
	}
	if quiet {
		lc.Level = "warn"
		lc.Format = "console"
		lc.OutputPath = "stderr"
	}
	log, err := logger.NewLogger(lc)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return log, nil
}

// withCLIApp 创建轻量应用并在 fn 结束后释放资源
func withCLIApp(cmd *cobra.Command, fn func(app *application.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Sync()

	app, err := application.NewAppCLI(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer app.Stop(cmd.Context())
	return fn(app)
}
