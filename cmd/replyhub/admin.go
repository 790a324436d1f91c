package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/replyhub/replyhub/internal/application"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence"
	"github.com/replyhub/replyhub/pkg/secrets"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "执行数据库迁移",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.Type == "memory" {
				return errors.New("database.type is memory; nothing to migrate")
			}
			// 建立连接时自动迁移
			db, err := persistence.NewDBConnection(&cfg.Database)
			if err != nil {
				return err
			}
			defer persistence.Close(db)
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", cfg.Database.Type)
			return nil
		},
	}
}

// DocumentManifest 知识库导入文件
type DocumentManifest struct {
	Tenant    string          `yaml:"tenant"`
	Documents []ManifestEntry `yaml:"documents"`
}

// ManifestEntry 一篇预切分的文档
type ManifestEntry struct {
	ID     string   `yaml:"id"`
	Chunks []string `yaml:"chunks"`
}

func newIndexCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "从 YAML 清单导入知识库文档",
		Example: `  replyhub index --file docs.yaml

  # docs.yaml
  tenant: acme
  documents:
    - id: returns
      chunks:
        - Items can be returned within 30 days.
        - Refunds go back to the original payment method.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var manifest DocumentManifest
			if err := readYAML(file, &manifest); err != nil {
				return err
			}
			if manifest.Tenant == "" {
				return errors.New("manifest has no tenant")
			}
			return withCLIApp(cmd, func(app *application.App) error {
				out := cmd.OutOrStdout()
				for _, doc := range manifest.Documents {
					res, err := app.Indexer().IndexDocument(cmd.Context(), manifest.Tenant, doc.ID, doc.Chunks)
					if err != nil {
						return fmt.Errorf("index %s: %w", doc.ID, err)
					}
					fmt.Fprintf(out, "%s: %d chunks (replaced %d)\n", res.DocumentID, res.Chunks, res.Replaced)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "文档清单 (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "写入租户模型凭证 (默认读取配置中的 tenants)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLIApp(cmd, func(app *application.App) error {
				tenants := app.AppConfig().Tenants
				if file != "" {
					tenants = nil
					if err := readYAML(file, &tenants); err != nil {
						return err
					}
				}
				if len(tenants) == 0 {
					return errors.New("no tenants to seed")
				}
				if err := app.Credentials().Seed(cmd.Context(), application.SeedInputs(tenants)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tenants\n", len(tenants))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "租户列表 (YAML), 格式同配置中的 tenants")
	return cmd
}

func newDeadLettersCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "查看和重投死信",
	}
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", "", "租户 id")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	var all bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "列出死信",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLIApp(cmd, func(app *application.App) error {
				letters, err := app.Dispatcher().DeadLetters(cmd.Context(), tenant, all, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCONVERSATION\tROLE\tATTEMPTS\tCREATED\tRESOLVED\tLAST ERROR")
				for _, l := range letters {
					resolved := "-"
					if l.ResolvedAt != nil {
						resolved = l.ResolvedAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						l.ID, l.ConversationID, l.Role, l.Attempts,
						l.CreatedAt.Format("2006-01-02 15:04"), resolved, l.LastError)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "包含已重投的死信")
	list.Flags().IntVar(&limit, "limit", 50, "最多显示条数")

	redeliver := &cobra.Command{
		Use:   "redeliver <id>",
		Short: "重新投递一条死信 (发送原文, 不重新生成)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLIApp(cmd, func(app *application.App) error {
				// 内存队列只存在于本进程, 重投需要服务进程消费
				if app.AppConfig().Queue.Driver != "amqp" {
					return errors.New("redelivery from the command line needs queue.driver=amqp; use the HTTP API instead")
				}
				if err := app.Dispatcher().Redeliver(cmd.Context(), tenant, args[0]); err != nil {
					return err
				}
				app.Logger().Info("Dead letter requeued", zap.String("tenant_id", tenant), zap.String("dead_letter_id", args[0]))
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, redeliver)
	return cmd
}

func newInitCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "生成初始配置和凭证加密密钥",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(&config.Config{}, true)
			if err != nil {
				return err
			}
			defer log.Sync()

			if dir == "" {
				dir = config.HomeDir()
			}
			path, err := config.Bootstrap(dir, log.Logger)
			if err != nil {
				return err
			}
			keyPath := filepath.Join(dir, "sealing.key")
			if _, err := secrets.LoadOrCreateKey(keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\nsealing key: %s\n", path, keyPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "目标目录 (默认 ~/.replyhub)")
	return cmd
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
