package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/database"
	"github.com/BaSui01/formrelay/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateSubcommands 子命令名与参数个数
var migrateSubcommands = []struct {
	name  string
	short string
	args  int
}{
	{"up", "Apply all pending migrations", 0},
	{"down", "Rollback the last migration", 0},
	{"down-all", "Rollback all migrations", 0},
	{"steps", "Apply (n>0) or rollback (n<0) n migrations", 1},
	{"goto", "Migrate to a specific version", 1},
	{"force", "Force set migration version (use with caution)", 1},
	{"version", "Show current migration version", 0},
	{"status", "Show migration status", 0},
	{"info", "Show migration summary", 0},
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var driver, name string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	cmd.PersistentFlags().StringVar(&driver, "db-driver", "", "Override database.driver (postgres, mysql, sqlite)")
	cmd.PersistentFlags().StringVar(&name, "db-name", "", "Override database.name")

	for _, sc := range migrateSubcommands {
		sc := sc
		cmd.AddCommand(&cobra.Command{
			Use:   sc.name,
			Short: sc.short,
			Args:  cobra.ExactArgs(sc.args),
			RunE: func(c *cobra.Command, args []string) error {
				dbCfg, err := migrationConfig(opts, driver, name)
				if err != nil {
					return err
				}
				m, err := migration.NewMigratorFromConfig(dbCfg, zap.NewNop())
				if err != nil {
					return err
				}
				defer m.Close()

				cli := migration.NewCLI(m)
				cli.SetOutput(c.OutOrStdout())
				return cli.Run(c.Context(), sc.name, args)
			},
		})
	}
	return cmd
}

// migrationConfig 读取数据库配置并应用命令行覆盖
func migrationConfig(opts *rootOptions, driver, name string) (database.Config, error) {
	cfg, err := opts.loader().Load()
	if err != nil {
		return database.Config{}, err
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}
	if name != "" {
		cfg.Database.Name = name
	}
	return cfg.Database, cfg.Database.Validate()
}
