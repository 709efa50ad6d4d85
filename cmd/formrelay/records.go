package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/config"
	"github.com/BaSui01/formrelay/forms"
	"github.com/BaSui01/formrelay/internal/cache"
	"github.com/BaSui01/formrelay/internal/database"
	"github.com/BaSui01/formrelay/session"
)

// =============================================================================
// 🧩 captcha 命令
// =============================================================================

// openCaptchaStore 打开持久化的验证码后端。内存后端只存在于运行中的进程里，
// 需通过控制面 API 查看。
func openCaptchaStore(cfg *config.Config) (*captcha.Store, func(), error) {
	logger := zap.NewNop()
	switch cfg.Captcha.Backend {
	case "sql":
		db, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		store := captcha.NewStore(captcha.NewSQLBackend(db), cfg.Captcha.Store(), logger)
		return store, func() {
			_ = store.Close()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	case "redis":
		m, err := cache.NewManager(cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		store := captcha.NewStore(captcha.NewRedisBackend(m), cfg.Captcha.Store(), logger)
		return store, func() {
			_ = store.Close()
			_ = m.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("captcha backend %q is process-local; use GET /api/v1/captchas on the running instance", cfg.Captcha.Backend)
	}
}

func newCaptchaCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "captcha",
		Short: "Inspect the persisted captcha cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached captcha records, newest first",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := opts.loader().Load()
			if err != nil {
				return err
			}
			store, closeFn, err := openCaptchaStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			return writeCaptchaTable(c.OutOrStdout(), store.List(c.Context()), time.Now(), cfg.Captcha.StaleAfter)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete stale captcha records",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := opts.loader().Load()
			if err != nil {
				return err
			}
			store, closeFn, err := openCaptchaStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			n := store.Purge(c.Context())
			fmt.Fprintf(c.OutOrStdout(), "purged %d stale record(s)\n", n)
			return nil
		},
	})
	return cmd
}

func writeCaptchaTable(out io.Writer, records []captcha.Record, now time.Time, staleAfter time.Duration) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHALLENGE\tSOLUTION\tUSED\tCORRECT\tSTALE\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%t\t%t\t%s\n",
			r.ID, r.ChallengeID, r.Solution, r.IsUsed, r.IsCorrect,
			r.Stale(now, staleAfter), r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// =============================================================================
// 🔑 session 命令
// =============================================================================

// openSessionCache 打开持久化的会话缓存；内存存储只存在于运行中的进程里
func openSessionCache(cfg *config.Config) (*session.Cache, func(), error) {
	var (
		redis   *cache.Manager
		closeFn = func() {}
	)
	switch cfg.Session.Store.Type {
	case session.StoreTypeFile:
	case session.StoreTypeRedis:
		m, err := cache.NewManager(cfg.Redis, zap.NewNop())
		if err != nil {
			return nil, nil, err
		}
		redis = m
		closeFn = func() { _ = m.Close() }
	default:
		return nil, nil, fmt.Errorf("session store %q is process-local", cfg.Session.Store.Type)
	}
	kv, err := session.NewKV(cfg.Session.Store, redis)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	cipher, err := session.NewSealedCipher(cfg.Session.Secret)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return session.NewCache(kv, cipher, cfg.Session.Cache, zap.NewNop()), closeFn, nil
}

// withSessionCache 加载配置、打开会话缓存并执行 fn
func withSessionCache(opts *rootOptions, fn func(c *cobra.Command, profiles *session.Cache) error) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, args []string) error {
		cfg, err := opts.loader().Load()
		if err != nil {
			return err
		}
		profiles, closeFn, err := openSessionCache(cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(c, profiles)
	}
}

func newSessionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or drop the cached session profile",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the cached profile without its credential",
		RunE: withSessionCache(opts, func(c *cobra.Command, profiles *session.Cache) error {
			p, ok := profiles.Load(c.Context())
			if !ok {
				fmt.Fprintln(c.OutOrStdout(), "no cached profile")
				return nil
			}
			fmt.Fprintf(c.OutOrStdout(), "user: %s\nissued_at: %s\n", p.User, p.IssuedAt.Format(time.RFC3339))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the cached profile so the next run refreshes it",
		RunE: withSessionCache(opts, func(c *cobra.Command, profiles *session.Cache) error {
			if err := profiles.Clear(c.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), "session cache cleared")
			return nil
		}),
	})
	return cmd
}

// =============================================================================
// 📝 forms 命令
// =============================================================================

func openFormsStore(cfg *config.Config) (*forms.Store, func(), error) {
	if !cfg.Database.Enabled() {
		return nil, nil, errors.New("database is not configured")
	}
	db, err := database.Open(cfg.Database, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return forms.NewStore(db, zap.NewNop()), func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}

// withFormsStore 加载配置、打开档案库并执行 fn
func withFormsStore(opts *rootOptions, fn func(c *cobra.Command, store *forms.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, args []string) error {
		cfg, err := opts.loader().Load()
		if err != nil {
			return err
		}
		store, closeFn, err := openFormsStore(cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(c, store, args)
	}
}

func newFormsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Manage saved form profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List form profiles in fill order",
		RunE: withFormsStore(opts, func(c *cobra.Command, store *forms.Store, args []string) error {
			profiles, err := store.List(c.Context())
			if err != nil {
				return err
			}
			return writeFormsTable(c.OutOrStdout(), profiles)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print one form profile as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: withFormsStore(opts, func(c *cobra.Command, store *forms.Store, args []string) error {
			p, err := store.Get(c.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(c.OutOrStdout(), p)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a form profile",
		Args:  cobra.ExactArgs(1),
		RunE: withFormsStore(opts, func(c *cobra.Command, store *forms.Store, args []string) error {
			if err := store.Delete(c.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	})
	return cmd
}

func writeFormsTable(out io.Writer, profiles []forms.Profile) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tORDER\tFIELDS\tFLAGS\tUPDATED")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			p.ID, p.Name, p.Order, len(p.Fields), flagList(p.Flags), p.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// flagList 返回已置位的标记，按名称排序
func flagList(flags map[string]bool) string {
	var set []string
	for name, on := range flags {
		if on {
			set = append(set, name)
		}
	}
	if len(set) == 0 {
		return "-"
	}
	sort.Strings(set)
	return strings.Join(set, ",")
}

func printYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
