// =============================================================================
// FormRelay 主入口
// =============================================================================
// 驱动浏览器会话、实时通道与表单自动化，并提供控制面 API 与 Prometheus 指标
//
// 使用方法:
//
//	formrelay run                          # 启动浏览器与控制面
//	formrelay run --config config.yaml     # 指定配置文件
//	formrelay config print                 # 打印生效配置（敏感字段已脱敏）
//	formrelay config validate              # 校验配置
//	formrelay captcha list                 # 查看验证码缓存
//	formrelay forms list                   # 查看表单档案
//	formrelay migrate up                   # 运行数据库迁移
//	formrelay health                       # 健康检查
//	formrelay version                      # 显示版本信息
// =============================================================================

// @title FormRelay Control API
// @version 1.0.0
// @description Operator control plane for the form automation engine.

// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/formrelay/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// rootOptions 是所有子命令共享的全局参数
type rootOptions struct {
	configPath string
	envPrefix  string
}

// loader 按全局参数构造配置加载器
func (o *rootOptions) loader() *config.Loader {
	l := config.NewLoader()
	if o.configPath != "" {
		l = l.WithConfigPath(o.configPath)
	}
	if o.envPrefix != "" {
		l = l.WithEnvPrefix(o.envPrefix)
	}
	return l
}

// load 加载并校验配置
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := o.loader().WithValidator((*config.Config).Validate).Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "formrelay",
		Short:         "Browser form automation driven by a realtime link channel",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (YAML)")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", config.DefaultEnvPrefix, "Environment variable prefix")

	root.AddCommand(
		newRunCmd(opts),
		newMigrateCmd(opts),
		newCaptchaCmd(opts),
		newSessionCmd(opts),
		newFormsCmd(opts),
		newConfigCmd(opts),
		newHealthCmd(),
		newVersionCmd(),
	)
	return root
}

// =============================================================================
// ⚙️ config 命令
// =============================================================================

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the merged configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loader().Load()
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), config.Sanitized(cfg))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	return cmd
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func newHealthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the readiness endpoint of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkHealth(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Control API address")
	return cmd
}

func checkHealth(ctx context.Context, out io.Writer, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/ready", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "FormRelay %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 构建 zap logger。返回的 AtomicLevel 用于热更新日志级别。
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, level, fmt.Errorf("log level: %w", err)
		}
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return logger, level, nil
}
