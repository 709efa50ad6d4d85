package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// CLI 把 Migrator 的操作格式化输出到终端，供 `formrelay migrate` 使用
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 创建 CLI，默认输出到标准输出
func NewCLI(m Migrator) *CLI {
	return &CLI{migrator: m, out: os.Stdout}
}

// SetOutput 替换输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// Run 按子命令名分派：up, down, down-all, steps N, goto V, force V, version, status, info
func (c *CLI) Run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "", "up":
		return c.RunUp(ctx)
	case "down":
		return c.RunDown(ctx)
	case "down-all":
		return c.RunDownAll(ctx)
	case "steps":
		n, err := intArg(cmd, args)
		if err != nil {
			return err
		}
		return c.RunSteps(ctx, n)
	case "goto":
		n, err := intArg(cmd, args)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("goto: version must not be negative")
		}
		return c.RunGoto(ctx, uint(n))
	case "force":
		n, err := intArg(cmd, args)
		if err != nil {
			return err
		}
		return c.RunForce(ctx, n)
	case "version":
		return c.RunVersion(ctx)
	case "status":
		return c.RunStatus(ctx)
	case "info":
		return c.RunInfo(ctx)
	default:
		return fmt.Errorf("unknown migrate command %q", cmd)
	}
}

func intArg(cmd string, args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s: missing argument", cmd)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	return n, nil
}

// RunUp 执行全部待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "schema up to date")
}

// RunDown 回滚一步
func (c *CLI) RunDown(ctx context.Context) error {
	if err := c.migrator.Down(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "rolled back one migration")
}

// RunDownAll 回滚全部
func (c *CLI) RunDownAll(ctx context.Context) error {
	if err := c.migrator.DownAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "all migrations rolled back")
	return nil
}

// RunSteps 前进或回退 n 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if err := c.migrator.Steps(ctx, n); err != nil {
		return err
	}
	return c.printVersion(ctx, fmt.Sprintf("moved %+d step(s)", n))
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	if err := c.migrator.Goto(ctx, version); err != nil {
		return err
	}
	return c.printVersion(ctx, "migrated")
}

// RunForce 强制设置版本
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "version forced to %d\n", version)
	return nil
}

// RunVersion 打印当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case v == 0:
		fmt.Fprintln(c.out, "no migrations applied")
	case dirty:
		fmt.Fprintf(c.out, "version %d (dirty)\n", v)
	default:
		fmt.Fprintf(c.out, "version %d\n", v)
	}
	return nil
}

// RunStatus 以表格列出每个迁移的状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	pending := 0
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		default:
			pending++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d migration(s), %d pending\n", len(statuses), pending)
	return nil
}

// RunInfo 打印摘要
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "current: %d\ndirty:   %t\napplied: %d/%d\npending: %d\n",
		info.CurrentVersion, info.Dirty, info.AppliedMigrations, info.TotalMigrations, info.PendingMigrations)
	return nil
}

func (c *CLI) printVersion(ctx context.Context, msg string) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(c.out, "%s, version %d (dirty)\n", msg, v)
		return nil
	}
	fmt.Fprintf(c.out, "%s, version %d\n", msg, v)
	return nil
}
