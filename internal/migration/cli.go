package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 迁移命令的终端输出层
type CLI struct {
	migrator *Migrator
	output   io.Writer
}

// NewCLI creates a new CLI instance
func NewCLI(migrator *Migrator) *CLI {
	return &CLI{
		migrator: migrator,
		output:   os.Stdout,
	}
}

// SetOutput sets the output writer for CLI messages
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Run 执行子命令: up, down, status, version
func (c *CLI) Run(ctx context.Context, command string) error {
	switch command {
	case "up":
		return c.RunUp(ctx)
	case "down":
		return c.RunDown(ctx)
	case "status":
		return c.RunStatus()
	case "version":
		return c.RunVersion()
	default:
		return fmt.Errorf("unknown migrate command: %q", command)
	}
}

// RunUp runs all pending migrations
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.output, "Running migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.RunVersion()
}

// RunDown rolls back the last migration
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back last migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return err
	}
	return c.RunVersion()
}

// RunVersion 打印当前版本
func (c *CLI) RunVersion() error {
	version, dirty, err := c.migrator.Version()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(c.output, "Current version: %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d\n", version)
	return nil
}

// RunStatus 以表格形式打印状态
func (c *CLI) RunStatus() error {
	st, err := c.migrator.Status()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIALECT\tCURRENT\tLATEST\tPENDING\tDIRTY")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\n", c.migrator.dbType, st.CurrentVersion, st.LatestVersion, st.Pending, st.Dirty)
	return w.Flush()
}
