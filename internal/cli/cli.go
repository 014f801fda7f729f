// Package cli implements the snare command line.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/FranksOps/snare/internal/config"
	"github.com/FranksOps/snare/internal/logging"
	"github.com/FranksOps/snare/internal/pipeline"
	"github.com/FranksOps/snare/internal/storage"
)

// configFlags are the root flags that override configuration keys.
var configFlags = []string{"database", "log_level", "log_format", "raw_dir", "metrics_port"}

// runtime is the state shared by every command of one invocation.
type runtime struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Backend
}

// NewRootCommand returns the snare command tree.
func NewRootCommand() *cobra.Command {
	rt := &runtime{}

	root := &cobra.Command{
		Use:           "snare",
		Short:         "Product page collector and blacklist scanner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return rt.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rt.configPath, "config", "", "config file (default ./snare.yaml or $HOME/.snare/snare.yaml)")
	pf.String("database", "", "sqlite path or postgres:// DSN")
	pf.String("log_level", "", "debug, info, warn or error")
	pf.String("log_format", "", "text or json")
	pf.String("raw_dir", "", "directory for archived raw pages")

	root.AddCommand(
		newServeCommand(rt),
		newJobCommand(rt),
		newProxyCommand(rt),
		newBlacklistCommand(rt),
		newScanCommand(rt),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (rt *runtime) init(cmd *cobra.Command) error {
	bound := pflag.NewFlagSet("config", pflag.ContinueOnError)
	for _, name := range configFlags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			bound.AddFlag(f)
		}
	}

	cfg, err := config.Load(rt.configPath, bound)
	if err != nil {
		return err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	rt.cfg = cfg
	rt.logger = logger
	return nil
}

// openStore opens the configured store once per invocation.
func (rt *runtime) openStore(ctx context.Context) (storage.Backend, error) {
	if rt.store != nil {
		return rt.store, nil
	}
	s, err := pipeline.OpenStore(ctx, rt.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = s
	return s, nil
}

func (rt *runtime) close() error {
	if rt.store == nil {
		return nil
	}
	err := rt.store.Close()
	rt.store = nil
	return err
}

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

// confirm asks before destructive commands. Without a terminal on stdin, or
// with force, it proceeds.
func confirm(cmd *cobra.Command, prompt string, force bool) bool {
	if force || !isatty.IsTerminal(os.Stdin.Fd()) {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// readIdentifiers splits a file on whitespace and commas; lines starting
// with '#' are skipped.
func readIdentifiers(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})...)
	}
	return ids, sc.Err()
}

func ptr(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
