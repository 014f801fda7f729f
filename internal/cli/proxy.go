package cli

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/FranksOps/snare/pkg/proxy"
)

func newProxyCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the outbound proxy pool",
	}
	cmd.AddCommand(newProxyImportCommand(rt), newProxyListCommand(rt), newProxyPruneCommand(rt))
	return cmd
}

func newProxyImportCommand(rt *runtime) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import [proxy...]",
		Short: "Add proxies as scheme://host:port, ip:port or ip:port:user:pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := append([]string(nil), args...)
			if file != "" {
				lines, err := proxy.LoadFile(file)
				if err != nil {
					return err
				}
				raw = append(raw, lines...)
			}
			if len(raw) == 0 {
				return errors.New("no proxies given")
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			res, err := store.ImportProxies(cmd.Context(), raw...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d added, %d invalid, %d duplicate\n",
				res.Added, res.Invalid, len(raw)-res.Added-res.Invalid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read proxies from a file, one per line")
	return cmd
}

func newProxyListCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List proxies and their counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			list, err := store.ListProxies(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout(), table.Row{"ID", "URL", "Status", "Success", "Fail", "Window", "Total", "Last Used"})
			for _, p := range list {
				last := "-"
				if p.LastUsedAt != nil {
					last = p.LastUsedAt.Format("2006-01-02 15:04:05")
				}
				t.AppendRow(table.Row{p.ID, proxy.Redact(p.URL), p.Status, p.SuccessCount, p.FailCount,
					p.UsageCount, p.TotalUsageCount, last})
			}
			t.Render()
			return nil
		},
	}
}

func newProxyPruneCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete proxies marked failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := store.DeleteFailedProxies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d failed proxies deleted\n", n)
			return nil
		},
	}
}
