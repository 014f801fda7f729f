package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/FranksOps/snare/internal/report"
	"github.com/FranksOps/snare/internal/storage"
)

func newScanCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan stored products against the blacklist",
	}
	cmd.AddCommand(newScanSubmitCommand(rt), newScanShowCommand(rt))
	return cmd
}

func newScanSubmitCommand(rt *runtime) *cobra.Command {
	var name, scope string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a scan over all products or one job's products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			if scope != storage.ScopeAll {
				id, err := parseID(scope)
				if err != nil {
					return fmt.Errorf("scope must be %q or a job id: %w", storage.ScopeAll, err)
				}
				if _, err := store.GetJob(ctx, id); err != nil {
					return err
				}
				scope = strconv.FormatInt(id, 10)
			}
			if name == "" {
				name = "scan " + scope
			}
			job, err := store.CreateScanJob(ctx, name, scope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan %d queued (scope %s)\n", job.ID, job.Scope)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the scan")
	cmd.Flags().StringVar(&scope, "scope", storage.ScopeAll, `"all" or a job id`)
	return cmd
}

func newScanShowCommand(rt *runtime) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Summarise a scan and list its violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			job, err := store.GetScanJob(ctx, id)
			if err != nil {
				return err
			}
			results, err := store.ListScanResults(ctx, id, true)
			if err != nil {
				return err
			}
			summary := report.SummarizeScan(job, results)
			if asJSON {
				return report.WriteJSON(cmd.OutOrStdout(), summary)
			}
			return report.WriteScanText(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
