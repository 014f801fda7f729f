package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/FranksOps/snare/internal/report"
	"github.com/FranksOps/snare/internal/storage"
)

func newJobCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage fetch jobs",
	}
	cmd.AddCommand(
		newJobSubmitCommand(rt),
		newJobListCommand(rt),
		newJobShowCommand(rt),
		jobAction(rt, "cancel", "Cancel a job; the current batch finishes first", storage.JobStore.CancelJob),
		jobAction(rt, "resume", "Re-queue a job, skipping identifiers already stored", storage.JobStore.ResumeJob),
		jobAction(rt, "retry", "Drop a job's products and re-queue it from the start", storage.JobStore.RetryJob),
		newJobDeleteCommand(rt),
	)
	return cmd
}

type submitFlags struct {
	file        string
	concurrency int
	delay       int
	timeout     int
	baseURL     string
	geo         string
	proxy       bool
	fingerprint string
	captcha     string
	captchaWait int
	saveRaw     bool
}

func newJobSubmitCommand(rt *runtime) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit [identifier...]",
		Short: "Queue identifiers for fetching",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := append([]string(nil), args...)
			if f.file != "" {
				file, err := os.Open(f.file)
				if err != nil {
					return err
				}
				fromFile, err := readIdentifiers(file)
				file.Close()
				if err != nil {
					return fmt.Errorf("read %s: %w", f.file, err)
				}
				ids = append(ids, fromFile...)
			}
			ids = storage.DedupeIdentifiers(ids)
			if len(ids) == 0 {
				return errors.New("no identifiers given")
			}

			settings := applySubmitFlags(cmd, rt.cfg.Settings, f).Normalize()
			if err := settings.Validate(); err != nil {
				return err
			}

			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			job, err := store.CreateJob(cmd.Context(), ids, settings)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d queued with %d identifiers\n", job.ID, job.Total())
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "read identifiers from a file")
	fl.IntVar(&f.concurrency, "concurrency", 0, "parallel fetches per batch")
	fl.IntVar(&f.delay, "delay", 0, "delay between batches in milliseconds")
	fl.IntVar(&f.timeout, "timeout", 0, "per-request timeout in milliseconds")
	fl.StringVar(&f.baseURL, "base-url", "", "storefront base URL")
	fl.StringVar(&f.geo, "geo", "", "delivery location code")
	fl.BoolVar(&f.proxy, "proxy", false, "route requests through the proxy pool")
	fl.StringVar(&f.fingerprint, "fingerprint", "", "rotation policy: none, batch, count or request")
	fl.StringVar(&f.captcha, "captcha", "", "captcha handling: auto, skip or retry")
	fl.IntVar(&f.captchaWait, "captcha-timeout", 0, "seconds to wait for a captcha to be solved")
	fl.BoolVar(&f.saveRaw, "save-raw", false, "archive raw product pages")
	return cmd
}

// applySubmitFlags overrides configured settings with the flags the user set.
func applySubmitFlags(cmd *cobra.Command, s storage.Settings, f submitFlags) storage.Settings {
	changed := cmd.Flags().Changed
	if changed("concurrency") {
		s.Concurrency = f.concurrency
	}
	if changed("delay") {
		s.RequestDelayMs = f.delay
	}
	if changed("timeout") {
		s.TimeoutMs = f.timeout
	}
	if changed("base-url") {
		s.BaseURL = f.baseURL
	}
	if changed("geo") {
		s.GeographyCode = f.geo
	}
	if changed("proxy") {
		s.ProxyEnabled = f.proxy
	}
	if changed("fingerprint") {
		s.FingerprintRotate = storage.FingerprintRotate(f.fingerprint)
	}
	if changed("captcha") {
		s.CaptchaHandling = storage.CaptchaHandling(f.captcha)
	}
	if changed("captcha-timeout") {
		s.CaptchaTimeoutSec = f.captchaWait
	}
	if changed("save-raw") {
		s.SaveRawResponse = f.saveRaw
	}
	return s
}

func newJobListCommand(rt *runtime) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := store.ListJobs(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout(), table.Row{"ID", "Status", "Progress", "Total", "Success", "Fail", "Captcha", "Created"})
			for _, j := range jobs {
				t.AppendRow(table.Row{j.ID, j.Status, fmt.Sprintf("%d%%", j.Progress), j.Total(),
					j.SuccessCount, j.FailCount, j.CaptchaCount, j.CreatedAt.Format("2006-01-02 15:04")})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	return cmd
}

func newJobShowCommand(rt *runtime) *cobra.Command {
	var asJSON, products bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Summarise a job",
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
			job, err := store.GetJob(ctx, id)
			if err != nil {
				return err
			}
			list, err := store.ListProducts(ctx, storage.ProductFilter{JobID: &id})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			summary := report.SummarizeJob(job, list)
			if asJSON {
				return report.WriteJSON(out, summary)
			}
			if err := report.WriteJobText(out, summary); err != nil {
				return err
			}
			if products {
				fmt.Fprintln(out)
				t := newTable(out, table.Row{"Identifier", "Status", "Error", "Title", "Total", "Stock", "Days", "Seller"})
				for _, p := range list {
					t.AppendRow(table.Row{p.Identifier, p.Status, p.Error, truncate(p.Title, 48),
						p.TotalPrice, ptr(p.Stock), ptr(p.DeliveryDays), p.SellerName})
				}
				t.Render()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&products, "products", false, "list the job's products")
	return cmd
}

func jobAction(rt *runtime, use, short string, action func(storage.JobStore, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := action(store, cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s\n", id, use)
			return nil
		},
	}
}

func newJobDeleteCommand(rt *runtime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job; its products are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !confirm(cmd, fmt.Sprintf("delete job %d?", id), force) {
				return errors.New("aborted")
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.DeleteJob(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d deleted\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
