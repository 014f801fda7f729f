package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/internal/storage/blacklistcsv"
)

func newBlacklistCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage banned keywords",
	}
	cmd.AddCommand(
		newBlacklistAddCommand(rt),
		newBlacklistListCommand(rt),
		newBlacklistClearCommand(rt),
		newBlacklistImportCommand(rt),
	)
	return cmd
}

func parseCategory(s string) (storage.Category, error) {
	c := storage.Category(strings.ToLower(s))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q (want brand, product, tro or seller)", s)
	}
	return c, nil
}

func newBlacklistAddCommand(rt *runtime) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add <category> <keyword...>",
		Short: "Add keywords to a category",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := parseCategory(args[0])
			if err != nil {
				return err
			}
			entries := make([]storage.BlacklistEntry, 0, len(args)-1)
			for _, kw := range args[1:] {
				if kw = strings.TrimSpace(kw); kw != "" {
					entries = append(entries, storage.BlacklistEntry{Category: cat, Keyword: kw, Description: description})
				}
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := store.AddBlacklist(cmd.Context(), entries...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d keywords added to %s\n", n, cat)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "note stored with the keywords")
	return cmd
}

func newBlacklistListCommand(rt *runtime) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List banned keywords",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter storage.Category
			if category != "" {
				c, err := parseCategory(category)
				if err != nil {
					return err
				}
				filter = c
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := store.ListBlacklist(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout(), table.Row{"ID", "Category", "Keyword", "Description"})
			for _, e := range entries {
				if filter != "" && e.Category != filter {
					continue
				}
				t.AppendRow(table.Row{e.ID, e.Category, e.Keyword, e.Description})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "only this category")
	return cmd
}

func newBlacklistClearCommand(rt *runtime) *cobra.Command {
	var all, force bool
	cmd := &cobra.Command{
		Use:   "clear [category]",
		Short: "Delete every keyword of a category, or of all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cats []storage.Category
			switch {
			case all && len(args) == 0:
				cats = storage.Categories
			case !all && len(args) == 1:
				c, err := parseCategory(args[0])
				if err != nil {
					return err
				}
				cats = []storage.Category{c}
			default:
				return errors.New("give one category or --all")
			}
			if !confirm(cmd, fmt.Sprintf("clear %v?", cats), force) {
				return errors.New("aborted")
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			total := 0
			for _, c := range cats {
				n, err := store.DeleteBlacklistCategory(cmd.Context(), c)
				if err != nil {
					return err
				}
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d keywords deleted\n", total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every category")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func newBlacklistImportCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import keywords from a category,keyword[,description] CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := blacklistcsv.ReadFile(args[0])
			if err != nil {
				return err
			}
			for _, msg := range res.Invalid {
				rt.logger.Warn("skipped blacklist row", "file", args[0], "reason", msg)
			}
			store, err := rt.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := store.AddBlacklist(cmd.Context(), res.Entries...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d keywords added, %d rows skipped\n", n, len(res.Invalid))
			return nil
		},
	}
}
