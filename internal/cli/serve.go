package cli

import (
	"github.com/spf13/cobra"

	"github.com/FranksOps/snare/internal/pipeline"
)

func newServeCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch and scan schedulers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			app, err := pipeline.New(ctx, rt.cfg, rt.logger, pipeline.WithStore(store))
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(ctx)
		},
	}
	cmd.Flags().Int("metrics_port", 0, "serve Prometheus metrics on this port (0 disables)")
	return cmd
}
