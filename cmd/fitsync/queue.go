package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/syncer"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/pkg"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newQueueCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or drain the offline queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the pending mutations as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.setup("fitsync-cli")
			if err != nil {
				return err
			}
			store, err := openQueueStore(cmd.Context(), cfg, readSecrets(false))
			if err != nil {
				return err
			}
			defer store.Close()

			queue := offline.NewQueue(store.Repo, cliMetrics())
			mutations, err := queue.ListMutations(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, m := range mutations {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			cmd.PrintErrf("%d pending\n", len(mutations))
			return nil
		},
	})

	var upstream string
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay every pending mutation once against the origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.setup("fitsync-cli")
			if err != nil {
				return err
			}
			store, err := openQueueStore(cmd.Context(), cfg, readSecrets(false))
			if err != nil {
				return err
			}
			defer store.Close()

			if upstream == "" {
				upstream = cfg.OriginURL
			}
			metricsManager := cliMetrics()
			engine, err := syncer.NewEngine(syncer.EngineParams{
				Queue:          offline.NewQueue(store.Repo, metricsManager),
				HttpClient:     pkg.NewTracedHttpClient(time.Minute),
				UpstreamURL:    upstream,
				MetricsManager: metricsManager,
				Claimant:       "cli",
				ClaimLease:     cfg.ClaimLease,
			})
			if err != nil {
				return err
			}

			res, err := engine.Drain(cmd.Context(), syncer.TriggerManual)
			if err != nil {
				return err
			}
			out, err := json.Marshal(res.Summary())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	drainCmd.Flags().StringVar(&upstream, "upstream", "", "replay target, defaults to origin_url")
	cmd.AddCommand(drainCmd)

	return cmd
}

// cliMetrics satisfies the components' metrics dependency, nothing scrapes it.
func cliMetrics() *metrics.Manager {
	return metrics.NewManager("fitsync", "cli", prometheus.NewRegistry())
}
