package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/tender-intel/internal/budget"
	"github.com/sells-group/tender-intel/internal/monitoring"
)

var budgetHours int

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend and pipeline metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		// Spend state is process-local; a fresh CLI invocation reports the
		// configured ceiling plus store-derived metrics.
		tracker := budget.NewTracker(cfg.Budget.CeilingUSD,
			budget.WithWindow(time.Duration(cfg.Budget.WindowMinutes)*time.Minute))

		snap, err := monitoring.NewCollector(st, tracker).Collect(ctx, time.Duration(budgetHours)*time.Hour)
		if err != nil {
			return err
		}

		return printJSON(map[string]any{
			"ceiling_usd":    cfg.Budget.CeilingUSD,
			"window_minutes": cfg.Budget.WindowMinutes,
			"metrics":        snap,
		})
	},
}

func init() {
	budgetCmd.Flags().IntVar(&budgetHours, "hours", 24, "metrics lookback window in hours")
	rootCmd.AddCommand(budgetCmd)
}
