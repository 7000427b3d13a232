package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/resilience"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider spend counters and breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cache, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer cache.Close()

		gov, err := budget.New(cache, cfg.Budget)
		if err != nil {
			return err
		}

		dailyMu, monthlyMu, err := gov.Usage(ctx)
		if err != nil {
			return err
		}

		formatUsage(os.Stdout, dailyMu, monthlyMu, cfg.Budget, gov.BreakerState())
		return nil
	},
}

// formatUsage writes spend counters against their ceilings to w. Amounts are
// micro-USD; the dollar column is for operators reading the table.
func formatUsage(out io.Writer, dailyMu, monthlyMu int64, cfg budget.Config, breaker resilience.CircuitState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WINDOW\tSPENT\tCEILING\tUSED")
	_, _ = fmt.Fprintln(w, "------\t-----\t-------\t----")
	_, _ = fmt.Fprintf(w, "daily\t%s\t%s\t%s\n", dollars(dailyMu), dollars(cfg.DailyCeilingMu), percent(dailyMu, cfg.DailyCeilingMu))
	_, _ = fmt.Fprintf(w, "monthly\t%s\t%s\t%s\n", dollars(monthlyMu), dollars(cfg.MonthlyCeilingMu), percent(monthlyMu, cfg.MonthlyCeilingMu))
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nbreaker: %s\ncredentials: %d\n", breaker, len(cfg.APIKeys))
}

// dollars renders a micro-USD amount as a dollar string.
func dollars(mu int64) string {
	return fmt.Sprintf("$%.2f", float64(mu)/1_000_000)
}

// percent renders spent/ceiling as a percentage, "-" when uncapped.
func percent(spent, ceiling int64) string {
	if ceiling <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(spent)/float64(ceiling))
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
