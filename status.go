package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cyclecoord/cyclecoord/internal/coord"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the most recent execution's state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showStatus(cmd)
		},
	}
}

// storedStatus is the status report assembled from the state database when
// no coordinator is running in this process.
type storedStatus struct {
	ExecutionID   string             `json:"execution_id"`
	Status        string             `json:"status"`
	Cycles        []coord.Checkpoint `json:"cycles"`
	OpenConflicts []coord.Conflict   `json:"open_conflicts"`
	Metrics       map[string]int64   `json:"metrics"`
}

func showStatus(cmd *cobra.Command) error {
	logger := effectiveLogger()
	ctx := cmd.Context()

	store, err := coord.NewStore(resolvedCfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.LoadState(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Println("No executions recorded.")
		return nil
	}
	if err != nil {
		return err
	}

	report := storedStatus{
		ExecutionID:   state.ExecutionID,
		Status:        state.Status,
		Cycles:        state.Checkpoints,
		OpenConflicts: state.OpenConflicts,
		Metrics:       state.Metrics,
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Execution %s (%s)\n", report.ExecutionID, report.Status)

	if len(report.Cycles) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  CYCLE\tPHASE\tSTATE\tSEQ")
		for _, cp := range report.Cycles {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\n", cp.CycleID, cp.Phase, cp.State, cp.Seq)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(report.OpenConflicts) == 0 {
		fmt.Println("No open conflicts.")
	} else {
		fmt.Printf("%d open conflict(s):\n", len(report.OpenConflicts))
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tTYPE\tSEVERITY\tCYCLES\tRESOURCES")
		for _, conflict := range report.OpenConflicts {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				conflict.ID,
				conflict.Type,
				conflict.Severity,
				strings.Join(conflict.Cycles, ","),
				strings.Join(conflict.Resources, ","),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(report.Metrics) > 0 {
		names := make([]string, 0, len(report.Metrics))
		for name := range report.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("Metrics:")
		for _, name := range names {
			fmt.Printf("  %s: %d\n", name, report.Metrics[name])
		}
	}
	return nil
}

// printStatus renders a live coordinator's status after a run finishes.
func printStatus(ctx context.Context, c *coord.Coordinator) error {
	st, err := c.GetStatus(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Execution %s: %d completed, %d aborted, %d open conflict(s)\n",
		st.ExecutionID, st.Completed, st.Aborted, st.OpenConflicts)
	for _, cycle := range st.Active {
		fmt.Printf("  %s story=%s state=%s phase=%s priority=%d\n",
			cycle.ID, cycle.StoryID, cycle.State, cycle.Phase, cycle.Priority)
	}
	fmt.Printf("Tokens spent: %d, cycles/hour: %.1f\n",
		st.Metrics.TokensSpent, st.Metrics.CyclesPerHour)
	return nil
}
