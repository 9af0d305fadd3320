package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [port]",
	Short: "Show past flash jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of jobs to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	port := ""
	if len(args) == 1 {
		port = args[0]
	}
	jobs, err := store.ListJobs(cmd.Context(), port, historyLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		a.emit(jobs, "")
		return nil
	}
	if len(jobs) == 0 {
		a.emit(nil, "No flash jobs recorded.")
		return nil
	}
	for _, j := range jobs {
		status := "FAILED"
		if j.Success {
			status = "ok"
		}
		took := "-"
		if !j.FinishedAt.IsZero() {
			took = j.FinishedAt.Sub(j.StartedAt).Round(100 * time.Millisecond).String()
		}
		a.emit(nil, fmt.Sprintf("%s  %-8s %-12s %-8s %3d%%  %-6s %s  %s",
			j.StartedAt.Local().Format(time.DateTime), j.Family, j.Port, status, j.Progress, took, j.ID, j.File))
		if j.Error != "" {
			a.emit(nil, "    "+j.Error)
		}
	}
	return nil
}
