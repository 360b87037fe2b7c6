package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and manage crawl runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crawl runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStore(globalConfig)
		if err != nil {
			return err
		}
		defer s.Close()

		runs, err := s.ListRuns(cmd.Context(), store.RunFilter{Status: models.RunStatus(status), Limit: limit})
		if err != nil {
			return err
		}
		printRuns(runs)
		return nil
	},
}

var runsReactivateCmd = &cobra.Command{
	Use:   "reactivate <run-id>...",
	Short: "Return failed runs to pending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(globalConfig, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if _, err := a.crawler.Reactivate(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Run %s is pending again\n", id)
		}
		return nil
	},
}

var runsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return runs left in_progress by a stopped worker to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(globalConfig, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.crawler.Requeue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d runs\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsReactivateCmd, runsRequeueCmd)

	runsListCmd.Flags().String("status", "", "Only runs with this status: pending, in_progress, completed, failed")
	runsListCmd.Flags().Int("limit", 0, "Maximum number of runs to list (0 for all)")
}

func printRuns(runs []models.Run) {
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tREAD\tNEW\tPAGES\tURL\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Priority, r.ItemsRead, r.ItemsTarget, r.ItemsInserted, r.Pages, r.URL, r.Error)
	}
	_ = w.Flush()
}
