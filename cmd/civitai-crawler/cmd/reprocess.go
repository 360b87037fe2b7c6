package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-civitai-crawler/internal/models"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Ingest stored snapshots that have no derived record yet",
	Long: `Snapshots whose payload failed validation stay stored but unlinked.
After a parser fix, reprocess ingests them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		entityType := models.EntityType(typ)
		if typ != "" && !entityType.Valid() {
			return fmt.Errorf("unknown entity type %q (want image, model or modelVersion)", typ)
		}

		a, err := newApp(globalConfig, appOptions{withIndex: true})
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.pipeline.ReprocessUnlinked(cmd.Context(), entityType, limit)
		fmt.Printf("Processed %d snapshots: %d inserted, %d duplicates, %d failed\n",
			sum.Processed, sum.Inserted, sum.Duplicates, sum.Failed)
		return err
	},
}

func init() {
	rootCmd.AddCommand(reprocessCmd)
	reprocessCmd.Flags().String("type", "", "Entity type: image, model or modelVersion (default all)")
	reprocessCmd.Flags().Int("limit", 1000, "Maximum number of snapshots to process")
}
