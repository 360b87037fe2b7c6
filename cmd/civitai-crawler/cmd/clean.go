package cmd

import (
	"errors"
	"io/fs"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-crawler/index"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the search index and API log",
	Long: `Removes the Bleve search index and, with --api-log, the API request log.
Snapshots, entities and runs are not touched; new ingestions re-create the index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := index.DeleteIndex(globalConfig.BleveIndexPath); err != nil {
			return err
		}
		if apiLog, _ := cmd.Flags().GetBool("api-log"); apiLog {
			if err := os.Remove("api.log"); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			log.Info("Removed api.log")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().Bool("api-log", false, "Also remove api.log")
}
