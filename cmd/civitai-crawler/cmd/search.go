package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-civitai-crawler/index"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the index of ingested images and models",
	Long: `Performs a search against the Bleve index filled during ingestion.

Supports Bleve's query string syntax. Fields (lowercase JSON tag names):
  - type: image or model
  - name: model name
  - prompt: image generation prompt
  - username: image or model creator
  - baseModel, nsfwLevel, modelType
  - checkpoints, loras: names of referenced models
  - tags: model tags

Examples:
  civitai-crawler search -q "castle"
  civitai-crawler search -q "+type:image +loras:detailface"
  civitai-crawler search -q "+username:some_creator +prompt:landscape"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")

		idx, err := index.Open(globalConfig.BleveIndexPath)
		if err != nil {
			return err
		}
		defer idx.Close()

		res, err := idx.Search(query, limit)
		if err != nil {
			return err
		}
		if res.Total == 0 {
			fmt.Println("No results found matching your query.")
			return nil
		}
		fmt.Printf("--- %d results (showing %d, took %s) ---\n", res.Total, len(res.Hits), res.Took)
		for i, hit := range res.Hits {
			fmt.Printf("[%d] %s (score %.2f)\n", i+1, hit.ID, hit.Score)
			for field, value := range hit.Fields {
				fmt.Printf("  %s: %v\n", field, value)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringP("query", "q", "", "Search query (uses Bleve query string syntax)")
	searchCmd.Flags().Int("limit", 20, "Maximum number of hits")
	_ = searchCmd.MarkFlagRequired("query")
}
