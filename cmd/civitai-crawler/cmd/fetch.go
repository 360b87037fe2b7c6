package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"go-civitai-crawler/internal/pipeline"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Snapshot and ingest a single model or model version",
}

var fetchModelCmd = &cobra.Command{
	Use:   "model <id>",
	Short: "Fetch a model with its versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid model id %q: %w", args[0], err)
		}
		return fetchOne(func(a *app) (pipeline.Result, error) {
			return a.crawler.FetchModel(cmd.Context(), id)
		})
	},
}

var fetchVersionCmd = &cobra.Command{
	Use:   "version <id>",
	Short: "Fetch a model version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid model version id %q: %w", args[0], err)
		}
		return fetchOne(func(a *app) (pipeline.Result, error) {
			return a.crawler.FetchModelVersion(cmd.Context(), id)
		})
	},
}

var fetchHashCmd = &cobra.Command{
	Use:   "hash <file-hash>",
	Short: "Fetch the model version a file hash belongs to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchOne(func(a *app) (pipeline.Result, error) {
			return a.crawler.FetchModelVersionByHash(cmd.Context(), args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.AddCommand(fetchModelCmd, fetchVersionCmd, fetchHashCmd)
}

func fetchOne(fetch func(a *app) (pipeline.Result, error)) error {
	a, err := newApp(globalConfig, appOptions{withIndex: true})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fetch(a)
	if err != nil {
		return err
	}

	var entity interface{}
	switch {
	case res.Model != nil:
		entity = res.Model
	case res.ModelVersion != nil:
		entity = res.ModelVersion
	case res.Image != nil:
		entity = res.Image
	}
	state := "already known"
	if res.Inserted {
		state = "new"
	}
	fmt.Printf("%s %d (%s), snapshot %s\n", res.EntityType, res.EntityID, state, res.SnapshotID)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entity)
}
