package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-civitai-crawler/internal/crawler"
	"go-civitai-crawler/internal/models"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Create a crawl run",
	Long: `Creates a pending crawl run. The run is processed by 'work' or by a running
daemon; pass --work to process it right away.`,
}

var crawlImagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Crawl an images listing",
	Long: `Crawls /images filtered by one of --post, --version, --model or --username.
With --top the most reacted images of --period are crawled instead.

Examples:
  civitai-crawler crawl images --model 4201 --target 500
  civitai-crawler crawl images --top --period Week --target 1000 --priority 5`,
	RunE: runCrawlImages,
}

var crawlModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Crawl a models listing, including embedded versions",
	RunE:  runCrawlModels,
}

var crawlURLCmd = &cobra.Command{
	Use:   "url <list-url>",
	Short: "Crawl a full images or models list URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return createRun(cmd, func(a *app, target, priority int) (models.Run, error) {
			return a.crawler.CreateURL(cmd.Context(), args[0], target, priority)
		})
	},
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	crawlCmd.AddCommand(crawlImagesCmd, crawlModelsCmd, crawlURLCmd)

	crawlCmd.PersistentFlags().Int("target", 100, "Number of items to read before the run completes")
	crawlCmd.PersistentFlags().Int("priority", 0, "Run priority, higher first (default DefaultPriority from config)")
	crawlCmd.PersistentFlags().Int("limit", 0, "Page size (0 uses DefaultPageSize from config)")
	crawlCmd.PersistentFlags().Bool("work", false, "Process pending runs until none are left")
	crawlCmd.PersistentFlags().String("sort", "", "Sort order, e.g. Newest, Most Reactions, Highest Rated")
	crawlCmd.PersistentFlags().String("period", "", "Time period: AllTime, Year, Month, Week, Day")
	_ = viper.BindPFlag("crawl.target", crawlCmd.PersistentFlags().Lookup("target"))
	_ = viper.BindPFlag("crawl.limit", crawlCmd.PersistentFlags().Lookup("limit"))

	crawlImagesCmd.Flags().Int64("post", 0, "Post ID")
	crawlImagesCmd.Flags().Int64("model", 0, "Model ID")
	crawlImagesCmd.Flags().Int64("version", 0, "Model version ID")
	crawlImagesCmd.Flags().String("username", "", "Creator username")
	crawlImagesCmd.Flags().String("nsfw", "", "Content rating filter: None, Soft, Mature, X")
	crawlImagesCmd.Flags().Bool("top", false, "Most reacted images of --period")

	crawlModelsCmd.Flags().String("query", "", "Search query")
	crawlModelsCmd.Flags().String("tag", "", "Tag filter")
	crawlModelsCmd.Flags().String("username", "", "Creator username")
	crawlModelsCmd.Flags().StringSlice("types", nil, "Model types, e.g. Checkpoint,LORA")
	crawlModelsCmd.Flags().StringSlice("base-models", nil, "Base models, e.g. 'SDXL 1.0'")
}

func pageSize() int {
	if n := viper.GetInt("crawl.limit"); n > 0 {
		return n
	}
	return globalConfig.DefaultPageSize
}

func runCrawlImages(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	sort, _ := f.GetString("sort")
	period, _ := f.GetString("period")

	var q crawler.ImageQuery
	if top, _ := f.GetBool("top"); top {
		q = crawler.TopImages(period, pageSize())
	} else {
		q.PostID, _ = f.GetInt64("post")
		q.ModelID, _ = f.GetInt64("model")
		q.ModelVersionID, _ = f.GetInt64("version")
		q.Username, _ = f.GetString("username")
		q.Sort, q.Period, q.Limit = sort, period, pageSize()
	}
	q.Nsfw, _ = f.GetString("nsfw")

	return createRun(cmd, func(a *app, target, priority int) (models.Run, error) {
		return a.crawler.Create(cmd.Context(), q, target, priority)
	})
}

func runCrawlModels(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	q := crawler.ModelQuery{Limit: pageSize()}
	q.Query, _ = f.GetString("query")
	q.Tag, _ = f.GetString("tag")
	q.Username, _ = f.GetString("username")
	q.Types, _ = f.GetStringSlice("types")
	q.BaseModels, _ = f.GetStringSlice("base-models")
	q.Sort, _ = f.GetString("sort")
	q.Period, _ = f.GetString("period")

	return createRun(cmd, func(a *app, target, priority int) (models.Run, error) {
		return a.crawler.Create(cmd.Context(), q, target, priority)
	})
}

func createRun(cmd *cobra.Command, create func(a *app, target, priority int) (models.Run, error)) error {
	work, _ := cmd.Flags().GetBool("work")
	priority := globalConfig.DefaultPriority
	if cmd.Flags().Changed("priority") {
		priority, _ = cmd.Flags().GetInt("priority")
	}

	var prog *progress
	opts := appOptions{withIndex: work}
	if work {
		prog = newProgress()
		opts.onPage = prog.update
	}
	a, err := newApp(globalConfig, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := create(a, viper.GetInt("crawl.target"), priority)
	if err != nil {
		return err
	}
	fmt.Printf("Created run %s (priority %d, target %d)\n  %s\n", run.ID, run.Priority, run.ItemsTarget, run.URL)

	if !work {
		return nil
	}
	log.Info("Processing pending runs")
	return drain(cmd.Context(), a, prog)
}
