package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-crawler/internal/crawler"
	"go-civitai-crawler/internal/models"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Process pending crawl runs until none are left",
	Long: `Returns runs interrupted by a previous worker to pending, then processes
pending runs one page at a time, highest priority first, until nothing is left.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prog := newProgress()
		a, err := newApp(globalConfig, appOptions{withIndex: true, onPage: prog.update})
		if err != nil {
			return err
		}
		defer a.Close()
		return drain(cmd.Context(), a, prog)
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}

// drain requeues interrupted runs and runs the queue until it is idle.
func drain(ctx context.Context, a *app, prog *progress) error {
	if _, err := a.crawler.Requeue(ctx); err != nil {
		return err
	}

	prog.start()
	err := a.queue.Run(ctx, true)
	prog.stop()

	fmt.Printf("Pages: %d, items read: %d, new snapshots: %d, failed items: %d\n",
		prog.pages, prog.read, prog.inserted, prog.failed)
	for _, u := range a.queue.Failed() {
		log.Errorf("Work unit %s gave up after %d attempts: %s", u.ID, u.Attempts, u.LastErr)
	}
	return err
}

// progress renders live per-run counters.
type progress struct {
	mu     sync.Mutex
	writer *uilive.Writer
	order  []string
	runs   map[string]models.Run

	pages, read, inserted, failed int
}

func newProgress() *progress {
	return &progress{writer: uilive.New(), runs: make(map[string]models.Run)}
}

func (p *progress) start() { p.writer.Start() }
func (p *progress) stop()  { p.writer.Stop() }

func (p *progress) update(r crawler.PageReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pages++
	p.read += r.Read
	p.inserted += r.Inserted
	p.failed += r.Failed
	if _, ok := p.runs[r.Run.ID]; !ok {
		p.order = append(p.order, r.Run.ID)
	}
	p.runs[r.Run.ID] = r.Run

	finished := 0
	for _, id := range p.order {
		run := p.runs[id]
		if run.Status.Terminal() {
			finished++
		}
		fmt.Fprintf(p.writer, "Run %s: %-11s %d/%d read, %d new, %d pages\n",
			id, run.Status, run.ItemsRead, run.ItemsTarget, run.ItemsInserted, run.Pages)
	}
	fmt.Fprintf(p.writer.Newline(), "Total: %d pages, %d items, %d new, %d/%d runs finished\n",
		p.pages, p.read, p.inserted, finished, len(p.order))
}
