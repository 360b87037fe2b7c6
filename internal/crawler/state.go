package crawler

import (
	"time"

	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/models"
)

// PageOutcome summarises one processed page of a run.
type PageOutcome struct {
	ItemsRead     int
	ItemsInserted int
	NextCursor    string
	Err           error
}

// Advance applies a page outcome to an in-progress run and returns the run's
// next state. It does no I/O.
//
// A failed page leaves the URL and counters untouched so a reactivated run
// retries the same page. A successful page moves the cursor and either
// completes the run or makes it claimable again.
func Advance(run models.Run, out PageOutcome, now time.Time) models.Run {
	run.UpdatedAt = now
	if out.Err != nil {
		run.Status = models.RunFailed
		run.Error = out.Err.Error()
		return run
	}

	nextURL, err := helpers.WithQueryParam(run.URL, "cursor", out.NextCursor)
	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
		return run
	}

	run.URL = nextURL
	run.Pages++
	run.ItemsRead += out.ItemsRead
	run.ItemsInserted += out.ItemsInserted
	run.Error = ""

	if run.ItemsRead >= run.ItemsTarget || out.ItemsRead == 0 || out.NextCursor == "" {
		run.Status = models.RunCompleted
	} else {
		run.Status = models.RunPending
	}
	return run
}
