package cmd

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"go-civitai-crawler/index"
	"go-civitai-crawler/internal/api"
	"go-civitai-crawler/internal/assets"
	"go-civitai-crawler/internal/config"
	"go-civitai-crawler/internal/crawler"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/pipeline"
	"go-civitai-crawler/internal/store"
	"go-civitai-crawler/internal/store/kv"
	"go-civitai-crawler/internal/store/sqlstore"
	"go-civitai-crawler/internal/taskqueue"
)

// app is everything a command needs, wired from one config.
type app struct {
	cfg      models.Config
	store    store.Store
	index    *index.Index
	client   *api.Client
	pipeline *pipeline.Pipeline
	queue    *taskqueue.Memory
	crawler  *crawler.Orchestrator
}

type appOptions struct {
	withIndex bool
	onPage    func(crawler.PageReport)
}

func openStore(cfg models.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		s, err := sqlstore.Open(cfg.DatabasePath, sqlstore.Options{OverwriteSnapshots: cfg.OverwriteSnapshots})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverBitcask:
		s, err := kv.Open(cfg.DatabasePath, kv.Options{OverwriteSnapshots: cfg.OverwriteSnapshots})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
}

// newDispatcher returns nil when asset dispatch is switched off. Missing worker
// settings are otherwise reported by the dispatcher when it is first used.
func newDispatcher(cfg models.Config, httpClient *http.Client) pipeline.Dispatcher {
	if cfg.AssetDispatchDisabled {
		log.Warn("Asset dispatch is disabled; new images will not be stored")
		return nil
	}
	return assets.NewDispatcher(cfg, httpClient)
}

func newApp(cfg models.Config, opts appOptions) (*app, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store at %s: %w", cfg.DatabaseDriver, cfg.DatabasePath, err)
	}
	a := &app{cfg: cfg, store: s}

	apiHTTP := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(cfg.ApiClientTimeoutSec) * time.Second,
	}
	a.client = api.NewClient(apiHTTP, cfg)

	var pipeOpts []pipeline.Option
	if opts.withIndex {
		a.index, err = index.Open(cfg.BleveIndexPath)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		pipeOpts = append(pipeOpts, pipeline.WithIndexer(a.index))
	}
	a.pipeline = pipeline.New(s, s, newDispatcher(cfg, &http.Client{Timeout: 30 * time.Second}), pipeOpts...)

	a.queue = taskqueue.NewMemory(taskqueue.Options{
		MaxParallelism: cfg.QueueMaxParallelism,
		MaxAttempts:    cfg.QueueMaxAttempts,
		RetryBase:      time.Duration(cfg.QueueRetryBaseMs) * time.Millisecond,
	})
	var crawlOpts []crawler.Option
	if opts.onPage != nil {
		crawlOpts = append(crawlOpts, crawler.WithPageHook(opts.onPage))
	}
	a.crawler = crawler.New(a.client, s, a.pipeline, a.queue, crawlOpts...)
	a.crawler.Register(a.queue)
	return a, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			log.WithError(err).Error("Error closing search index")
		}
	}
	if err := a.store.Close(); err != nil {
		log.WithError(err).Error("Error closing database")
	}
}
