// Package assets forwards asset-storage tasks to the external upload worker.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-civitai-crawler/internal/metrics"
	"go-civitai-crawler/internal/models"

	log "github.com/sirupsen/logrus"
)

// MaxBatchSize is the largest batch the worker accepts in one call.
const MaxBatchSize = 100

// ErrNotConfigured is returned when tasks are dispatched without a worker URL or secret.
var ErrNotConfigured = errors.New("asset worker URL or secret not configured")

// Task asks the worker to copy SourceURL into object storage under StorageKey.
type Task struct {
	SourceURL  string `json:"sourceUrl"`
	StorageKey string `json:"storageKey"`
}

type enqueueRequest struct {
	Tasks []Task `json:"tasks"`
}

// Dispatcher posts task batches to {URL}/enqueue.
type Dispatcher struct {
	URL        string
	Secret     string
	BatchSize  int
	HttpClient *http.Client
	log        *log.Entry
}

// NewDispatcher builds a dispatcher from config. A nil httpClient gets a 30s timeout.
func NewDispatcher(cfg models.Config, httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	size := cfg.AssetBatchSize
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	return &Dispatcher{
		URL:        strings.TrimSuffix(cfg.AssetWorkerUrl, "/"),
		Secret:     cfg.AssetWorkerSecret,
		BatchSize:  size,
		HttpClient: httpClient,
		log:        log.WithField("component", "assets"),
	}
}

// Ready reports ErrNotConfigured when the worker URL or secret is missing.
func (d *Dispatcher) Ready() error {
	if d.URL == "" || d.Secret == "" {
		return ErrNotConfigured
	}
	return nil
}

// Dispatch splits tasks into batches and posts them in parallel. Batch failures
// are logged and counted, never returned; the only error is missing configuration.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := d.Ready(); err != nil {
		return err
	}

	batches := Split(tasks, d.BatchSize)
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch []Task) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Errorf("recovered panic while sending asset batch %d: %v", i, r)
					metrics.ObserveAssetBatch("error")
				}
			}()
			if err := d.send(ctx, batch); err != nil {
				d.log.WithError(err).WithField("batch", i).Warnf("Asset batch of %d tasks rejected", len(batch))
				metrics.ObserveAssetBatch("error")
				return
			}
			metrics.ObserveAssetBatch("ok")
		}(i, batch)
	}
	wg.Wait()
	d.log.Debugf("Dispatched %d asset tasks in %d batches", len(tasks), len(batches))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, batch []Task) error {
	body, err := json.Marshal(enqueueRequest{Tasks: batch})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL+"/enqueue", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.Secret)

	resp, err := d.HttpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Split chunks tasks into slices of at most size elements.
func Split(tasks []Task, size int) [][]Task {
	if size <= 0 {
		size = MaxBatchSize
	}
	var out [][]Task
	for start := 0; start < len(tasks); start += size {
		end := start + size
		if end > len(tasks) {
			end = len(tasks)
		}
		out = append(out, tasks[start:end])
	}
	return out
}
