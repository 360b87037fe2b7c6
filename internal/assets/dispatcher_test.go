package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"go-civitai-crawler/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{
			SourceURL:  fmt.Sprintf("https://img.test/%d.jpeg", i),
			StorageKey: fmt.Sprintf("images/%d", i),
		}
	}
	return tasks
}

func TestSplit(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 100, nil},
		{1, 100, []int{1}},
		{100, 100, []int{100}},
		{250, 100, []int{100, 100, 50}},
		{5, 2, []int{2, 2, 1}},
		{3, 0, []int{3}},
	}
	for _, tt := range tests {
		var got []int
		for _, b := range Split(makeTasks(tt.n), tt.size) {
			got = append(got, len(b))
		}
		assert.Equal(t, tt.want, got, "Split(%d, %d)", tt.n, tt.size)
	}
}

func TestDispatchPostsBatches(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/enqueue", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var body enqueueRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		for _, task := range body.Tasks {
			assert.NotEmpty(t, task.SourceURL)
			assert.NotEmpty(t, task.StorageKey)
		}
		mu.Lock()
		sizes = append(sizes, len(body.Tasks))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(models.Config{AssetWorkerUrl: srv.URL + "/", AssetWorkerSecret: "s3cret", AssetBatchSize: 500}, srv.Client())
	assert.Equal(t, MaxBatchSize, d.BatchSize, "batch size is capped")
	assert.NoError(t, d.Ready())

	require.NoError(t, d.Dispatch(context.Background(), makeTasks(230)))
	sort.Ints(sizes)
	assert.Equal(t, []int{30, 100, 100}, sizes)
}

func TestDispatchToleratesFailedBatches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := test.NewGlobal()
	defer hook.Reset()

	d := NewDispatcher(models.Config{AssetWorkerUrl: srv.URL, AssetWorkerSecret: "x", AssetBatchSize: 2}, srv.Client())
	assert.NoError(t, d.Dispatch(context.Background(), makeTasks(5)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["component"] == "assets" {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "the rejected batch is logged")
}

func TestDispatchRequiresConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.Config
	}{
		{"no url", models.Config{AssetWorkerSecret: "x"}},
		{"no secret", models.Config{AssetWorkerUrl: "http://worker.test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(tt.cfg, nil)
			assert.True(t, errors.Is(d.Ready(), ErrNotConfigured))
			err := d.Dispatch(context.Background(), makeTasks(1))
			assert.True(t, errors.Is(err, ErrNotConfigured))
			assert.NoError(t, d.Dispatch(context.Background(), nil), "nothing to send is not an error")
		})
	}
}
