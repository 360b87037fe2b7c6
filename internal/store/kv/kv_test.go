package kv

import (
	"context"
	"path/filepath"
	"testing"

	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"
	"go-civitai-crawler/internal/store/storetest"

	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, overwrite bool) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "crawler.db"), Options{OverwriteSnapshots: overwrite})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRunSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.db")
	ctx := context.Background()

	s, err := Open(path, Options{})
	require.NoError(t, err)
	first, err := s.CreateRun(ctx, models.Run{URL: "a"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	second, err := s.CreateRun(ctx, models.Run{URL: "b"})
	require.NoError(t, err)
	require.Greater(t, second.Seq, first.Seq)
}
