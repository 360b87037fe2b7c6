// Package kv implements store.Store on top of the bitcask wrapper in internal/database.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-civitai-crawler/internal/database"
	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	prefixSnapshot     = "snapshot:"
	prefixUnlinked     = "snapshot_unlinked:"
	prefixImage        = "image:"
	prefixModel        = "model:"
	prefixModelVersion = "modelversion:"
	prefixRun          = "run:"
	keyRunSeq          = "seq:run"
)

// Options tunes the bitcask store.
type Options struct {
	// OverwriteSnapshots replaces a stored payload when a refetch differs.
	OverwriteSnapshots bool
}

// Store is the bitcask-backed store.Store.
type Store struct {
	db   *database.DB
	opts Options
	now  func() time.Time
	log  *log.Entry
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the bitcask database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	return New(db, opts), nil
}

// New wraps an already opened database.
func New(db *database.DB, opts Options) *Store {
	return &Store{
		db:   db,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
		log:  log.WithField("component", "store.kv"),
	}
}

func (s *Store) Close() error { return s.db.Close() }

// --- Snapshots ---

func (s *Store) InsertIfAbsent(ctx context.Context, in store.SnapshotInput) (store.InsertResult, error) {
	if !in.EntityType.Valid() {
		return store.InsertResult{}, fmt.Errorf("unknown entity type %q", in.EntityType)
	}
	id := models.SnapshotID(in.EntityType, in.EntityID)
	key := []byte(prefixSnapshot + id)
	digest := helpers.PayloadDigest(in.Payload)

	res := store.InsertResult{SnapshotID: id}
	err := s.db.Update(func(tx *database.Tx) error {
		existing, err := getJSON[models.RawSnapshot](tx, key)
		switch {
		case err == nil:
			if !s.opts.OverwriteSnapshots || existing.Digest == digest {
				return nil
			}
			existing.Payload = in.Payload
			existing.Digest = digest
			existing.QueryKey = in.QueryKey
			existing.UpdatedAt = s.now()
			s.log.WithField("snapshot", id).Debug("Overwriting changed snapshot payload")
			return putJSON(tx, key, existing)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		now := s.now()
		snap := models.RawSnapshot{
			ID:         id,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			ParentID:   in.ParentID,
			QueryKey:   in.QueryKey,
			Payload:    in.Payload,
			Digest:     digest,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := putJSON(tx, key, snap); err != nil {
			return err
		}
		if err := tx.Put([]byte(prefixUnlinked+id), nil); err != nil {
			return err
		}
		res.Inserted = true
		return nil
	})
	if err != nil {
		return store.InsertResult{}, fmt.Errorf("insert snapshot %s: %w", id, err)
	}
	return res, nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (models.RawSnapshot, error) {
	var snap models.RawSnapshot
	err := s.db.View(func(tx *database.Tx) error {
		var err error
		snap, err = getJSON[models.RawSnapshot](tx, []byte(prefixSnapshot+id))
		return err
	})
	return snap, err
}

func (s *Store) Backlink(ctx context.Context, snapshotID string, derivedID int64) error {
	key := []byte(prefixSnapshot + snapshotID)
	return s.db.Update(func(tx *database.Tx) error {
		snap, err := getJSON[models.RawSnapshot](tx, key)
		if err != nil {
			return fmt.Errorf("backlink %s: %w", snapshotID, err)
		}
		if snap.LinkedID == nil || *snap.LinkedID != derivedID {
			snap.LinkedID = &derivedID
			snap.UpdatedAt = s.now()
			if err := putJSON(tx, key, snap); err != nil {
				return err
			}
		}
		if err := tx.Delete([]byte(prefixUnlinked + snapshotID)); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return nil
	})
}

func (s *Store) ListUnlinked(ctx context.Context, entityType models.EntityType, limit int) ([]string, error) {
	prefix := prefixUnlinked
	if entityType != "" {
		prefix += string(entityType) + ":"
	}
	var ids []string
	err := s.db.Scan([]byte(prefix), func(key, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(string(key), prefixUnlinked))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// --- Entities ---

func (s *Store) GetImage(ctx context.Context, id int64) (models.Image, error) {
	return getEntity[models.Image](s.db, prefixImage, id)
}

func (s *Store) InsertImage(ctx context.Context, img models.Image) (bool, error) {
	return insertEntity(s.db, prefixImage, img.ID, img)
}

func (s *Store) CountImages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Scan([]byte(prefixImage), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func (s *Store) GetModel(ctx context.Context, id int64) (models.Model, error) {
	return getEntity[models.Model](s.db, prefixModel, id)
}

func (s *Store) InsertModel(ctx context.Context, m models.Model) (bool, error) {
	return insertEntity(s.db, prefixModel, m.ID, m)
}

func (s *Store) GetModelVersion(ctx context.Context, id int64) (models.ModelVersion, error) {
	return getEntity[models.ModelVersion](s.db, prefixModelVersion, id)
}

func (s *Store) InsertModelVersion(ctx context.Context, v models.ModelVersion) (bool, error) {
	return insertEntity(s.db, prefixModelVersion, v.ID, v)
}

func getEntity[T any](db *database.DB, prefix string, id int64) (T, error) {
	var out T
	err := db.View(func(tx *database.Tx) error {
		var err error
		out, err = getJSON[T](tx, entityKey(prefix, id))
		return err
	})
	return out, err
}

func insertEntity[T any](db *database.DB, prefix string, id int64, v T) (bool, error) {
	key := entityKey(prefix, id)
	inserted := false
	err := db.Update(func(tx *database.Tx) error {
		if tx.Has(key) {
			return nil
		}
		inserted = true
		return putJSON(tx, key, v)
	})
	if err != nil {
		return false, fmt.Errorf("insert %s%d: %w", prefix, id, err)
	}
	return inserted, nil
}

func entityKey(prefix string, id int64) []byte {
	return []byte(prefix + strconv.FormatInt(id, 10))
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run models.Run) (models.Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	err := s.db.Update(func(tx *database.Tx) error {
		key := []byte(prefixRun + run.ID)
		if tx.Has(key) {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		run.Seq = seq
		return putJSON(tx, key, run)
	})
	if err != nil {
		return models.Run{}, err
	}
	return run, nil
}

func nextSeq(tx *database.Tx) (int64, error) {
	var seq int64
	raw, err := tx.Get([]byte(keyRunSeq))
	switch {
	case err == nil:
		seq, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt run sequence %q: %w", raw, err)
		}
	case !errors.Is(err, database.ErrNotFound):
		return 0, err
	}
	seq++
	return seq, tx.Put([]byte(keyRunSeq), []byte(strconv.FormatInt(seq, 10)))
}

func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	err := s.db.View(func(tx *database.Tx) error {
		var err error
		run, err = getJSON[models.Run](tx, []byte(prefixRun+id))
		return err
	})
	return run, err
}

func (s *Store) ClaimNext(ctx context.Context) (models.Run, bool, error) {
	var claimed models.Run
	found := false
	err := s.db.Update(func(tx *database.Tx) error {
		err := tx.Scan([]byte(prefixRun), func(_, value []byte) error {
			var r models.Run
			if err := json.Unmarshal(value, &r); err != nil {
				return err
			}
			if r.Status != models.RunPending {
				return nil
			}
			if !found || r.Priority > claimed.Priority || (r.Priority == claimed.Priority && r.Seq < claimed.Seq) {
				claimed, found = r, true
			}
			return nil
		})
		if err != nil || !found {
			return err
		}
		claimed.Status = models.RunInProgress
		claimed.UpdatedAt = s.now()
		return putJSON(tx, []byte(prefixRun+claimed.ID), claimed)
	})
	if err != nil {
		return models.Run{}, false, fmt.Errorf("claim next run: %w", err)
	}
	return claimed, found, nil
}

func (s *Store) UpdateRun(ctx context.Context, run models.Run) error {
	key := []byte(prefixRun + run.ID)
	return s.db.Update(func(tx *database.Tx) error {
		existing, err := getJSON[models.Run](tx, key)
		if err != nil {
			return fmt.Errorf("update run %s: %w", run.ID, err)
		}
		run.Seq = existing.Seq
		run.CreatedAt = existing.CreatedAt
		run.UpdatedAt = s.now()
		return putJSON(tx, key, run)
	})
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]models.Run, error) {
	var runs []models.Run
	err := s.db.Scan([]byte(prefixRun), func(_, value []byte) error {
		var r models.Run
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		if filter.Status == "" || r.Status == filter.Status {
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Seq < runs[j].Seq })
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *Store) ResetInProgress(ctx context.Context) (int, error) {
	n := 0
	err := s.db.Update(func(tx *database.Tx) error {
		return tx.Scan([]byte(prefixRun), func(key, value []byte) error {
			var r models.Run
			if err := json.Unmarshal(value, &r); err != nil {
				return err
			}
			if r.Status != models.RunInProgress {
				return nil
			}
			r.Status = models.RunPending
			r.UpdatedAt = s.now()
			n++
			return putJSON(tx, key, r)
		})
	})
	return n, err
}

// --- JSON helpers ---

func getJSON[T any](tx *database.Tx, key []byte) (T, error) {
	var out T
	raw, err := tx.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return out, store.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func putJSON(tx *database.Tx, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Put(key, raw)
}
