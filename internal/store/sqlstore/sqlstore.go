// Package sqlstore implements store.Store with gorm over a pure-Go SQLite driver.
// Uniqueness is enforced by the schema; ClaimNext runs in a transaction.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Options tunes the SQL store.
type Options struct {
	OverwriteSnapshots bool
}

// Store is the gorm-backed store.Store.
type Store struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
	log  *log.Entry
}

var _ store.Store = (*Store)(nil)

// Open opens the SQLite database at path (":memory:" for a private in-memory
// database) and migrates the schema.
func Open(path string, opts Options) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	entry := log.WithField("component", "store.sql")
	now := func() time.Time { return time.Now().UTC() }
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  newDBLogger(entry),
		NowFunc: now,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.RawSnapshot{}, &models.Image{}, &models.Model{}, &models.ModelVersion{}, &models.Run{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	entry.Infof("Database opened successfully at %s", path)
	return &Store{db: db, opts: opts, now: now, log: entry}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

// --- Snapshots ---

func (s *Store) InsertIfAbsent(ctx context.Context, in store.SnapshotInput) (store.InsertResult, error) {
	if !in.EntityType.Valid() {
		return store.InsertResult{}, fmt.Errorf("unknown entity type %q", in.EntityType)
	}
	snap := models.RawSnapshot{
		ID:         models.SnapshotID(in.EntityType, in.EntityID),
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		ParentID:   in.ParentID,
		QueryKey:   in.QueryKey,
		Payload:    in.Payload,
		Digest:     helpers.PayloadDigest(in.Payload),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&snap)
	if res.Error != nil {
		return store.InsertResult{}, fmt.Errorf("insert snapshot %s: %w", snap.ID, res.Error)
	}
	out := store.InsertResult{SnapshotID: snap.ID, Inserted: res.RowsAffected == 1}

	if !out.Inserted && s.opts.OverwriteSnapshots {
		upd := s.db.WithContext(ctx).Model(&models.RawSnapshot{}).
			Where("id = ? AND digest <> ?", snap.ID, snap.Digest).
			Updates(map[string]interface{}{
				"payload":    snap.Payload,
				"digest":     snap.Digest,
				"query_key":  snap.QueryKey,
				"updated_at": s.now(),
			})
		if upd.Error != nil {
			return store.InsertResult{}, fmt.Errorf("overwrite snapshot %s: %w", snap.ID, upd.Error)
		}
		if upd.RowsAffected > 0 {
			s.log.WithField("snapshot", snap.ID).Debug("Overwrote changed snapshot payload")
		}
	}
	return out, nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (models.RawSnapshot, error) {
	var snap models.RawSnapshot
	err := s.db.WithContext(ctx).First(&snap, "id = ?", id).Error
	return snap, notFound(err)
}

func (s *Store) Backlink(ctx context.Context, snapshotID string, derivedID int64) error {
	res := s.db.WithContext(ctx).Model(&models.RawSnapshot{}).
		Where("id = ?", snapshotID).
		Updates(map[string]interface{}{"linked_id": derivedID, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("backlink %s: %w", snapshotID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("backlink %s: %w", snapshotID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUnlinked(ctx context.Context, entityType models.EntityType, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&models.RawSnapshot{}).Where("linked_id IS NULL")
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	err := q.Order("id").Pluck("id", &ids).Error
	return ids, err
}

// --- Entities ---

func (s *Store) GetImage(ctx context.Context, id int64) (models.Image, error) {
	var img models.Image
	err := s.db.WithContext(ctx).First(&img, id).Error
	return img, notFound(err)
}

func (s *Store) InsertImage(ctx context.Context, img models.Image) (bool, error) {
	return s.insertIgnore(ctx, &img)
}

func (s *Store) CountImages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Image{}).Count(&n).Error
	return n, err
}

func (s *Store) GetModel(ctx context.Context, id int64) (models.Model, error) {
	var m models.Model
	err := s.db.WithContext(ctx).First(&m, id).Error
	return m, notFound(err)
}

func (s *Store) InsertModel(ctx context.Context, m models.Model) (bool, error) {
	return s.insertIgnore(ctx, &m)
}

func (s *Store) GetModelVersion(ctx context.Context, id int64) (models.ModelVersion, error) {
	var v models.ModelVersion
	err := s.db.WithContext(ctx).First(&v, id).Error
	return v, notFound(err)
}

func (s *Store) InsertModelVersion(ctx context.Context, v models.ModelVersion) (bool, error) {
	return s.insertIgnore(ctx, &v)
}

func (s *Store) insertIgnore(ctx context.Context, record interface{}) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run models.Run) (models.Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&models.Run{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		run.Seq = maxSeq + 1
		return tx.Create(&run).Error
	})
	if err != nil {
		return models.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	return run, notFound(err)
}

func (s *Store) ClaimNext(ctx context.Context) (models.Run, bool, error) {
	var run models.Run
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("status = ?", models.RunPending).
			Order("priority DESC").Order("seq ASC").
			Take(&run).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		run.Status = models.RunInProgress
		run.UpdatedAt = s.now()
		res := tx.Model(&models.Run{}).
			Where("id = ? AND status = ?", run.ID, models.RunPending).
			Updates(map[string]interface{}{"status": run.Status, "updated_at": run.UpdatedAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return store.ErrConflict
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Run{}, false, fmt.Errorf("claim next run: %w", err)
	}
	return run, found, nil
}

func (s *Store) UpdateRun(ctx context.Context, run models.Run) error {
	run.UpdatedAt = s.now()
	if run.ID == "" {
		return fmt.Errorf("update run: %w", store.ErrNotFound)
	}
	res := s.db.WithContext(ctx).Model(&models.Run{ID: run.ID}).
		Select("url", "items_target", "items_read", "items_inserted", "pages", "priority", "status", "error", "updated_at").
		Updates(run)
	if res.Error != nil {
		return fmt.Errorf("update run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]models.Run, error) {
	q := s.db.WithContext(ctx).Order("seq ASC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var runs []models.Run
	err := q.Find(&runs).Error
	return runs, err
}

func (s *Store) ResetInProgress(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.Run{}).
		Where("status = ?", models.RunInProgress).
		Updates(map[string]interface{}{"status": models.RunPending, "updated_at": s.now()})
	return int(res.RowsAffected), res.Error
}
