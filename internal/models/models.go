package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type (
	Config struct {
		// Connection/Auth
		ApiKey              string `toml:"ApiKey"`
		ApiBaseUrl          string `toml:"ApiBaseUrl"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`
		ApiMaxAttempts      int    `toml:"ApiMaxAttempts"`
		ApiRetryBaseMs      int    `toml:"ApiRetryBaseMs"`

		// Storage
		DatabaseDriver     string `toml:"DatabaseDriver"` // "bitcask" or "sqlite"
		DatabasePath       string `toml:"DatabasePath"`
		BleveIndexPath     string `toml:"BleveIndexPath"`
		OverwriteSnapshots bool   `toml:"OverwriteSnapshots"`

		// Crawl defaults
		DefaultPageSize int `toml:"DefaultPageSize"`
		DefaultPriority int `toml:"DefaultPriority"`

		// Task queue
		QueueMaxParallelism int `toml:"QueueMaxParallelism"`
		QueueMaxAttempts    int `toml:"QueueMaxAttempts"`
		QueueRetryBaseMs    int `toml:"QueueRetryBaseMs"`

		// Asset worker
		AssetWorkerUrl    string `toml:"AssetWorkerUrl"`
		AssetWorkerSecret string `toml:"AssetWorkerSecret"`
		AssetBatchSize    int    `toml:"AssetBatchSize"`

		// AssetDispatchDisabled skips asset tasks entirely instead of failing on missing worker settings.
		AssetDispatchDisabled bool `toml:"AssetDispatchDisabled"`

		// Daemon
		MetricsAddr string     `toml:"MetricsAddr"`
		Schedules   []Schedule `toml:"Schedules"`

		// Other
		LogApiRequests bool   `toml:"LogApiRequests"`
		LogLevel       string `toml:"LogLevel"`
	}

	// Schedule describes a crawl that the daemon creates on a cron schedule.
	Schedule struct {
		Name     string `toml:"Name"`
		Cron     string `toml:"Cron"`
		Kind     string `toml:"Kind"` // top-images, model-images, version-images, user-images, models
		Period   string `toml:"Period"`
		Sort     string `toml:"Sort"`
		ModelID  int    `toml:"ModelID"`
		Version  int    `toml:"ModelVersionID"`
		Username string `toml:"Username"`
		Query    string `toml:"Query"`
		Target   int    `toml:"Target"`
		Priority *int   `toml:"Priority"` // nil uses DefaultPriority
	}

	// Api Calls and Responses
	ApiModel struct {
		ID            int               `json:"id"`
		Name          string            `json:"name"`
		Description   string            `json:"description"`
		Type          string            `json:"type"`
		Poi           bool              `json:"poi"`
		Nsfw          bool              `json:"nsfw"`
		Stats         Stats             `json:"stats"`
		Creator       Creator           `json:"creator"`
		Tags          []string          `json:"tags"`
		ModelVersions []json.RawMessage `json:"modelVersions"` // kept raw so each version can be snapshotted verbatim
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// Nested 'model' field in /model-versions/{id} responses
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
		Poi  bool   `json:"poi"`
	}

	ApiModelVersion struct {
		ID           int           `json:"id"`
		ModelId      int           `json:"modelId"`
		Name         string        `json:"name"`
		PublishedAt  string        `json:"publishedAt"`
		TrainedWords []string      `json:"trainedWords"`
		BaseModel    string        `json:"baseModel"`
		Stats        Stats         `json:"stats"`
		Files        []File        `json:"files"`
		DownloadUrl  string        `json:"downloadUrl"`
		Model        BaseModelInfo `json:"model"`
	}

	File struct {
		Name        string  `json:"name"`
		ID          int     `json:"id"`
		SizeKB      float64 `json:"sizeKB"`
		Type        string  `json:"type"`
		Hashes      Hashes  `json:"hashes"`
		DownloadUrl string  `json:"downloadUrl"`
		Primary     bool    `json:"primary"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	// ImageApiItem represents a single image item from the /api/v1/images response.
	ImageApiItem struct {
		ID        int         `json:"id"`
		URL       string      `json:"url"`
		Hash      string      `json:"hash"` // Blurhash
		Width     int         `json:"width"`
		Height    int         `json:"height"`
		Nsfw      bool        `json:"nsfw"`
		NsfwLevel interface{} `json:"nsfwLevel"` // number OR string depending on API revision
		CreatedAt string      `json:"createdAt"`
		PostID    *int        `json:"postId"`
		Stats     ImageStats  `json:"stats"`
		Meta      interface{} `json:"meta"`
		Username  string      `json:"username"`
		BaseModel string      `json:"baseModel"`
	}

	ImageStats struct {
		CryCount     int `json:"cryCount"`
		LaughCount   int `json:"laughCount"`
		LikeCount    int `json:"likeCount"`
		DislikeCount int `json:"dislikeCount"`
		HeartCount   int `json:"heartCount"`
		CommentCount int `json:"commentCount"`
	}

	// ListResponse is the envelope shared by the paginated list endpoints.
	ListResponse struct {
		Items    []json.RawMessage `json:"items"`
		Metadata MetadataNextPage  `json:"metadata"`
	}

	MetadataNextPage struct {
		TotalItems  int    `json:"totalItems,omitempty"`
		CurrentPage int    `json:"currentPage,omitempty"`
		PageSize    int    `json:"pageSize,omitempty"`
		NextCursor  Cursor `json:"nextCursor,omitempty"`
		NextPage    string `json:"nextPage,omitempty"`
	}
)

// Cursor accepts both string and numeric nextCursor values.
type Cursor string

func (c *Cursor) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Cursor(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("nextCursor is neither string nor number: %s", string(data))
	}
	*c = Cursor(n.String())
	return nil
}

// ReactionTotal sums the individual reaction counters. Comments are not reactions.
func (s ImageStats) ReactionTotal() int {
	return s.CryCount + s.LaughCount + s.LikeCount + s.DislikeCount + s.HeartCount
}

// NsfwLevelString flattens the numeric or string nsfwLevel field.
func (i ImageApiItem) NsfwLevelString() string {
	switch v := i.NsfwLevel.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// EntityType names the upstream entity a snapshot holds.
type EntityType string

const (
	EntityImage        EntityType = "image"
	EntityModel        EntityType = "model"
	EntityModelVersion EntityType = "modelVersion"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityImage, EntityModel, EntityModelVersion:
		return true
	}
	return false
}

// SnapshotID is the deterministic identifier of the snapshot for (entityType, entityId).
func SnapshotID(t EntityType, id int64) string {
	return fmt.Sprintf("%s:%d", t, id)
}

// RawSnapshot is a verbatim copy of one API item.
type RawSnapshot struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	EntityType EntityType `gorm:"not null;uniqueIndex:idx_snapshot_entity" json:"entityType"`
	EntityID   int64      `gorm:"not null;uniqueIndex:idx_snapshot_entity" json:"entityId"`
	ParentID   *int64     `json:"parentId,omitempty"`
	QueryKey   string     `json:"queryKey"`
	Payload    []byte     `gorm:"not null" json:"payload"`
	Digest     string     `json:"digest"`
	LinkedID   *int64     `gorm:"index" json:"linkedId,omitempty"` // natural id of the derived record
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ReferenceType tags a model reference.
type ReferenceType string

const (
	ReferenceCheckpoint ReferenceType = "checkpoint"
	ReferenceLora       ReferenceType = "lora"
)

// ModelReference is one model used to generate an image. Every field but Type is optional.
type ModelReference struct {
	Type      ReferenceType `json:"type"`
	ModelID   *int64        `json:"modelId,omitempty"`
	VersionID *int64        `json:"versionId,omitempty"`
	Name      *string       `json:"name,omitempty"`
	Hash      *string       `json:"hash,omitempty"`
	Weight    *float64      `json:"weight,omitempty"`
}

// Image is the derived record for an /images item.
type Image struct {
	ID            int64            `gorm:"primaryKey;autoIncrement:false" json:"id"`
	URL           string           `json:"url"`
	Width         int              `json:"width"`
	Height        int              `json:"height"`
	Nsfw          bool             `json:"nsfw"`
	NsfwLevel     string           `json:"nsfwLevel"`
	PostedAt      string           `json:"createdAt"`
	PostID        *int64           `json:"postId,omitempty"`
	Username      string           `gorm:"index" json:"username"`
	BaseModel     string           `json:"baseModel"`
	Prompt        string           `json:"prompt,omitempty"`
	ReactionCount int              `json:"reactionCount"`
	CommentCount  int              `json:"commentCount"`
	References    []ModelReference `gorm:"serializer:json" json:"references"`
	StorageKey    string           `json:"storageKey,omitempty"`
	SnapshotID    string           `json:"snapshotId"`
	IngestedAt    time.Time        `json:"ingestedAt"`
}

// Model is the derived record for a /models item.
type Model struct {
	ID         int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Nsfw       bool      `json:"nsfw"`
	Creator    string    `gorm:"index" json:"creator"`
	Tags       []string  `gorm:"serializer:json" json:"tags"`
	VersionIDs []int64   `gorm:"serializer:json" json:"versionIds"`
	Downloads  int       `json:"downloads"`
	SnapshotID string    `json:"snapshotId"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// ModelVersion is the derived record for a model version.
type ModelVersion struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ModelID     int64     `gorm:"index" json:"modelId"`
	Name        string    `json:"name"`
	BaseModel   string    `json:"baseModel"`
	DownloadURL string    `json:"downloadUrl"`
	Hashes      []string  `gorm:"serializer:json" json:"hashes"`
	SnapshotID  string    `json:"snapshotId"`
	IngestedAt  time.Time `json:"ingestedAt"`
}

// RunStatus is the state of a crawl run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Terminal reports whether no further pages will be fetched for the run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run is one persisted, resumable crawl. The URL carries the cursor and is the whole resumption checkpoint.
type Run struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	URL           string    `gorm:"not null" json:"url"`
	ItemsTarget   int       `json:"itemsTarget"`
	ItemsRead     int       `json:"itemsRead"`
	ItemsInserted int       `json:"itemsInserted"`
	Pages         int       `json:"pages"`
	Priority      int       `gorm:"index" json:"priority"`
	Status        RunStatus `gorm:"index;not null" json:"status"`
	Error         string    `json:"error,omitempty"`
	Seq           int64     `json:"seq"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
