package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/references"
)

var (
	errMissingID  = errors.New("missing or non-positive id")
	errMissingURL = errors.New("missing url")
)

func parseImage(payload []byte) (models.ImageApiItem, error) {
	var item models.ImageApiItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return item, fmt.Errorf("decode image: %w", err)
	}
	if item.ID <= 0 {
		return item, errMissingID
	}
	if item.URL == "" {
		return item, errMissingURL
	}
	if item.Width < 0 || item.Height < 0 {
		return item, fmt.Errorf("negative dimensions %dx%d", item.Width, item.Height)
	}
	return item, nil
}

// StorageKey is where the asset worker stores the file for an entity.
func StorageKey(kind string, id int64) string {
	return fmt.Sprintf("%s/%d", kind, id)
}

func buildImage(item models.ImageApiItem, snapshotID string, now time.Time) models.Image {
	img := models.Image{
		ID:            int64(item.ID),
		URL:           item.URL,
		Width:         item.Width,
		Height:        item.Height,
		Nsfw:          item.Nsfw,
		NsfwLevel:     item.NsfwLevelString(),
		PostedAt:      item.CreatedAt,
		Username:      item.Username,
		BaseModel:     item.BaseModel,
		ReactionCount: item.Stats.ReactionTotal(),
		CommentCount:  item.Stats.CommentCount,
		References:    references.Extract(item.Meta),
		StorageKey:    StorageKey("images", int64(item.ID)),
		SnapshotID:    snapshotID,
		IngestedAt:    now,
	}
	if item.PostID != nil {
		postID := int64(*item.PostID)
		img.PostID = &postID
	}
	if meta, ok := item.Meta.(map[string]interface{}); ok {
		if prompt, ok := meta["prompt"].(string); ok {
			img.Prompt = prompt
		}
	}
	if img.References == nil {
		img.References = []models.ModelReference{}
	}
	return img
}

func parseModel(payload []byte) (models.ApiModel, error) {
	var item models.ApiModel
	if err := json.Unmarshal(payload, &item); err != nil {
		return item, fmt.Errorf("decode model: %w", err)
	}
	if item.ID <= 0 {
		return item, errMissingID
	}
	if strings.TrimSpace(item.Name) == "" {
		return item, errors.New("missing name")
	}
	return item, nil
}

func buildModel(item models.ApiModel, snapshotID string, now time.Time) models.Model {
	m := models.Model{
		ID:         int64(item.ID),
		Name:       item.Name,
		Type:       item.Type,
		Nsfw:       item.Nsfw,
		Creator:    item.Creator.Username,
		Tags:       item.Tags,
		VersionIDs: []int64{},
		Downloads:  item.Stats.DownloadCount,
		SnapshotID: snapshotID,
		IngestedAt: now,
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	for _, raw := range item.ModelVersions {
		var v struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &v); err == nil && v.ID > 0 {
			m.VersionIDs = append(m.VersionIDs, v.ID)
		}
	}
	return m
}

func parseModelVersion(payload []byte) (models.ApiModelVersion, error) {
	var item models.ApiModelVersion
	if err := json.Unmarshal(payload, &item); err != nil {
		return item, fmt.Errorf("decode model version: %w", err)
	}
	if item.ID <= 0 {
		return item, errMissingID
	}
	return item, nil
}

// buildModelVersion falls back to the snapshot's parent id for versions embedded
// in a /models item, which carry no modelId of their own.
func buildModelVersion(item models.ApiModelVersion, parentID *int64, snapshotID string, now time.Time) models.ModelVersion {
	v := models.ModelVersion{
		ID:          int64(item.ID),
		ModelID:     int64(item.ModelId),
		Name:        item.Name,
		BaseModel:   item.BaseModel,
		DownloadURL: item.DownloadUrl,
		Hashes:      []string{},
		SnapshotID:  snapshotID,
		IngestedAt:  now,
	}
	if v.ModelID == 0 && parentID != nil {
		v.ModelID = *parentID
	}

	seen := map[string]bool{}
	for _, f := range item.Files {
		for _, h := range []string{f.Hashes.SHA256, f.Hashes.AutoV2, f.Hashes.BLAKE3, f.Hashes.CRC32} {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			v.Hashes = append(v.Hashes, h)
		}
	}
	return v
}
