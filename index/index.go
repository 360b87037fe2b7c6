package index

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"go-civitai-crawler/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "civitai.bleve"

// Item is one indexed document. Fields are searchable by their lowercase JSON
// tag names, e.g. '+username:someuser' or '+loras:detailface'.
type Item struct {
	ID          string   `json:"id"`   // img_<id> or m_<id>
	Type        string   `json:"type"` // image or model
	Name        string   `json:"name,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Username    string   `json:"username,omitempty"`
	BaseModel   string   `json:"baseModel,omitempty"`
	NsfwLevel   string   `json:"nsfwLevel,omitempty"`
	Checkpoints []string `json:"checkpoints,omitempty"`
	Loras       []string `json:"loras,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ModelType   string   `json:"modelType,omitempty"`
	Reactions   float64  `json:"reactions,omitempty"`
	StorageKey  string   `json:"storageKey,omitempty"`
}

// Index wraps a bleve index of crawled entities.
type Index struct {
	idx bleve.Index
}

// Open opens an existing Bleve index or creates a new one if it doesn't exist.
func Open(indexPath string) (*Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		idx, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index %s: %w", indexPath, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index %s: %w", indexPath, err)
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return &Index{idx: idx}, nil
}

// OpenMemory creates an index that lives only in memory.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

func (i *Index) Close() error { return i.idx.Close() }

// IndexImage adds or replaces the document for img.
func (i *Index) IndexImage(img models.Image) error {
	item := Item{
		ID:         "img_" + strconv.FormatInt(img.ID, 10),
		Type:       string(models.EntityImage),
		Prompt:     img.Prompt,
		Username:   img.Username,
		BaseModel:  img.BaseModel,
		NsfwLevel:  img.NsfwLevel,
		Reactions:  float64(img.ReactionCount),
		StorageKey: img.StorageKey,
	}
	for _, ref := range img.References {
		if ref.Name == nil {
			continue
		}
		switch ref.Type {
		case models.ReferenceCheckpoint:
			item.Checkpoints = append(item.Checkpoints, *ref.Name)
		case models.ReferenceLora:
			item.Loras = append(item.Loras, *ref.Name)
		}
	}
	return i.idx.Index(item.ID, item)
}

// IndexModel adds or replaces the document for m.
func (i *Index) IndexModel(m models.Model) error {
	item := Item{
		ID:        "m_" + strconv.FormatInt(m.ID, 10),
		Type:      string(models.EntityModel),
		Name:      m.Name,
		Username:  m.Creator,
		Tags:      m.Tags,
		ModelType: m.Type,
	}
	return i.idx.Index(item.ID, item)
}

// Search performs a query-string search and returns at most limit hits.
func (i *Index) Search(query string, limit int) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	if limit > 0 {
		req.Size = limit
	}
	req.Fields = []string{"*"} // Request all stored fields
	return i.idx.Search(req)
}

// Count returns the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
