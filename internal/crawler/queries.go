package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"go-civitai-crawler/internal/models"
)

// MaxPageSize is the largest page the list endpoints accept.
const MaxPageSize = 200

// SortMostReactions is the image sort used for top-of-period crawls.
const SortMostReactions = "Most Reactions"

// ErrUnsupportedURL is returned for run URLs that are not a known list endpoint.
var ErrUnsupportedURL = errors.New("url is not an images or models listing")

// ImageQuery selects an /images listing. At most one of PostID, ModelVersionID,
// ModelID and Username is used, in that order of precedence.
type ImageQuery struct {
	PostID         int64
	ModelID        int64
	ModelVersionID int64
	Username       string
	Nsfw           string // None, Soft, Mature, X or empty for the API default
	Sort           string
	Period         string
	Limit          int
}

// TopImages is the "most reacted images of a period" listing.
func TopImages(period string, limit int) ImageQuery {
	return ImageQuery{Sort: SortMostReactions, Period: period, Limit: limit}
}

// Path is the endpoint the query targets.
func (q ImageQuery) Path() string { return "images" }

// Params encodes the query.
func (q ImageQuery) Params() url.Values {
	params := url.Values{}
	switch {
	case q.PostID != 0:
		params.Set("postId", strconv.FormatInt(q.PostID, 10))
	case q.ModelVersionID != 0:
		params.Set("modelVersionId", strconv.FormatInt(q.ModelVersionID, 10))
	case q.ModelID != 0:
		params.Set("modelId", strconv.FormatInt(q.ModelID, 10))
	case q.Username != "":
		params.Set("username", q.Username)
	}
	setLimit(params, q.Limit)
	if q.Nsfw != "" {
		params.Set("nsfw", q.Nsfw)
	}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.Period != "" {
		params.Set("period", q.Period)
	}
	return params
}

// ModelQuery selects a /models listing.
type ModelQuery struct {
	Query      string
	Tag        string
	Username   string
	Types      []string
	BaseModels []string
	Sort       string
	Period     string
	Nsfw       *bool
	Limit      int
}

func (q ModelQuery) Path() string { return "models" }

func (q ModelQuery) Params() url.Values {
	params := url.Values{}
	setLimit(params, q.Limit)
	if q.Query != "" {
		params.Set("query", q.Query)
	}
	if q.Tag != "" {
		params.Set("tag", q.Tag)
	}
	if q.Username != "" {
		params.Set("username", q.Username)
	}
	for _, t := range q.Types {
		params.Add("types", t)
	}
	for _, b := range q.BaseModels {
		params.Add("baseModels", b)
	}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.Period != "" {
		params.Set("period", q.Period)
	}
	if q.Nsfw != nil {
		params.Set("nsfw", strconv.FormatBool(*q.Nsfw))
	}
	return params
}

// Query is a list request that can seed a run.
type Query interface {
	Path() string
	Params() url.Values
}

func setLimit(params url.Values, limit int) {
	if limit <= 0 {
		return
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	params.Set("limit", strconv.Itoa(limit))
}

// FromSchedule turns a configured schedule into a query.
func FromSchedule(s models.Schedule, pageSize int) (Query, error) {
	switch strings.ToLower(s.Kind) {
	case "top-images":
		q := TopImages(s.Period, pageSize)
		if s.Sort != "" {
			q.Sort = s.Sort
		}
		return q, nil
	case "model-images":
		if s.ModelID <= 0 {
			return nil, fmt.Errorf("schedule %q: ModelID is required for %s", s.Name, s.Kind)
		}
		return ImageQuery{ModelID: int64(s.ModelID), Sort: s.Sort, Period: s.Period, Limit: pageSize}, nil
	case "version-images":
		if s.Version <= 0 {
			return nil, fmt.Errorf("schedule %q: ModelVersionID is required for %s", s.Name, s.Kind)
		}
		return ImageQuery{ModelVersionID: int64(s.Version), Sort: s.Sort, Period: s.Period, Limit: pageSize}, nil
	case "user-images":
		if s.Username == "" {
			return nil, fmt.Errorf("schedule %q: Username is required for %s", s.Name, s.Kind)
		}
		return ImageQuery{Username: s.Username, Sort: s.Sort, Period: s.Period, Limit: pageSize}, nil
	case "models":
		return ModelQuery{Query: s.Query, Username: s.Username, Sort: s.Sort, Period: s.Period, Limit: pageSize}, nil
	default:
		return nil, fmt.Errorf("schedule %q: unknown kind %q", s.Name, s.Kind)
	}
}

// EntityTypeForURL maps a list URL to the entity its items hold.
func EntityTypeForURL(rawURL string) (models.EntityType, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	switch path.Base(u.Path) {
	case "images":
		return models.EntityImage, nil
	case "models":
		return models.EntityModel, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
}
