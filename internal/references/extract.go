// Package references turns the loosely structured generation metadata attached to
// Civitai images into a consolidated list of model references.
package references

import (
	"regexp"
	"strings"

	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/models"

	log "github.com/sirupsen/logrus"
)

// matcher looks for one known shape of model usage data in the metadata.
// Matchers never fail: anything they cannot read is skipped.
type matcher struct {
	name string
	fn   func(meta map[string]interface{}) []models.ModelReference
}

// Order matters for merge precedence: stronger sources come first.
var matchers = []matcher{
	{"civitaiResources", matchCivitaiResources},
	{"resources", matchResources},
	{"Model", matchModelField},
	{"hashes", matchHashes},
	{"prompt", matchPromptLoras},
}

var loraTokenPattern = regexp.MustCompile(`<lora:([^:>]+)(?::([^:>]*))?[^>]*>`)

// Extract runs every matcher over meta and returns the consolidated references.
// It never returns an error; a nil or non-object meta yields no references.
func Extract(meta interface{}) []models.ModelReference {
	m, ok := meta.(map[string]interface{})
	if !ok {
		return nil
	}
	var found []models.ModelReference
	for _, mt := range matchers {
		found = append(found, runMatcher(mt, m)...)
	}
	return Consolidate(found)
}

func runMatcher(mt matcher, meta map[string]interface{}) (refs []models.ModelReference) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("matcher", mt.name).Warnf("Reference matcher panicked, skipping: %v", r)
			refs = nil
		}
	}()
	return mt.fn(meta)
}

func normalizeType(v interface{}) (models.ReferenceType, bool) {
	s, ok := helpers.ToString(v)
	if !ok {
		return "", false
	}
	switch strings.ToLower(s) {
	case "checkpoint", "model":
		return models.ReferenceCheckpoint, true
	case "lora", "locon", "lycoris":
		return models.ReferenceLora, true
	}
	return "", false
}

func int64Field(m map[string]interface{}, keys ...string) *int64 {
	for _, k := range keys {
		if v, ok := helpers.ToInt64(m[k]); ok && v > 0 {
			return &v
		}
	}
	return nil
}

func stringField(m map[string]interface{}, keys ...string) *string {
	for _, k := range keys {
		if s, ok := helpers.ToString(m[k]); ok {
			return &s
		}
	}
	return nil
}

func floatField(m map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		if f, ok := helpers.ToFloat64(m[k]); ok {
			return &f
		}
	}
	return nil
}

func hashValue(v interface{}) *string {
	s, ok := helpers.ToString(v)
	if !ok {
		return nil
	}
	s = strings.ToLower(s)
	return &s
}

func objects(v interface{}) []map[string]interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// civitaiResources: [{type, modelVersionId, modelName, weight}]
func matchCivitaiResources(meta map[string]interface{}) []models.ModelReference {
	var refs []models.ModelReference
	for _, r := range objects(meta["civitaiResources"]) {
		t, ok := normalizeType(r["type"])
		if !ok {
			continue
		}
		refs = append(refs, models.ModelReference{
			Type:      t,
			ModelID:   int64Field(r, "modelId"),
			VersionID: int64Field(r, "modelVersionId"),
			Name:      stringField(r, "modelName", "name"),
			Weight:    floatField(r, "weight", "strength"),
		})
	}
	return refs
}

// resources: [{name, type, hash, weight, modelId, modelVersionId}]
func matchResources(meta map[string]interface{}) []models.ModelReference {
	var refs []models.ModelReference
	for _, r := range objects(meta["resources"]) {
		t, ok := normalizeType(r["type"])
		if !ok {
			continue
		}
		refs = append(refs, models.ModelReference{
			Type:      t,
			ModelID:   int64Field(r, "modelId"),
			VersionID: int64Field(r, "modelVersionId"),
			Name:      stringField(r, "name"),
			Hash:      hashValue(r["hash"]),
			Weight:    floatField(r, "weight"),
		})
	}
	return refs
}

// "Model": "name", "Model hash": "abc123"
func matchModelField(meta map[string]interface{}) []models.ModelReference {
	name := stringField(meta, "Model")
	hash := hashValue(meta["Model hash"])
	if name == nil && hash == nil {
		return nil
	}
	return []models.ModelReference{{Type: models.ReferenceCheckpoint, Name: name, Hash: hash}}
}

// "hashes": {"model": "abc", "lora:name": "def"}
func matchHashes(meta map[string]interface{}) []models.ModelReference {
	hashes, ok := meta["hashes"].(map[string]interface{})
	if !ok {
		return nil
	}
	var refs []models.ModelReference
	if h := hashValue(hashes["model"]); h != nil {
		refs = append(refs, models.ModelReference{Type: models.ReferenceCheckpoint, Hash: h})
	}
	for k, v := range hashes {
		if !strings.HasPrefix(strings.ToLower(k), "lora:") {
			continue
		}
		h := hashValue(v)
		if h == nil {
			continue
		}
		ref := models.ModelReference{Type: models.ReferenceLora, Hash: h}
		if name := strings.TrimSpace(k[len("lora:"):]); name != "" {
			ref.Name = &name
		}
		refs = append(refs, ref)
	}
	// map iteration order is random; keep output deterministic
	sortByHash(refs)
	return refs
}

// <lora:name:weight> tokens in the prompt text.
func matchPromptLoras(meta map[string]interface{}) []models.ModelReference {
	prompt, ok := meta["prompt"].(string)
	if !ok {
		return nil
	}
	var refs []models.ModelReference
	for _, m := range loraTokenPattern.FindAllStringSubmatch(prompt, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		ref := models.ModelReference{Type: models.ReferenceLora, Name: &name}
		if w, ok := helpers.ToFloat64(m[2]); ok {
			ref.Weight = &w
		}
		refs = append(refs, ref)
	}
	return refs
}
