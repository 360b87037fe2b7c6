package references

import (
	"fmt"
	"sort"
	"strings"

	"go-civitai-crawler/internal/models"
)

// Key returns the discriminator of ref: versionId, then modelId, then hash, then
// type plus lowercased name. References without any of these have an empty key.
func Key(ref models.ModelReference) string {
	switch {
	case ref.VersionID != nil:
		return fmt.Sprintf("%s:v:%d", ref.Type, *ref.VersionID)
	case ref.ModelID != nil:
		return fmt.Sprintf("%s:m:%d", ref.Type, *ref.ModelID)
	case ref.Hash != nil:
		return fmt.Sprintf("%s:h:%s", ref.Type, strings.ToLower(*ref.Hash))
	case ref.Name != nil:
		return fmt.Sprintf("%s:n:%s", ref.Type, strings.ToLower(*ref.Name))
	}
	return ""
}

// Consolidate collapses references describing the same model into one.
// Earlier references win field by field, except that a name-only reference
// never overrides one carrying an id or hash. References with no usable
// discriminator are kept as they are.
func Consolidate(refs []models.ModelReference) []models.ModelReference {
	if len(refs) == 0 {
		return nil
	}
	out := make([]models.ModelReference, len(refs))
	copy(out, refs)

	out = mergeMatching(out)
	out = attachNameOnly(out)
	return mergeMatching(out)
}

// mergeMatching merges pairs until no two references describe the same model.
func mergeMatching(refs []models.ModelReference) []models.ModelReference {
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(refs); i++ {
			for j := i + 1; j < len(refs); {
				if sameModel(refs[i], refs[j]) {
					refs[i] = merge(refs[i], refs[j])
					refs = append(refs[:j], refs[j+1:]...)
					merged = true
					continue
				}
				j++
			}
		}
	}
	return refs
}

// sameModel compares two references on the strongest identifier both carry.
func sameModel(a, b models.ModelReference) bool {
	if a.Type != b.Type {
		return false
	}
	switch {
	case a.VersionID != nil && b.VersionID != nil:
		return *a.VersionID == *b.VersionID
	case a.ModelID != nil && b.ModelID != nil:
		return *a.ModelID == *b.ModelID
	case a.Hash != nil && b.Hash != nil:
		return strings.EqualFold(*a.Hash, *b.Hash)
	case a.Name != nil && b.Name != nil:
		return strings.EqualFold(*a.Name, *b.Name)
	}
	return false
}

func nameOnly(r models.ModelReference) bool {
	return r.Name != nil && r.VersionID == nil && r.ModelID == nil && r.Hash == nil
}

func identifiedWithoutName(r models.ModelReference) bool {
	return r.Name == nil && (r.VersionID != nil || r.ModelID != nil || r.Hash != nil)
}

// merge fills the empty fields of the stronger reference from the other one.
func merge(a, b models.ModelReference) models.ModelReference {
	if nameOnly(a) && !nameOnly(b) {
		a, b = b, a
	}
	if a.ModelID == nil {
		a.ModelID = b.ModelID
	}
	if a.VersionID == nil {
		a.VersionID = b.VersionID
	}
	if a.Name == nil {
		a.Name = b.Name
	}
	if a.Hash == nil {
		a.Hash = b.Hash
	}
	if a.Weight == nil {
		a.Weight = b.Weight
	}
	return a
}

// attachNameOnly pairs a lone name-only reference with the lone unnamed but
// identified reference of the same type, e.g. "Model: foo" with "hashes.model".
// With more than one candidate on either side the pairing is ambiguous and skipped.
func attachNameOnly(refs []models.ModelReference) []models.ModelReference {
	for _, t := range []models.ReferenceType{models.ReferenceCheckpoint, models.ReferenceLora} {
		weak, strong := -1, -1
		weakCount, strongCount := 0, 0
		for i, r := range refs {
			if r.Type != t {
				continue
			}
			if nameOnly(r) {
				weak = i
				weakCount++
			} else if identifiedWithoutName(r) {
				strong = i
				strongCount++
			}
		}
		if weakCount != 1 || strongCount != 1 {
			continue
		}
		refs[strong] = merge(refs[strong], refs[weak])
		refs = append(refs[:weak], refs[weak+1:]...)
	}
	return refs
}

func sortByHash(refs []models.ModelReference) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return deref(refs[i].Hash) < deref(refs[j].Hash)
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
