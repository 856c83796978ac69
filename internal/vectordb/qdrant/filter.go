package qdrant

import (
	"github.com/qdrant/go-client/qdrant"
)

// passageIDPayloadKey is the payload field every upserted point also
// carries its passage_id under, so id-based filtering (allowlists,
// bulk delete) can be expressed as a Qdrant field match instead of a
// native "has id" selector — grounded on the converter's
// field-match-condition idiom (NewMatchKeyword/NewMatchKeywords).
const passageIDPayloadKey = "__passage_id__"

const (
	payloadOwnerKey      = "owner_id"
	payloadVisibilityKey = "visibility"
	payloadGroupIDsKey   = "group_ids"
)

// buildQdrantFilter converts a Filter into a *qdrant.Filter, following
// spec §4.11's access-scope shape: an explicit-id hard AND (AllowIDs),
// an owner/visibility/group-id OR disjunction (the accessible-passages
// union), and a hard AND restriction to a named group set
// (RestrictGroups, the caller's group_filter). Returns nil for an
// unrestricted (admin "no filter" sentinel, or entirely empty) Filter.
func buildQdrantFilter(f Filter) *qdrant.Filter {
	if f.Unbounded {
		return nil
	}

	var must []*qdrant.Condition

	if len(f.AllowIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords(passageIDPayloadKey, f.AllowIDs...))
	}

	if f.OwnerID != "" || f.Visibility != "" || len(f.GroupIDs) > 0 {
		var should []*qdrant.Condition
		if f.OwnerID != "" {
			should = append(should, qdrant.NewMatchKeyword(payloadOwnerKey, f.OwnerID))
		}
		if f.Visibility != "" {
			should = append(should, qdrant.NewMatchKeyword(payloadVisibilityKey, f.Visibility))
		}
		for _, g := range f.GroupIDs {
			should = append(should, qdrant.NewMatchKeyword(payloadGroupIDsKey, g))
		}
		must = append(must, qdrant.NewFilterAsCondition(&qdrant.Filter{Should: should}))
	}

	if len(f.RestrictGroups) > 0 {
		must = append(must, qdrant.NewMatchKeywords(payloadGroupIDsKey, f.RestrictGroups...))
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// idsFilter builds a Filter (not *qdrant.Filter) that restricts to an
// explicit passage-id set, used by Delete.
func idsFilter(ids []string) Filter {
	return Filter{AllowIDs: ids}
}
