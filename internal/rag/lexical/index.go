// Package lexical implements C3: BM25-style keyword search over the
// same corpus C2 indexes. No third-party BM25/lexical-scoring library
// appears anywhere in the example corpus — every reference
// implementation (e.g. blib-picoclaw's pkg/rag/service.go) hand-rolls
// tokenize/lexicalScore helpers — so this package follows that idiom
// directly on the standard library, generalized from term-containment
// scoring to real BM25 (term frequency, inverse document frequency,
// document-length normalization) per spec §4.3.
package lexical

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75

	// defaultOverfetchPool bounds how many candidates a filtered search
	// ranks before intersecting with the allowlist, for backends that
	// cannot push the filter down into ranking (spec §4.3). This
	// in-memory index filters natively (every document carries its own
	// owner/visibility/group fields); here the pool caps the candidate
	// set that candidateSetLocked gathers from the postings.
	defaultOverfetchPool = 4000
)

// Hit is one search result (mirrors vectordb/qdrant.Hit's shape, spec §4.3).
type Hit struct {
	PassageID string
	Score     float32
}

// Filter mirrors vectordb/qdrant.Filter's access-scope shape (spec
// §4.11): an explicit passage-id allowlist (hard AND), an
// owner/visibility/group-id disjunction (the accessible-passages
// union), and a hard AND restriction to a named group set (the
// caller's group_filter), plus the admin "no filter" sentinel.
type Filter struct {
	AllowIDs       []string
	OwnerID        string
	Visibility     string
	GroupIDs       []string
	RestrictGroups []string
	Unbounded      bool
}

type document struct {
	passageID  string
	tokens     []string
	termCounts map[string]int
	length     int
	ownerID    string
	visibility string
	groupIDs   map[string]struct{}
}

// Index is the C3 lexical index: an in-memory inverted index with BM25
// scoring. Safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	docs       map[string]*document
	postings   map[string]map[string]struct{} // term -> set of passage IDs
	totalDocLn int
	logger     *logrus.Logger
}

// NewIndex constructs an empty lexical index.
func NewIndex(logger *logrus.Logger) *Index {
	if logger == nil {
		logger = logrus.New()
	}
	return &Index{
		docs:     make(map[string]*document),
		postings: make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Upsert adds or replaces the tokenized form of one passage.
func (idx *Index) Upsert(ctx context.Context, passageID, text, ownerID, visibility string, groupIDs []string) error {
	tokens := Tokenize(text)

	termCounts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		termCounts[t]++
	}

	groups := make(map[string]struct{}, len(groupIDs))
	for _, g := range groupIDs {
		groups[g] = struct{}{}
	}

	doc := &document{
		passageID:  passageID,
		tokens:     tokens,
		termCounts: termCounts,
		length:     len(tokens),
		ownerID:    ownerID,
		visibility: visibility,
		groupIDs:   groups,
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.docs[passageID]; ok {
		idx.removeLocked(old)
	}

	idx.docs[passageID] = doc
	idx.totalDocLn += doc.length
	for term := range termCounts {
		set, ok := idx.postings[term]
		if !ok {
			set = make(map[string]struct{})
			idx.postings[term] = set
		}
		set[passageID] = struct{}{}
	}

	return nil
}

// Delete removes passages by id. Idempotent on unknown ids.
func (idx *Index) Delete(ctx context.Context, passageIDs []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range passageIDs {
		if doc, ok := idx.docs[id]; ok {
			idx.removeLocked(doc)
			delete(idx.docs, id)
		}
	}
	return nil
}

// removeLocked must be called with idx.mu held for writing.
func (idx *Index) removeLocked(doc *document) {
	idx.totalDocLn -= doc.length
	for term := range doc.termCounts {
		set := idx.postings[term]
		delete(set, doc.passageID)
		if len(set) == 0 {
			delete(idx.postings, term)
		}
	}
}

// Search returns at most k passages ranked by descending BM25 score,
// restricted by filter.
func (idx *Index) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 {
		return nil, nil
	}
	avgDocLen := float64(idx.totalDocLn) / float64(n)

	uniqueQueryTerms := dedupe(queryTokens)
	candidates := idx.candidateSetLocked(uniqueQueryTerms)

	scored := make([]Hit, 0, len(candidates))
	for id := range candidates {
		doc := idx.docs[id]
		if !passesFilterLocked(doc, filter) {
			continue
		}
		score := bm25Score(doc, uniqueQueryTerms, n, avgDocLen, idx.postings)
		if score <= 0 {
			continue
		}
		scored = append(scored, Hit{PassageID: id, Score: float32(score)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].PassageID < scored[j].PassageID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// candidateSetLocked returns the union of postings for the given terms,
// capped at defaultOverfetchPool to bound ranking cost on pathological
// queries (spec §4.3's over-fetch ceiling).
func (idx *Index) candidateSetLocked(terms []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range terms {
		for id := range idx.postings[t] {
			out[id] = struct{}{}
			if len(out) >= defaultOverfetchPool {
				return out
			}
		}
	}
	return out
}

func bm25Score(doc *document, queryTerms []string, n int, avgDocLen float64, postings map[string]map[string]struct{}) float64 {
	var score float64
	for _, term := range queryTerms {
		tf := doc.termCounts[term]
		if tf == 0 {
			continue
		}
		df := len(postings[term])
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		numerator := float64(tf) * (bm25K1 + 1)
		denominator := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgDocLen)
		score += idf * numerator / denominator
	}
	return score
}

func passesFilterLocked(doc *document, f Filter) bool {
	if f.Unbounded {
		return true
	}
	if len(f.AllowIDs) > 0 && !containsString(f.AllowIDs, doc.passageID) {
		return false
	}

	if f.OwnerID != "" || f.Visibility != "" || len(f.GroupIDs) > 0 {
		matched := (f.OwnerID != "" && doc.ownerID == f.OwnerID) ||
			(f.Visibility != "" && doc.visibility == f.Visibility) ||
			docInAnyGroup(doc, f.GroupIDs)
		if !matched {
			return false
		}
	}

	if len(f.RestrictGroups) > 0 && !docInAnyGroup(doc, f.RestrictGroups) {
		return false
	}
	return true
}

func docInAnyGroup(doc *document, groupIDs []string) bool {
	for _, g := range groupIDs {
		if _, ok := doc.groupIDs[g]; ok {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
