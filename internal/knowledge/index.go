// Package knowledge tracks which passage ids belong to which
// knowledge-entry id, so the composition root can resolve
// DeletePassagesByEntry (spec §6) without depending on the
// out-of-scope relational store (SPEC_FULL.md's collaborator table:
// the relational store owns ownership/group metadata, this index is
// core's own bookkeeping of what C8/C9 wrote into C2/C3). Grounded on
// the guarded-map shape shared by rag/lexical.Index and
// cache.SemanticCache rather than any one teacher file.
package knowledge

import "sync"

type entryRecord struct {
	ownerID    string
	passageIDs []string
}

// EntryIndex maps a knowledge-entry id to the passage ids produced by
// chunking it and the principal who submitted it, so
// DeletePassagesByEntry can both find every passage a prior ingest
// wrote and enforce that only the owner (or an admin) may delete them.
type EntryIndex struct {
	mu      sync.Mutex
	entries map[string]entryRecord
}

// NewEntryIndex returns an empty index.
func NewEntryIndex() *EntryIndex {
	return &EntryIndex{entries: make(map[string]entryRecord)}
}

// Record associates entryID with ownerID and passageIDs, replacing any
// prior association (re-ingestion of the same entry supersedes its old
// passages).
func (idx *EntryIndex) Record(entryID, ownerID string, passageIDs []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cp := make([]string, len(passageIDs))
	copy(cp, passageIDs)
	idx.entries[entryID] = entryRecord{ownerID: ownerID, passageIDs: cp}
}

// OwnerOf returns the owning principal id recorded for entryID.
func (idx *EntryIndex) OwnerOf(entryID string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec, ok := idx.entries[entryID]
	return rec.ownerID, ok
}

// PassageIDsForEntry returns the passage ids currently recorded for
// entryID, or nil if none are known.
func (idx *EntryIndex) PassageIDsForEntry(entryID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec, ok := idx.entries[entryID]
	if !ok {
		return nil
	}
	cp := make([]string, len(rec.passageIDs))
	copy(cp, rec.passageIDs)
	return cp
}

// Forget removes entryID's association entirely, once its passages
// have been deleted from the vector and lexical indices.
func (idx *EntryIndex) Forget(entryID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, entryID)
}
