package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordThenPassageIDsForEntry(t *testing.T) {
	idx := NewEntryIndex()
	idx.Record("e1", "u1", []string{"p1", "p2"})
	assert.Equal(t, []string{"p1", "p2"}, idx.PassageIDsForEntry("e1"))
}

func TestPassageIDsForEntryUnknownReturnsNil(t *testing.T) {
	idx := NewEntryIndex()
	assert.Nil(t, idx.PassageIDsForEntry("missing"))
}

func TestRecordReplacesPriorAssociation(t *testing.T) {
	idx := NewEntryIndex()
	idx.Record("e1", "u1", []string{"p1"})
	idx.Record("e1", "u1", []string{"p2", "p3"})
	assert.Equal(t, []string{"p2", "p3"}, idx.PassageIDsForEntry("e1"))
}

func TestForgetRemovesEntry(t *testing.T) {
	idx := NewEntryIndex()
	idx.Record("e1", "u1", []string{"p1"})
	idx.Forget("e1")
	assert.Nil(t, idx.PassageIDsForEntry("e1"))
}

func TestOwnerOf(t *testing.T) {
	idx := NewEntryIndex()
	idx.Record("e1", "u1", []string{"p1"})
	owner, ok := idx.OwnerOf("e1")
	assert.True(t, ok)
	assert.Equal(t, "u1", owner)

	_, ok = idx.OwnerOf("missing")
	assert.False(t, ok)
}
