package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dev.helix.knowledgecore/internal/models"
)

func TestAccessiblePassageIDsAnonymousPublicOnly(t *testing.T) {
	scope := AccessiblePassageIDs(models.Principal{Role: models.RoleAnonymous}, nil)
	assert.False(t, scope.Unbounded)
	assert.Equal(t, "public", scope.Visibility)
	assert.Empty(t, scope.OwnerID)
	assert.False(t, scope.Empty())
}

func TestAccessiblePassageIDsAdminUnbounded(t *testing.T) {
	scope := AccessiblePassageIDs(models.Principal{ID: "a1", Role: models.RoleAdmin}, nil)
	assert.True(t, scope.Unbounded)
	assert.False(t, scope.Empty())
}

func TestAccessiblePassageIDsAuthenticatedUnion(t *testing.T) {
	principal := models.Principal{ID: "u1", Role: models.RoleUser, GroupsReadable: []string{"g1", "g2"}}
	scope := AccessiblePassageIDs(principal, nil)

	assert.Equal(t, "u1", scope.OwnerID)
	assert.Equal(t, "public", scope.Visibility)
	assert.ElementsMatch(t, []string{"g1", "g2"}, scope.GroupIDs)
	assert.Empty(t, scope.RestrictGroups)
}

func TestAccessiblePassageIDsGroupFilterIntersectsReadable(t *testing.T) {
	principal := models.Principal{ID: "u1", Role: models.RoleUser, GroupsReadable: []string{"g1", "g2"}}
	scope := AccessiblePassageIDs(principal, []string{"g2", "unknown-group"})

	assert.Equal(t, []string{"g2"}, scope.RestrictGroups)
	assert.False(t, scope.Empty())
}

func TestAccessiblePassageIDsGroupFilterAllUnknownIsEmpty(t *testing.T) {
	principal := models.Principal{ID: "u1", Role: models.RoleUser, GroupsReadable: []string{"g1"}}
	scope := AccessiblePassageIDs(principal, []string{"ghost"})

	assert.Empty(t, scope.RestrictGroups)
	assert.True(t, scope.Empty())
}

func TestScopeAsVectorFilterAndLexicalFilter(t *testing.T) {
	scope := AccessiblePassageIDs(models.Principal{ID: "u1", Role: models.RoleUser, GroupsReadable: []string{"g1"}}, nil)

	vf := scope.AsVectorFilter()
	assert.Equal(t, "u1", vf.OwnerID)

	lf := scope.AsLexicalFilter()
	assert.Equal(t, "u1", lf.OwnerID)
}
