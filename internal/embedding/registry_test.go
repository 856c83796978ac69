package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.knowledgecore/internal/corerr"
)

func TestRegistryActiveBeforeActivate(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Active()
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.EmbeddingUnavailable))
}

func TestRegistryActivateAndEncode(t *testing.T) {
	r := NewRegistry(nil)
	p := NewLocalProvider("local-small", 8)
	r.Register("local-small", p)
	require.NoError(t, r.Activate("local-small"))

	active, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, "local-small", active.ID())

	vecs, err := active.Encode(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 8)
}

func TestRegistryActivateUnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Activate("missing")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.NotFound))
}

func TestRegistryReloadIsIdempotentForSameTarget(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", NewLocalProvider("a", 4))
	require.NoError(t, r.Activate("a"))

	report, err := r.Reload(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, report.NoOp)
}

func TestRegistryReloadSwapsAndReportsDimensionChange(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", NewLocalProvider("a", 4))
	r.Register("b", NewLocalProvider("b", 8))
	require.NoError(t, r.Activate("a"))

	report, err := r.Reload(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, report.NoOp)
	assert.Equal(t, "a", report.PreviousID)
	assert.Equal(t, "b", report.NewID)
	assert.True(t, report.DimensionChanged)
	assert.Equal(t, "b", r.ActiveID())
}

func TestRegistryReloadUnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", NewLocalProvider("a", 4))
	require.NoError(t, r.Activate("a"))

	_, err := r.Reload(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.NotFound))
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider("local", 16)
	v1, err := p.EncodeSingle(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	v2, err := p.EncodeSingle(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, err := p.EncodeSingle(context.Background(), "completely different text")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)
}
