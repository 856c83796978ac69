package qdrant

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
)

func mustValue(t *testing.T, v any) *qdrant.Value {
	t.Helper()
	qv, err := qdrant.NewValue(v)
	if err != nil {
		t.Fatalf("NewValue(%v): %v", v, err)
	}
	return qv
}

func TestConvertPayloadStripsPassageIDAndNil(t *testing.T) {
	payload := map[string]*qdrant.Value{
		passageIDPayloadKey: mustValue(t, "keep-out"),
		"owner_id":          mustValue(t, "u1"),
		"score":             mustValue(t, 1.5),
		"nil_field":         nil,
	}

	out := convertPayload(payload)
	assert.Equal(t, "u1", out["owner_id"])
	assert.Equal(t, 1.5, out["score"])
	assert.NotContains(t, out, passageIDPayloadKey)
	assert.NotContains(t, out, "nil_field")
}

func TestConvertPayloadNil(t *testing.T) {
	assert.Nil(t, convertPayload(nil))
}

func TestConvertQdrantValueBool(t *testing.T) {
	assert.Equal(t, true, convertQdrantValue(mustValue(t, true)))
}

func TestConvertQdrantValueNil(t *testing.T) {
	assert.Nil(t, convertQdrantValue(nil))
}
