package rewrite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubLLM struct {
	text string
	err  error
}

func (s stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.text, s.err
}

func (s stubLLM) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	return nil, nil
}

func TestExpandDisabledReturnsOriginalOnly(t *testing.T) {
	cfg := Config{Enabled: false}
	r := New(cfg, nil, nil)
	assert.Equal(t, []string{"what is go"}, r.Expand(context.Background(), "what is go"))
}

func TestExpandDedupesCaseInsensitivelyAndKeepsOriginalFirst(t *testing.T) {
	llm := stubLLM{text: "What Is Go\nhow does go work\nWHAT IS GO\nwhy use go"}
	r := New(DefaultConfig(), llm, nil)

	out := r.Expand(context.Background(), "what is go")
	assert.Equal(t, "what is go", out[0])
	assert.Contains(t, out, "how does go work")
	assert.Contains(t, out, "why use go")
	for _, v := range out[1:] {
		assert.NotEqual(t, "What Is Go", v)
	}
}

func TestExpandCapsAtNVariants(t *testing.T) {
	llm := stubLLM{text: "a\nb\nc\nd\ne"}
	cfg := Config{Enabled: true, NVariants: 2}
	r := New(cfg, llm, nil)

	out := r.Expand(context.Background(), "q")
	assert.Len(t, out, 3) // original + 2 variants
}

func TestExpandLLMFailureReturnsOriginalOnly(t *testing.T) {
	llm := stubLLM{err: errors.New("boom")}
	r := New(DefaultConfig(), llm, nil)

	out := r.Expand(context.Background(), "q")
	assert.Equal(t, []string{"q"}, out)
}
