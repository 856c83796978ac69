package qachain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.knowledgecore/internal/models"
	"dev.helix.knowledgecore/internal/rag/hybrid"
)

type stubRetriever struct {
	result hybrid.Result
	err    error
}

func (s stubRetriever) Retrieve(ctx context.Context, question string, principal models.Principal, groupFilter []string) (hybrid.Result, error) {
	return s.result, s.err
}

type stubCache struct {
	hit   models.CacheEntry
	found bool
	put   bool
}

func (s *stubCache) Get(ctx context.Context, question string, principal models.Principal) (models.CacheEntry, bool) {
	return s.hit, s.found
}

func (s *stubCache) Put(ctx context.Context, question string, principal models.Principal, fingerprint []float32, answer string, sources []string, ttl time.Duration) {
	s.put = true
}

type stubEmbedder struct{}

func (stubEmbedder) EncodeSingle(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type stubLLM struct {
	completion string
	err        error
	tokens     []string
}

func (s stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.completion, s.err
}

func (s stubLLM) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	tokCh := make(chan string, len(s.tokens))
	errCh := make(chan error, 1)
	for _, t := range s.tokens {
		tokCh <- t
	}
	close(tokCh)
	close(errCh)
	return tokCh, errCh
}

func principal() models.Principal {
	return models.Principal{ID: "u1", Role: models.RoleUser}
}

func TestAnswerCacheHitSkipsRetrieval(t *testing.T) {
	cache := &stubCache{found: true, hit: models.CacheEntry{Answer: "cached answer", Sources: []string{"p1"}}}
	// Retrieve would error if called, proving the cache-hit short
	// circuit actually skipped it.
	retriever := stubRetriever{err: errors.New("retrieve should not be called on a cache hit")}
	chain := New(retriever, cache, stubEmbedder{}, stubLLM{}, DefaultConfig(), nil)

	result, ch, err := chain.Answer(context.Background(), AnswerRequest{Question: "q", Principal: principal()})
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.True(t, result.FromCache)
	assert.Equal(t, "cached answer", result.Answer)
}

func TestAnswerNonStreamingExtractsCitationsAndCachesResult(t *testing.T) {
	cache := &stubCache{}
	retriever := stubRetriever{result: hybrid.Result{Passages: []hybrid.Passage{
		{PassageID: "p1", Text: "Go is a language."},
		{PassageID: "p2", Text: "It was created at Google."},
	}}}
	llm := stubLLM{completion: "Go is a language[^1] created at Google[^2]."}
	chain := New(retriever, cache, stubEmbedder{}, llm, DefaultConfig(), nil)

	result, ch, err := chain.Answer(context.Background(), AnswerRequest{Question: "what is go", Principal: principal()})
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.False(t, result.FromCache)
	assert.False(t, result.IsRefusal)
	assert.ElementsMatch(t, []string{"p1", "p2"}, result.Sources)
	assert.Equal(t, 1, result.Highlights[1])
	assert.Equal(t, 1, result.Highlights[2])
	assert.True(t, cache.put)
}

func TestAnswerRefusalWhenNoCitationsAndRefusalPhrase(t *testing.T) {
	cache := &stubCache{}
	retriever := stubRetriever{result: hybrid.Result{Passages: []hybrid.Passage{{PassageID: "p1", Text: "unrelated"}}}}
	llm := stubLLM{completion: "I don't know based on the provided passages."}
	chain := New(retriever, cache, stubEmbedder{}, llm, DefaultConfig(), nil)

	result, _, err := chain.Answer(context.Background(), AnswerRequest{Question: "q", Principal: principal()})
	require.NoError(t, err)
	assert.True(t, result.IsRefusal)
	assert.False(t, cache.put)
}

func TestAnswerStreamingYieldsTokensThenCompletion(t *testing.T) {
	cache := &stubCache{}
	retriever := stubRetriever{result: hybrid.Result{Passages: []hybrid.Passage{{PassageID: "p1", Text: "fact one"}}}}
	llm := stubLLM{tokens: []string{"The ", "answer[^1]."}}
	chain := New(retriever, cache, stubEmbedder{}, llm, DefaultConfig(), nil)

	_, ch, err := chain.Answer(context.Background(), AnswerRequest{Question: "q", Principal: principal(), Stream: true})
	require.NoError(t, err)
	require.NotNil(t, ch)

	var tokens []string
	var final *AnswerResult
	var sawSources, sawHighlights bool
	for ev := range ch {
		switch ev.Kind {
		case EventSources:
			sawSources = true
			require.Len(t, ev.Sources, 1)
			assert.Equal(t, "p1", ev.Sources[0].PassageID)
		case EventChunk:
			require.False(t, sawHighlights, "chunk must not arrive after highlights")
			tokens = append(tokens, ev.Chunk)
		case EventHighlights:
			sawHighlights = true
			assert.Equal(t, 1, ev.Highlights[1])
		case EventDone:
			final = ev.Result
		}
	}

	assert.True(t, sawSources)
	assert.True(t, sawHighlights)
	require.NotNil(t, final)
	assert.Equal(t, "The answer[^1].", strings.Join(tokens, ""))
	assert.Equal(t, []string{"p1"}, final.Sources)
}

func TestTruncateContentKeepsHeadAndTail(t *testing.T) {
	content := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := truncateContent(content, 60)
	assert.LessOrEqual(t, len(out), 60+len("… [truncated] …"))
	assert.True(t, strings.HasPrefix(out, "aaa"))
	assert.True(t, strings.HasSuffix(out, "bbb"))
}

func TestTruncateContentNoopWhenUnderLimit(t *testing.T) {
	assert.Equal(t, "short", truncateContent("short", 2000))
}

func TestCompressHistorySummarizesOlderTurns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistoryTurns = 3
	cfg.KeepRecentTurns = 1
	chain := New(stubRetriever{}, &stubCache{}, stubEmbedder{}, stubLLM{completion: "summary"}, cfg, nil)

	turns := []models.Turn{
		{Role: "user", Content: "t1"},
		{Role: "assistant", Content: "t2"},
		{Role: "user", Content: "t3"},
		{Role: "assistant", Content: "t4"},
	}
	session := &models.ConversationState{SessionID: "s1", Turns: turns}
	compressed := chain.compressHistory(context.Background(), session)

	require.Len(t, compressed, 2)
	assert.Equal(t, "summary", compressed[0].Kind)
	assert.Equal(t, "t4", compressed[1].Content)
}

func TestCompressHistoryNoopUnderLimit(t *testing.T) {
	chain := New(stubRetriever{}, &stubCache{}, stubEmbedder{}, stubLLM{}, DefaultConfig(), nil)
	turns := []models.Turn{{Role: "user", Content: "t1"}}
	session := &models.ConversationState{SessionID: "s1", Turns: turns}
	compressed := chain.compressHistory(context.Background(), session)
	assert.Equal(t, turns, compressed)
}

func TestCompressHistoryFallsBackToTruncationWhenSummarizerFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistoryTurns = 3
	cfg.KeepRecentTurns = 1
	chain := New(stubRetriever{}, &stubCache{}, stubEmbedder{}, stubLLM{err: errors.New("llm down")}, cfg, nil)

	turns := []models.Turn{
		{Role: "user", Content: "t1"},
		{Role: "assistant", Content: "t2"},
		{Role: "user", Content: "t3"},
		{Role: "assistant", Content: "t4"},
	}
	session := &models.ConversationState{SessionID: "s1", Turns: turns}
	compressed := chain.compressHistory(context.Background(), session)

	require.Len(t, compressed, 1)
	assert.Equal(t, "t4", compressed[0].Content)
	assert.Empty(t, compressed[0].Kind)
}
