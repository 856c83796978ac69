package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.knowledgecore/internal/background"
	"dev.helix.knowledgecore/internal/cache"
	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/embedding"
	"dev.helix.knowledgecore/internal/knowledge"
	"dev.helix.knowledgecore/internal/models"
	"dev.helix.knowledgecore/internal/rag/hybrid"
	"dev.helix.knowledgecore/internal/rag/qachain"
)

func principal(id string, admin bool) models.Principal {
	role := models.RoleUser
	if admin {
		role = models.RoleAdmin
	}
	return models.Principal{ID: id, Role: role}
}

type stubIngestPipeline struct{}

func (stubIngestPipeline) Run(ctx context.Context, payload models.IngestionPayload) (string, error) {
	return "p1", nil
}

func TestSubmitIngestionRejectsAnonymous(t *testing.T) {
	c := &Core{logger: logrus.New()}
	_, err := c.SubmitIngestion(models.IngestionPayload{EntryID: "e1", OwnerID: "u1"}, models.Principal{})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.Unauthorized))
}

func TestSubmitIngestionRejectsImpersonation(t *testing.T) {
	c := &Core{logger: logrus.New()}
	_, err := c.SubmitIngestion(models.IngestionPayload{EntryID: "e1", OwnerID: "someone-else"}, principal("u1", false))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.Forbidden))
}

func TestSubmitIngestionRefusedWhileDegraded(t *testing.T) {
	c := &Core{logger: logrus.New()}
	c.degraded.Store(true)
	_, err := c.SubmitIngestion(models.IngestionPayload{EntryID: "e1", OwnerID: "u1"}, principal("u1", false))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.DimensionMismatch))
}

func TestDeletePassagesByEntryUnknownReturnsNotFound(t *testing.T) {
	c := &Core{logger: logrus.New(), entryIndex: knowledge.NewEntryIndex()}
	err := c.DeletePassagesByEntry(context.Background(), "missing", principal("u1", false))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.NotFound))
}

func TestDeletePassagesByEntryForbidsNonOwner(t *testing.T) {
	c := &Core{logger: logrus.New(), entryIndex: knowledge.NewEntryIndex()}
	c.entryIndex.Record("e1", "owner1", []string{"p1"})
	err := c.DeletePassagesByEntry(context.Background(), "e1", principal("someone-else", false))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.Forbidden))
}

func TestTaskStatusForbidsNonOwner(t *testing.T) {
	logger := logrus.New()
	queue := background.NewIngestQueue(background.DefaultQueueConfig(), stubIngestPipeline{}, logger)
	defer queue.Shutdown()
	c := &Core{logger: logger, queue: queue}

	taskID, err := c.queue.Submit(models.IngestionPayload{EntryID: "e1"}, "owner1")
	require.NoError(t, err)

	_, err = c.TaskStatus(taskID, principal("someone-else", false))
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.Forbidden))

	task, err := c.TaskStatus(taskID, principal("owner1", false))
	require.NoError(t, err)
	assert.Equal(t, taskID, task.TaskID)
}

func TestReloadEmbeddingProviderDimensionChangeDegradesAndEvictsCache(t *testing.T) {
	logger := logrus.New()
	registry := embedding.NewRegistry(logger)
	registry.Register("p8", embedding.NewLocalProvider("p8", 8))
	registry.Register("p16", embedding.NewLocalProvider("p16", 16))
	require.NoError(t, registry.Activate("p8"))

	embedder := &activeEmbedder{registry: registry}
	semCache := cache.New(embedder, nil, cache.DefaultConfig(), logger)
	semCache.Put(context.Background(), "q1", principal("u1", false), make([]float32, 8), "a1", nil, time.Hour)

	c := &Core{logger: logger, registry: registry, semCache: semCache}

	report, err := c.ReloadEmbeddingProvider(context.Background(), "p16")
	require.NoError(t, err)
	assert.True(t, report.DimensionChanged)
	assert.True(t, c.degraded.Load())

	_, ok := semCache.Get(context.Background(), "q1", principal("u1", false))
	assert.False(t, ok)
}

func TestReloadEmbeddingProviderSameTargetIsNoOp(t *testing.T) {
	logger := logrus.New()
	registry := embedding.NewRegistry(logger)
	registry.Register("p8", embedding.NewLocalProvider("p8", 8))
	require.NoError(t, registry.Activate("p8"))
	c := &Core{logger: logger, registry: registry}

	report, err := c.ReloadEmbeddingProvider(context.Background(), "p8")
	require.NoError(t, err)
	assert.True(t, report.NoOp)
	assert.False(t, c.degraded.Load())
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, question string, principal models.Principal, groupFilter []string) (hybrid.Result, error) {
	return hybrid.Result{}, nil
}

type stubCache struct{}

func (stubCache) Get(ctx context.Context, question string, principal models.Principal) (models.CacheEntry, bool) {
	return models.CacheEntry{}, false
}
func (stubCache) Put(ctx context.Context, question string, principal models.Principal, fingerprint []float32, answer string, sources []string, ttl time.Duration) {
}

type stubEmbedder struct{}

func (stubEmbedder) EncodeSingle(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

type blockingLLM struct {
	release chan struct{}
}

func (l *blockingLLM) Complete(ctx context.Context, prompt string) (string, error) {
	<-l.release
	return "answer", nil
}

func (l *blockingLLM) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	tok := make(chan string)
	errc := make(chan error)
	close(tok)
	close(errc)
	return tok, errc
}

func TestAnswerReturnsSessionBusyForConcurrentSameSession(t *testing.T) {
	logger := logrus.New()
	llm := &blockingLLM{release: make(chan struct{})}
	qa := qachain.New(stubRetriever{}, stubCache{}, stubEmbedder{}, llm, qachain.DefaultConfig(), logger)
	c := &Core{logger: logger, qa: qa, sessionLocks: make(map[string]*sync.Mutex)}

	session := &models.ConversationState{SessionID: "s1"}
	done := make(chan struct{})
	go func() {
		_, _, _ = c.Answer(context.Background(), qachain.AnswerRequest{Question: "q", Session: session, Principal: principal("u1", false)})
		close(done)
	}()

	// Give the first call time to acquire the session lock before the
	// second one races it.
	time.Sleep(20 * time.Millisecond)

	_, _, err := c.Answer(context.Background(), qachain.AnswerRequest{Question: "q2", Session: session, Principal: principal("u1", false)})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.SessionBusy))

	close(llm.release)
	<-done
}
