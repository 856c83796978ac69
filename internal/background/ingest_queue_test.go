package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/models"
)

type stubPipeline struct {
	mu        sync.Mutex
	calls     int
	err       error
	panics    bool
	delay     time.Duration
	passageID string
}

func (p *stubPipeline) Run(ctx context.Context, payload models.IngestionPayload) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panics {
		panic("boom")
	}
	return p.passageID, p.err
}

func waitForStatus(t *testing.T, q *IngestQueue, id string, want models.TaskStatus) models.IngestionTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := q.GetStatus(id)
		require.NoError(t, err)
		if st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
	return models.IngestionTask{}
}

func TestSubmitAndCompleteSuccessfully(t *testing.T) {
	pipeline := &stubPipeline{passageID: "p1"}
	q := NewIngestQueue(DefaultQueueConfig(), pipeline, nil)
	defer q.Shutdown()

	id, err := q.Submit(models.IngestionPayload{EntryID: "e1", Text: "hello"}, "u1")
	require.NoError(t, err)

	st := waitForStatus(t, q, id, models.TaskCompleted)
	assert.Empty(t, st.Error)
	assert.Equal(t, "p1", st.ResultPassageID)
}

func TestSubmitFailedPipelineMarksFailed(t *testing.T) {
	pipeline := &stubPipeline{err: errors.New("upsert failed")}
	q := NewIngestQueue(DefaultQueueConfig(), pipeline, nil)
	defer q.Shutdown()

	id, err := q.Submit(models.IngestionPayload{EntryID: "e1"}, "u1")
	require.NoError(t, err)

	st := waitForStatus(t, q, id, models.TaskFailed)
	assert.Equal(t, "upsert failed", st.Error)
}

func TestPanickingPipelineMarksFailedAndWorkerSurvives(t *testing.T) {
	pipeline := &stubPipeline{panics: true}
	cfg := DefaultQueueConfig()
	cfg.Workers = 1
	q := NewIngestQueue(cfg, pipeline, nil)
	defer q.Shutdown()

	id, err := q.Submit(models.IngestionPayload{EntryID: "e1"}, "u1")
	require.NoError(t, err)
	waitForStatus(t, q, id, models.TaskFailed)

	// worker should still be alive to process a second task
	pipeline.panics = false
	id2, err := q.Submit(models.IngestionPayload{EntryID: "e2"}, "u1")
	require.NoError(t, err)
	waitForStatus(t, q, id2, models.TaskCompleted)
}

func TestSubmitQueueFullReturnsQueueFull(t *testing.T) {
	pipeline := &stubPipeline{delay: 200 * time.Millisecond}
	cfg := QueueConfig{Capacity: 1, Workers: 1, StatusRetention: 100, TaskDeadline: time.Second, ShutdownGrace: time.Second}
	q := NewIngestQueue(cfg, pipeline, nil)
	defer q.Shutdown()

	// first fills the single worker, second fills the capacity-1 buffer
	_, err := q.Submit(models.IngestionPayload{EntryID: "e1"}, "u1")
	require.NoError(t, err)
	_, err = q.Submit(models.IngestionPayload{EntryID: "e2"}, "u1")
	require.NoError(t, err)

	_, err = q.Submit(models.IngestionPayload{EntryID: "e3"}, "u1")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.QueueFull))
}

func TestGetStatusUnknownReturnsNotFound(t *testing.T) {
	q := NewIngestQueue(DefaultQueueConfig(), &stubPipeline{}, nil)
	defer q.Shutdown()

	_, err := q.GetStatus("does-not-exist")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.NotFound))
}

func TestShutdownMarksPendingJobsFailed(t *testing.T) {
	pipeline := &stubPipeline{delay: 500 * time.Millisecond}
	cfg := QueueConfig{Capacity: 10, Workers: 1, StatusRetention: 100, TaskDeadline: time.Second, ShutdownGrace: 50 * time.Millisecond}
	q := NewIngestQueue(cfg, pipeline, nil)

	_, _ = q.Submit(models.IngestionPayload{EntryID: "e1"}, "u1") // occupies the single worker
	id2, err := q.Submit(models.IngestionPayload{EntryID: "e2"}, "u1")
	require.NoError(t, err)

	q.Shutdown()

	st, err := q.GetStatus(id2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, st.Status)
	assert.Equal(t, "shutdown", st.Error)
}

func TestStatusRetentionEvictsOldestTerminalEntries(t *testing.T) {
	pipeline := &stubPipeline{}
	cfg := DefaultQueueConfig()
	cfg.StatusRetention = 2
	q := NewIngestQueue(cfg, pipeline, nil)
	defer q.Shutdown()

	id1, _ := q.Submit(models.IngestionPayload{EntryID: "e1"}, "u1")
	waitForStatus(t, q, id1, models.TaskCompleted)
	id2, _ := q.Submit(models.IngestionPayload{EntryID: "e2"}, "u1")
	waitForStatus(t, q, id2, models.TaskCompleted)
	id3, _ := q.Submit(models.IngestionPayload{EntryID: "e3"}, "u1")
	waitForStatus(t, q, id3, models.TaskCompleted)

	_, err := q.GetStatus(id1)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.NotFound))
}
