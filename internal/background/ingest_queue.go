// Package background implements C9: the bounded ingestion task queue.
// Grounded on the teacher's AdaptiveWorkerPool (worker_pool.go) for the
// worker-loop/graceful-shutdown shape, simplified to spec §4.9's fixed
// pool (no adaptive scaling, no resource monitor, no Postgres-backed
// repository) and with panic recovery added per-task — a gap in the
// teacher's own executeTask, grounded instead on Tangerg-lynx's
// pkg/safe.WithRecover recover()+debug.Stack() idiom, since no
// worker-pool file in this corpus recovers panics from task code.
package background

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/corerr"
	"dev.helix.knowledgecore/internal/models"
)

// IngestPipeline is the C8→C1→C2/C3 chain a worker runs for one task.
// Implemented by the composition root; kept as a narrow interface here
// so this package stays independent of chunk/embedding/vectordb. A
// successful run reports the passage id(s) it wrote so GetStatus can
// surface ResultPassageID.
type IngestPipeline interface {
	Run(ctx context.Context, payload models.IngestionPayload) (resultPassageID string, err error)
}

// QueueConfig controls C9 (spec §4.9 defaults).
type QueueConfig struct {
	Capacity        int
	Workers         int
	StatusRetention int
	TaskDeadline    time.Duration
	ShutdownGrace   time.Duration
}

// DefaultQueueConfig mirrors spec §4.9's defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:        1024,
		Workers:         3,
		StatusRetention: 10000,
		TaskDeadline:    120 * time.Second,
		ShutdownGrace:   30 * time.Second,
	}
}

type ingestJob struct {
	id      string
	payload models.IngestionPayload
}

// IngestQueue is C9: a bounded channel fronted by a fixed worker pool.
type IngestQueue struct {
	cfg      QueueConfig
	pipeline IngestPipeline
	logger   *logrus.Logger
	metrics  *queueMetrics

	jobs chan ingestJob

	mu          sync.Mutex
	tasks       map[string]*models.IngestionTask
	insertOrder []string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewIngestQueue starts the fixed worker pool immediately, mirroring
// the teacher's "pool started at core init" convention.
func NewIngestQueue(cfg QueueConfig, pipeline IngestPipeline, logger *logrus.Logger) *IngestQueue {
	if cfg.Capacity <= 0 || cfg.Workers <= 0 {
		cfg = DefaultQueueConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &IngestQueue{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger,
		metrics:  newQueueMetrics(),
		jobs:     make(chan ingestJob, cfg.Capacity),
		tasks:    make(map[string]*models.IngestionTask),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(i)
	}

	return q
}

// Submit enqueues payload and returns its task id immediately. It
// fails with QueueFull if the bounded channel is at capacity (spec
// §4.9) — never blocks the caller.
func (q *IngestQueue) Submit(payload models.IngestionPayload, submittedBy string) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	q.mu.Lock()
	q.tasks[id] = &models.IngestionTask{
		TaskID:      id,
		SubmittedBy: submittedBy,
		Payload:     payload,
		Status:      models.TaskPending,
		SubmittedAt: now,
	}
	q.insertOrder = append(q.insertOrder, id)
	q.evictTerminalLocked()
	q.mu.Unlock()

	select {
	case q.jobs <- ingestJob{id: id, payload: payload}:
		q.metrics.queueDepth.Inc()
		return id, nil
	default:
		q.mu.Lock()
		delete(q.tasks, id)
		q.mu.Unlock()
		return "", corerr.New(corerr.QueueFull, "background.Submit", "ingestion queue is at capacity")
	}
}

// GetStatus returns the current snapshot for taskID, or NotFound.
func (q *IngestQueue) GetStatus(taskID string) (models.IngestionTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[taskID]
	if !ok {
		return models.IngestionTask{}, corerr.New(corerr.NotFound, "background.GetStatus", "unknown ingestion task id")
	}
	return *st, nil
}

// evictTerminalLocked enforces StatusRetention by dropping the
// oldest-inserted terminal entries first (spec §4.9's insertion-order
// eviction). Caller must hold q.mu.
func (q *IngestQueue) evictTerminalLocked() {
	for len(q.tasks) > q.cfg.StatusRetention && len(q.insertOrder) > 0 {
		oldest := q.insertOrder[0]
		st, ok := q.tasks[oldest]
		if !ok || !isTerminal(st.Status) {
			// Can't evict a non-terminal (or already-gone) entry out
			// of order; stop once the oldest surviving entry isn't
			// safely droppable.
			break
		}
		delete(q.tasks, oldest)
		q.insertOrder = q.insertOrder[1:]
	}
}

func isTerminal(s models.TaskStatus) bool {
	return s == models.TaskCompleted || s == models.TaskFailed
}

// workerLoop is one of the fixed Workers goroutines. It never exits
// except on queue shutdown, and a panic inside pipeline.Run marks the
// task failed rather than taking the worker down (spec §4.9).
func (q *IngestQueue) workerLoop(idx int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			q.drainOnShutdown()
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.runJob(job)
		}
	}
}

func (q *IngestQueue) runJob(job ingestJob) {
	q.setStatus(job.id, models.TaskRunning, "", "")
	started := time.Now()

	deadline := q.cfg.TaskDeadline
	if deadline <= 0 {
		deadline = DefaultQueueConfig().TaskDeadline
	}
	taskCtx, cancel := context.WithTimeout(q.ctx, deadline)
	defer cancel()

	passageID, err := q.runPipelineRecovered(taskCtx, job.payload)
	q.metrics.taskDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		q.logger.WithError(err).WithField("task_id", job.id).Warn("ingestion task failed")
		q.setStatus(job.id, models.TaskFailed, err.Error(), "")
		return
	}
	q.setStatus(job.id, models.TaskCompleted, "", passageID)
}

// runPipelineRecovered wraps pipeline.Run with panic recovery.
func (q *IngestQueue) runPipelineRecovered(ctx context.Context, payload models.IngestionPayload) (passageID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("stack", string(debug.Stack())).Error("ingestion worker panicked")
			err = fmt.Errorf("ingestion task panicked: %v", r)
		}
	}()
	return q.pipeline.Run(ctx, payload)
}

func (q *IngestQueue) setStatus(id string, status models.TaskStatus, errMsg, passageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[id]
	if !ok {
		return
	}
	wasTerminal := isTerminal(st.Status)
	st.Status = status
	st.Error = errMsg
	if passageID != "" {
		st.ResultPassageID = passageID
	}
	if isTerminal(status) {
		st.FinishedAt = time.Now()
		if !wasTerminal {
			q.metrics.queueDepth.Dec()
			q.metrics.tasksTotal.WithLabelValues(string(status)).Inc()
		}
	}
}

// drainOnShutdown marks every still-pending job in the channel failed
// with "shutdown" (spec §4.9), without blocking.
func (q *IngestQueue) drainOnShutdown() {
	for {
		select {
		case job := <-q.jobs:
			q.setStatus(job.id, models.TaskFailed, "shutdown", "")
		default:
			return
		}
	}
}

// Shutdown cancels the queue context, marks every job still waiting in
// the channel failed with "shutdown" (workers finish their current
// task, bounded by TaskDeadline, then exit) and waits up to
// ShutdownGrace for the pool to drain.
func (q *IngestQueue) Shutdown() {
	q.cancel()
	q.drainOnShutdown()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	grace := q.cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultQueueConfig().ShutdownGrace
	}

	select {
	case <-done:
		q.logger.Info("ingestion queue stopped gracefully")
	case <-time.After(grace):
		q.logger.Warn("ingestion queue shutdown timed out")
	}
}
