// Package background implements C9: a bounded, worker-pool-backed
// ingestion task queue (spec §4.9), adapted from the teacher's
// task_queue.go/worker_pool.go pair into a single in-memory queue since
// the relational persistence and resource-monitoring/stuck-detection
// machinery those files built around are out of this core's scope
// (spec §1's "no PostgreSQL-backed job persistence").
//
//	queue := background.NewIngestQueue(background.DefaultQueueConfig(), pipeline, logger)
//	taskID, err := queue.Submit(payload, submittedBy)
//	task, err := queue.GetStatus(taskID)
//	queue.Shutdown()
package background
