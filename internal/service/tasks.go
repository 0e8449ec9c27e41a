package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypePipeline = "mix:pipeline"
	TaskTypeSegment  = "mix:segment"
	TaskTypeFinalize = "mix:finalize"
	TaskTypeSweep    = "mix:sweep"

	QueuePipeline = "pipeline"
	QueueRender   = "render"
)

// taskRetention keeps finished task ids around so a duplicate enqueue
// conflicts instead of running twice.
const taskRetention = 24 * time.Hour

// Enqueuer is the subset of *asynq.Client the pipeline needs.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SessionPayload addresses the pipeline and finalize tasks.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// SegmentPayload addresses one segment render.
type SegmentPayload struct {
	SessionID string `json:"sessionId"`
	Ordinal   int    `json:"ordinal"`
}

// EnqueuePipeline queues analysis, sequencing and strategy for a session.
func EnqueuePipeline(enq Enqueuer, sessionID string, maxRetry int) error {
	task, err := newTask(TaskTypePipeline, &SessionPayload{SessionID: sessionID})
	if err != nil {
		return err
	}
	return enqueueOnce(enq, task,
		asynq.TaskID("pipeline:"+sessionID),
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(taskRetention),
	)
}

// EnqueueSegment queues the render of one segment. Enqueuing the same
// segment twice is a no-op.
func EnqueueSegment(enq Enqueuer, sessionID string, ordinal, maxRetry int) error {
	task, err := newTask(TaskTypeSegment, &SegmentPayload{SessionID: sessionID, Ordinal: ordinal})
	if err != nil {
		return err
	}
	return enqueueOnce(enq, task,
		asynq.TaskID(fmt.Sprintf("segment:%s:%d", sessionID, ordinal)),
		asynq.Queue(QueueRender),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(taskRetention),
	)
}

// EnqueueFinalize queues the single finalize task of a session.
func EnqueueFinalize(enq Enqueuer, sessionID string, maxRetry int) error {
	task, err := newTask(TaskTypeFinalize, &SessionPayload{SessionID: sessionID})
	if err != nil {
		return err
	}
	return enqueueOnce(enq, task,
		asynq.TaskID("finalize:"+sessionID),
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(taskRetention),
	)
}

// NewSweepTask builds the periodic task that reclaims abandoned sessions.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil, asynq.Queue(QueuePipeline), asynq.MaxRetry(0))
}

func newTask(typename string, payload interface{}) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(typename, data), nil
}

func enqueueOnce(enq Enqueuer, task *asynq.Task, opts ...asynq.Option) error {
	_, err := enq.Enqueue(task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	return nil
}
