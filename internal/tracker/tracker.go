// Package tracker records the lifecycle of asynq tasks as task records:
// submission by Client, then start, completion and captured output by the
// Middleware wrapped around the server's handler.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"taskdb/internal/record"
	"taskdb/internal/store"
	"taskdb/internal/telemetry"
)

// Recorder is the part of the record store the tracker writes through.
// *store.Engine satisfies it.
type Recorder interface {
	AddRecord(ctx context.Context, id string, fields record.Record) error
	GetRecord(ctx context.Context, id string) (record.Record, error)
	UpdateRecord(ctx context.Context, id string, fields record.Record) error
	DropRecord(ctx context.Context, id string) error
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// finishTimeout bounds the completion write once the task context is gone.
const finishTimeout = 10 * time.Second

// Tracker marks tasks started and finished on behalf of one engine.
type Tracker struct {
	rec        Recorder
	engineUUID string
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a Tracker writing to rec. engineUUID identifies this worker
// process on every record it executes.
func New(rec Recorder, engineUUID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{rec: rec, engineUUID: engineUUID, logger: logger, now: time.Now}
}

// Middleware wraps next so every processed task updates its record.
// Record store failures are logged and never change the task outcome.
func (t *Tracker) Middleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			return next.ProcessTask(ctx, task)
		}
		queue, _ := asynq.GetQueueName(ctx)
		t.markStarted(ctx, id, queue, task)

		capture := &Capture{}
		err := next.ProcessTask(withCapture(ctx, capture), task)

		// the task context is done after a timeout or at shutdown; the
		// outcome must still be recorded
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		t.markFinished(finishCtx, id, queue, task, capture.snapshot(), err)
		return err
	})
}

func (t *Tracker) markStarted(ctx context.Context, id, queue string, task *asynq.Task) {
	started := record.Record{
		record.FieldStarted:    t.now(),
		record.FieldEngineUUID: t.engineUUID,
	}
	err := t.rec.UpdateRecord(ctx, id, started)
	if errors.Is(err, store.ErrNotFound) {
		// enqueued by a plain asynq client; adopt it
		fields := submission(id, task.Type(), queue, "", task.Payload(), t.now())
		for f, v := range started {
			fields[f] = v
		}
		err = t.rec.AddRecord(ctx, id, fields)
	}
	if err != nil {
		t.logger.Error("record task start", "msg_id", id, "err", err)
		return
	}
	telemetry.TrackedTasks.WithLabelValues(queue, "started").Inc()
}

func (t *Tracker) markFinished(ctx context.Context, id, queue string, task *asynq.Task, out captured, taskErr error) {
	now := t.now()
	header := map[string]any{
		"msg_id":    id,
		"msg_type":  "task_reply",
		"task_type": task.Type(),
		"status":    StatusOK,
		"date":      now.UTC().Format(time.RFC3339Nano),
		"engine":    t.engineUUID,
	}
	content := out.result
	if content == nil {
		content = map[string]any{"status": StatusOK}
	}
	fields := record.Record{
		record.FieldCompleted:      now,
		record.FieldResultHeader:   header,
		record.FieldResultBuffers:  out.buffers,
		record.FieldStdout:         out.stdout,
		record.FieldStderr:         out.stderr,
		record.FieldCapturedOutput: nullable(out.display),
	}
	event := "completed"
	if taskErr != nil {
		event = "failed"
		header["status"] = StatusError
		content = map[string]any{
			"status": StatusError,
			"ename":  errorName(taskErr),
			"evalue": taskErr.Error(),
		}
		fields[record.FieldCapturedError] = taskErr.Error()
	}
	fields[record.FieldResultContent] = content

	if err := t.rec.UpdateRecord(ctx, id, fields); err != nil {
		t.logger.Error("record task result", "msg_id", id, "err", err)
		return
	}
	telemetry.TrackedTasks.WithLabelValues(queue, event).Inc()
}

// submission builds the record fields of a newly enqueued task. The raw
// payload is kept as the single buffer so the task can be resubmitted;
// a JSON object payload is also exposed as content.
func submission(id, taskType, queue, clientUUID string, payload []byte, now time.Time) record.Record {
	header := map[string]any{
		"msg_id":    id,
		"msg_type":  "task_request",
		"task_type": taskType,
		"queue":     queue,
		"date":      now.UTC().Format(time.RFC3339Nano),
	}
	var content map[string]any
	if err := json.Unmarshal(payload, &content); err != nil {
		content = nil
	}
	fields := record.Record{
		record.FieldHeader:    header,
		record.FieldSubmitted: now,
		record.FieldQueue:     queue,
		record.FieldBuffers:   [][]byte{payload},
	}
	if content != nil {
		fields[record.FieldContent] = content
	}
	if clientUUID != "" {
		header["session"] = clientUUID
		fields[record.FieldClientUUID] = clientUUID
	}
	return fields
}

func errorName(err error) string {
	if errors.Is(err, asynq.SkipRetry) {
		return "SkipRetry"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "DeadlineExceeded"
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	return "TaskError"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
