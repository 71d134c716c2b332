package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"taskdb/internal/record"
	"taskdb/internal/telemetry"
)

// Client enqueues asynq tasks and records their submission first, so the
// record exists before any worker can pick the task up.
type Client struct {
	client     *asynq.Client
	rec        Recorder
	queue      string
	clientUUID string
	now        func() time.Time
}

type ClientOptions struct {
	// Queue is the default queue; "default" when empty.
	Queue string
	// ClientUUID identifies the submitting session on every record.
	ClientUUID string
}

func NewClient(redisOpt asynq.RedisConnOpt, rec Recorder, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	return &Client{
		client:     asynq.NewClient(redisOpt),
		rec:        rec,
		queue:      q,
		clientUUID: opts.ClientUUID,
		now:        time.Now,
	}
}

// Enqueue JSON-encodes payload and submits a task of taskType.
func (c *Client) Enqueue(ctx context.Context, taskType string, payload any, options ...asynq.Option) (*asynq.TaskInfo, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.enqueue(ctx, taskType, raw, c.queue, options...)
}

func (c *Client) enqueue(ctx context.Context, taskType string, raw []byte, queue string, options ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.client == nil {
		return nil, errors.New("nil asynq client")
	}
	id := record.NewID()
	if err := c.rec.AddRecord(ctx, id, submission(id, taskType, queue, c.clientUUID, raw, c.now())); err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}
	opts := append(options, asynq.Queue(queue), asynq.TaskID(id))
	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, raw), opts...)
	if err != nil {
		if dropErr := c.rec.DropRecord(ctx, id); dropErr != nil {
			return nil, errors.Join(err, dropErr)
		}
		return nil, err
	}
	telemetry.TrackedTasks.WithLabelValues(info.Queue, "submitted").Inc()
	return info, nil
}

// Resubmit enqueues a new task from the stored record of id and marks the
// original resubmitted. The new task gets a fresh msg_id.
func (c *Client) Resubmit(ctx context.Context, id string, options ...asynq.Option) (*asynq.TaskInfo, error) {
	rec, err := c.rec.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	taskType, _ := rec.Mapping(record.FieldHeader)["task_type"].(string)
	bufs := rec.Buffers(record.FieldBuffers)
	if taskType == "" || len(bufs) != 1 {
		return nil, fmt.Errorf("%w: %s was not submitted by the tracker", record.ErrInvalidRecord, id)
	}
	queue, ok := rec.String(record.FieldQueue)
	if !ok || queue == "" {
		queue = c.queue
	}
	info, err := c.enqueue(ctx, taskType, bufs[0], queue, options...)
	if err != nil {
		return nil, err
	}
	if err := c.rec.UpdateRecord(ctx, id, record.Record{record.FieldResubmitted: c.now()}); err != nil {
		return info, fmt.Errorf("mark %s resubmitted: %w", id, err)
	}
	telemetry.TrackedTasks.WithLabelValues(info.Queue, "resubmitted").Inc()
	return info, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
