// Package queue provides a durable, Redis-backed job queue with per-job retry
// and backoff. It carries no business semantics: payloads are typed per queue
// instance and job IDs are supplied by the caller, so re-enqueueing the same
// logical unit of work coalesces instead of duplicating.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoHandler is returned by Start when no worker was registered.
	ErrNoHandler = errors.New("queue: no handler registered")
)

// terminalError marks a handler error that must not be retried.
type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// Fail wraps an error so the job fails immediately, skipping any remaining
// attempts. Use for configuration errors and other failures a retry cannot
// fix.
func Fail(err error) error {
	return terminalError{err: err}
}

// BackoffKind selects the retry delay schedule.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Options control retry behavior for one enqueued job.
type Options struct {
	Attempts int         // max handler invocations; min 1
	Backoff  BackoffKind // delay schedule between attempts
	Delay    time.Duration
}

// Job is one unit of work handed to a handler.
type Job[T any] struct {
	ID      string
	Payload T
	Attempt int // 1-based
}

// Handler processes one job attempt. Returning an error schedules a retry
// until the job's attempt budget is exhausted.
type Handler[T any] func(ctx context.Context, job Job[T]) error

// Counts is an aggregate snapshot of a queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// jobRecord is the persisted form of a job between attempts.
type jobRecord struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Attempts   int             `json:"attempts"`
	Backoff    BackoffKind     `json:"backoff"`
	DelayMs    int64           `json:"delay_ms"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is one named durable queue. Safe for concurrent use; Start launches
// the worker pool and Close drains it.
type Queue[T any] struct {
	name   string
	client *redis.Client

	handler     Handler[T]
	concurrency int

	mu          sync.Mutex
	onCompleted []func(jobID string)
	onFailed    []func(jobID string, errMsg string)
	onError     []func(err error)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a queue bound to the given Redis client.
func New[T any](client *redis.Client, name string) *Queue[T] {
	return &Queue[T]{name: name, client: client}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// enqueueScript atomically rejects a duplicate live job ID, persists the job
// record, and pushes the ID onto the pending list.
var enqueueScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`)

// promoteScript moves due delayed jobs back onto the pending list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

// Enqueue adds a job under the caller-supplied ID. If a live job with the
// same ID already exists (waiting, delayed, or active) the call coalesces and
// returns false with no error.
func (q *Queue[T]) Enqueue(ctx context.Context, jobID string, payload T, opts Options) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("enqueue on %s: empty job id", q.name)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffFixed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("enqueue on %s: marshal payload: %w", q.name, err)
	}
	rec := jobRecord{
		ID:         jobID,
		Payload:    raw,
		Attempt:    0,
		Attempts:   opts.Attempts,
		Backoff:    opts.Backoff,
		DelayMs:    opts.Delay.Milliseconds(),
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("enqueue on %s: marshal record: %w", q.name, err)
	}

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.idsKey(), q.jobKey(jobID), q.pendingKey()},
		jobID, data).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue on %s: %w", q.name, err)
	}
	return added == 1, nil
}

// RegisterWorker sets the handler and worker-pool size. Must be called
// before Start.
func (q *Queue[T]) RegisterWorker(handler Handler[T], concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.handler = handler
	q.concurrency = concurrency
}

// OnCompleted registers a callback fired after a job finishes successfully.
// Callbacks run on worker goroutines and must not block for long.
func (q *Queue[T]) OnCompleted(fn func(jobID string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCompleted = append(q.onCompleted, fn)
}

// OnFailed registers a callback fired after a job exhausts its attempts.
func (q *Queue[T]) OnFailed(fn func(jobID string, errMsg string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

// OnError registers a callback for infrastructure errors (broker I/O,
// corrupt records). Handler errors are not infrastructure errors.
func (q *Queue[T]) OnError(fn func(err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = append(q.onError, fn)
}

// Start launches the worker pool and the delayed-job promoter.
func (q *Queue[T]) Start(ctx context.Context) error {
	if q.handler == nil {
		return ErrNoHandler
	}
	if q.started {
		return fmt.Errorf("queue %s already started", q.name)
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.workerLoop(ctx)
		}()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.promoteLoop(ctx)
	}()
	return nil
}

// Close stops the workers and waits for in-flight handlers to return.
func (q *Queue[T]) Close() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Pause stops workers from picking up new jobs. In-flight jobs finish.
func (q *Queue[T]) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume clears a pause.
func (q *Queue[T]) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// Counts returns an aggregate snapshot of the queue.
func (q *Queue[T]) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.Get(ctx, q.completedKey())
	failed := pipe.Get(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, fmt.Errorf("counts on %s: %w", q.name, err)
	}

	c := Counts{
		Waiting: pending.Val() + delayed.Val(),
		Active:  active.Val(),
	}
	c.Completed, _ = strconv.ParseInt(completed.Val(), 10, 64)
	c.Failed, _ = strconv.ParseInt(failed.Val(), 10, 64)
	return c, nil
}

func (q *Queue[T]) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		paused, err := q.client.Exists(ctx, q.pausedKey()).Result()
		if err == nil && paused == 1 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		jobID, err := q.client.BLMove(ctx, q.pendingKey(), q.activeKey(), "RIGHT", "LEFT", time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.emitError(fmt.Errorf("pop on %s: %w", q.name, err))
			sleep(ctx, time.Second)
			continue
		}

		q.runJob(ctx, jobID)
	}
}

// runJob executes one attempt and applies the retry/terminal transition.
func (q *Queue[T]) runJob(ctx context.Context, jobID string) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		q.discard(ctx, jobID)
		q.emitError(fmt.Errorf("load job %s on %s: %w", jobID, q.name, err))
		return
	}

	var rec jobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		q.discard(ctx, jobID)
		q.emitError(fmt.Errorf("decode job %s on %s: %w", jobID, q.name, err))
		return
	}

	var payload T
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		q.finishFailed(ctx, jobID, fmt.Sprintf("decode payload: %v", err))
		return
	}

	rec.Attempt++
	handlerErr := q.invoke(ctx, Job[T]{ID: jobID, Payload: payload, Attempt: rec.Attempt})

	if handlerErr == nil {
		q.finishCompleted(ctx, jobID)
		return
	}

	var terminal terminalError
	if rec.Attempt >= rec.Attempts || errors.As(handlerErr, &terminal) {
		q.finishFailed(ctx, jobID, handlerErr.Error())
		return
	}

	// Retry: park in the delayed set until the backoff elapses.
	rec.LastError = handlerErr.Error()
	updated, err := json.Marshal(rec)
	if err != nil {
		q.finishFailed(ctx, jobID, handlerErr.Error())
		return
	}
	delay := retryDelay(rec.Backoff, time.Duration(rec.DelayMs)*time.Millisecond, rec.Attempt)
	readyAt := float64(time.Now().Add(delay).UnixMilli())

	pipe := q.client.Pipeline()
	pipe.Set(ctx, q.jobKey(jobID), updated, 0)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: jobID})
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("park job %s on %s: %w", jobID, q.name, err))
	}
	slog.Debug("job retry scheduled",
		"queue", q.name, "job_id", jobID, "attempt", rec.Attempt, "delay", delay, "error", handlerErr)
}

// invoke runs the handler, converting a panic into a failed attempt.
func (q *Queue[T]) invoke(ctx context.Context, job Job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

func (q *Queue[T]) finishCompleted(ctx context.Context, jobID string) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.SRem(ctx, q.idsKey(), jobID)
	pipe.Incr(ctx, q.completedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("complete job %s on %s: %w", jobID, q.name, err))
	}

	q.mu.Lock()
	callbacks := append([]func(string){}, q.onCompleted...)
	q.mu.Unlock()
	for _, fn := range callbacks {
		fn(jobID)
	}
}

func (q *Queue[T]) finishFailed(ctx context.Context, jobID, errMsg string) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.SRem(ctx, q.idsKey(), jobID)
	pipe.Incr(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("fail job %s on %s: %w", jobID, q.name, err))
	}
	slog.Warn("job failed terminally", "queue", q.name, "job_id", jobID, "error", errMsg)

	q.mu.Lock()
	callbacks := append([]func(string, string){}, q.onFailed...)
	q.mu.Unlock()
	for _, fn := range callbacks {
		fn(jobID, errMsg)
	}
}

// discard removes a job whose record is missing or corrupt.
func (q *Queue[T]) discard(ctx context.Context, jobID string) {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.SRem(ctx, q.idsKey(), jobID)
	_, _ = pipe.Exec(ctx)
}

func (q *Queue[T]) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			if err := promoteScript.Run(ctx, q.client,
				[]string{q.delayedKey(), q.pendingKey()}, now).Err(); err != nil && err != redis.Nil {
				if ctx.Err() == nil {
					q.emitError(fmt.Errorf("promote on %s: %w", q.name, err))
				}
			}
		}
	}
}

func (q *Queue[T]) emitError(err error) {
	q.mu.Lock()
	callbacks := append([]func(error){}, q.onError...)
	q.mu.Unlock()
	if len(callbacks) == 0 {
		slog.Error("queue error", "queue", q.name, "error", err)
		return
	}
	for _, fn := range callbacks {
		fn(err)
	}
}

// retryDelay computes the wait before the next attempt. attempt is the
// attempt that just failed (1-based).
func retryDelay(kind BackoffKind, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if kind != BackoffExponential {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (q *Queue[T]) pendingKey() string   { return "queue:" + q.name + ":pending" }
func (q *Queue[T]) delayedKey() string   { return "queue:" + q.name + ":delayed" }
func (q *Queue[T]) activeKey() string    { return "queue:" + q.name + ":active" }
func (q *Queue[T]) idsKey() string       { return "queue:" + q.name + ":ids" }
func (q *Queue[T]) pausedKey() string    { return "queue:" + q.name + ":paused" }
func (q *Queue[T]) completedKey() string { return "queue:" + q.name + ":completed" }
func (q *Queue[T]) failedKey() string    { return "queue:" + q.name + ":failed" }
func (q *Queue[T]) jobKey(id string) string {
	return "queue:" + q.name + ":job:" + id
}
