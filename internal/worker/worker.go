// Package worker hosts the dispatch loop: dequeue, execute through the
// handler registry, persist the outcome, then acknowledge. Concurrency is
// bounded by a weighted semaphore; each execution heartbeats its lease.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/queue"
	"github.com/mwwoodworth/aurea-orchestrator/internal/registry"
	"github.com/mwwoodworth/aurea-orchestrator/internal/resilience"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
	"github.com/mwwoodworth/aurea-orchestrator/internal/telemetry"
)

// Queue is the queue-engine surface the worker consumes.
type Queue interface {
	Dequeue(ctx context.Context, consumer string) (*queue.Message, error)
	Ack(ctx context.Context, msg *queue.Message) error
	Nack(ctx context.Context, msg *queue.Message, cause string) error
	ExtendLease(ctx context.Context, msg *queue.Message) error
	SetStatus(ctx context.Context, taskID string, status schema.TaskStatus, extra map[string]any)
	BumpTypeCounter(ctx context.Context, taskType, outcome string)
}

// Ledger is the durable-store surface the worker writes.
type Ledger interface {
	MarkTaskRunning(ctx context.Context, id uuid.UUID, retryCount int) error
	StartRun(ctx context.Context, run *schema.RunRecord) error
	FinishRun(ctx context.Context, runID uuid.UUID, status schema.RunStatus, metrics, errorDetails map[string]any) error
	CompleteTask(ctx context.Context, id uuid.UUID, status schema.TaskStatus, lastError string) error
	RequeueTask(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Dispatched uint64
	Succeeded  uint64
	Failed     uint64
	Skipped    uint64
}

// Worker runs the dispatch loop for one consumer identity.
type Worker struct {
	q          Queue
	db         Ledger
	locks      TaskLocker
	reg        *registry.Registry
	cfg        config.WorkerConfig
	leaseTTL   time.Duration
	maxRetries int
	log        *zap.Logger
	metrics    *telemetry.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	execCtx    context.Context
	execCancel context.CancelFunc
	stopping   atomic.Bool

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
}

// New builds a worker. metrics may be nil.
func New(q Queue, db Ledger, locks TaskLocker, reg *registry.Registry, cfg config.WorkerConfig, queueCfg config.QueueConfig, log *zap.Logger, metrics *telemetry.Metrics) *Worker {
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "worker-" + uuid.NewString()[:8]
		cfg.Consumer = consumer
	}
	return &Worker{
		q:          q,
		db:         db,
		locks:      locks,
		reg:        reg,
		cfg:        cfg,
		leaseTTL:   queueCfg.LeaseTTL,
		maxRetries: queueCfg.MaxRetries,
		log:        log.With(zap.String("consumer", consumer)),
		metrics:    metrics,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
	}
}

// Consumer returns the consumer identity used against the group.
func (w *Worker) Consumer() string { return w.cfg.Consumer }

// Stats snapshots the dispatch counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Dispatched: w.dispatched.Load(),
		Succeeded:  w.succeeded.Load(),
		Failed:     w.failed.Load(),
		Skipped:    w.skipped.Load(),
	}
}

// Run dispatches until ctx is cancelled, then drains: no new dequeues,
// in-flight executions get DrainTimeout to finish before their contexts
// are cancelled. Cancelled executions neither ack nor nack; their leases
// expire and reclamation re-delivers the messages.
func (w *Worker) Run(ctx context.Context) error {
	w.execCtx, w.execCancel = context.WithCancel(context.Background())
	defer w.execCancel()

	w.log.Info("worker started",
		zap.Int64("max_concurrency", w.cfg.MaxConcurrency),
		zap.Duration("lease_ttl", w.leaseTTL))

	for ctx.Err() == nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		msg, err := w.q.Dequeue(ctx, w.cfg.Consumer)
		if err != nil {
			w.sem.Release(1)
			if errors.Is(err, queue.ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Warn("dequeue failed", zap.Error(err))
			if serr := sleepCtx(ctx, w.cfg.EmptyBackoff); serr != nil {
				break
			}
			continue
		}

		w.wg.Add(1)
		w.dispatched.Add(1)
		if w.metrics != nil {
			w.metrics.InFlight.Inc()
		}
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			if w.metrics != nil {
				defer w.metrics.InFlight.Dec()
			}
			w.process(msg)
		}()
	}

	w.stopping.Store(true)
	w.log.Info("worker draining", zap.Duration("timeout", w.cfg.DrainTimeout))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("worker drained", zap.Uint64("dispatched", w.dispatched.Load()))
	case <-time.After(w.cfg.DrainTimeout):
		w.log.Warn("drain timeout, cancelling in-flight executions")
		w.execCancel()
		<-done
	}
	return nil
}

// process handles one delivered message end to end.
func (w *Worker) process(msg *queue.Message) {
	ctx := w.execCtx
	log := w.log.With(
		zap.String("task_id", msg.TaskID()),
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type()),
		zap.Int("retry_count", msg.RetryCount()))

	taskID, err := uuid.Parse(msg.TaskID())
	if err != nil {
		log.Error("malformed task id, quarantining")
		w.quarantine(ctx, msg, "malformed task id")
		return
	}

	handler, err := w.reg.Resolve(schema.TaskType(msg.Type()))
	if err != nil {
		log.Error("no handler for type, quarantining")
		w.quarantine(ctx, msg, err.Error())
		return
	}

	// One runner per task. Losing the lock means a concurrent delivery is
	// already executing; this copy is safe to acknowledge.
	if w.locks != nil {
		ok, lerr := w.locks.Acquire(ctx, msg.TaskID(), w.leaseTTL)
		if lerr != nil {
			log.Warn("task lock check failed", zap.Error(lerr))
		} else if !ok {
			log.Info("task locked elsewhere, skipping duplicate delivery")
			w.skipped.Add(1)
			_ = w.q.Ack(ctx, msg)
			return
		} else {
			defer w.locks.Release(context.Background(), msg.TaskID())
		}
	}

	attempt := msg.RetryCount() + 1
	if err := w.db.MarkTaskRunning(ctx, taskID, msg.RetryCount()); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			log.Info("task already terminal, dropping duplicate delivery")
			w.skipped.Add(1)
			_ = w.q.Ack(ctx, msg)
			return
		}
		log.Error("mark running failed", zap.Error(err))
		_ = w.q.Nack(ctx, msg, "ledger unavailable: "+err.Error())
		return
	}
	w.q.SetStatus(ctx, msg.TaskID(), schema.StatusRunning, map[string]any{
		"worker":  w.cfg.Consumer,
		"attempt": attempt,
	})

	run := schema.NewRunRecord(taskID, attempt)
	if err := w.db.StartRun(ctx, run); err != nil {
		log.Error("run open failed", zap.Error(err))
		_ = w.q.Nack(ctx, msg, "ledger unavailable: "+err.Error())
		return
	}

	payload, perr := msg.Payload()
	if perr != nil {
		w.finishFailure(ctx, msg, taskID, run, resilience.Permanent(fmt.Errorf("payload decode: %w", perr)), 0, log)
		return
	}

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	execCtx, execCancel := context.WithTimeout(ctx, w.cfg.Deadline(msg.Type()))
	go w.heartbeat(msg, execCancel, hbStop, hbDone, log)

	start := time.Now()
	result, execErr := handler.Execute(execCtx, msg.TaskID(), payload)
	duration := time.Since(start)
	execCancel()
	close(hbStop)
	<-hbDone

	if execErr == nil {
		w.finishSuccess(ctx, msg, taskID, run, result, duration, log)
		return
	}

	// Shutdown cancellation: leave the delivery pending. The lease expires
	// and reclamation re-delivers; acking would lose the task, nacking
	// would burn a retry on our own shutdown.
	if w.stopping.Load() && errors.Is(execErr, context.Canceled) {
		log.Info("execution cancelled by shutdown, leaving delivery pending")
		_ = w.db.FinishRun(ctx, run.ID, schema.RunCanceled, nil, map[string]any{"error": "shutdown"})
		return
	}

	w.finishFailure(ctx, msg, taskID, run, execErr, duration, log)
}

func (w *Worker) finishSuccess(ctx context.Context, msg *queue.Message, taskID uuid.UUID, run *schema.RunRecord, result registry.Result, duration time.Duration, log *zap.Logger) {
	metrics := map[string]any{"duration_ms": duration.Milliseconds()}
	for k, v := range result {
		metrics[k] = v
	}
	// Ledger first, ack second: a crash between the two re-delivers a task
	// the ledger already shows terminal, and the duplicate drop handles it.
	if err := w.db.FinishRun(ctx, run.ID, schema.RunSuccess, metrics, nil); err != nil {
		log.Error("run close failed", zap.Error(err))
	}
	if err := w.db.CompleteTask(ctx, taskID, schema.StatusDone, ""); err != nil && !errors.Is(err, ledger.ErrStaleTransition) {
		log.Error("task completion failed", zap.Error(err))
		_ = w.q.Nack(ctx, msg, "ledger unavailable on completion")
		return
	}
	w.q.SetStatus(ctx, msg.TaskID(), schema.StatusDone, map[string]any{"duration_ms": duration.Milliseconds()})
	w.q.BumpTypeCounter(ctx, msg.Type(), "success")
	if err := w.q.Ack(ctx, msg); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
	w.succeeded.Add(1)
	w.observe(msg.Type(), "done", duration)
	log.Info("task done", zap.Duration("duration", duration))
}

func (w *Worker) finishFailure(ctx context.Context, msg *queue.Message, taskID uuid.UUID, run *schema.RunRecord, execErr error, duration time.Duration, log *zap.Logger) {
	runStatus := schema.RunFailed
	if errors.Is(execErr, context.DeadlineExceeded) {
		runStatus = schema.RunTimeout
	}
	details := map[string]any{"error": execErr.Error(), "permanent": resilience.IsPermanent(execErr)}
	if err := w.db.FinishRun(ctx, run.ID, runStatus, map[string]any{"duration_ms": duration.Milliseconds()}, details); err != nil {
		log.Error("run close failed", zap.Error(err))
	}
	w.failed.Add(1)
	w.q.BumpTypeCounter(ctx, msg.Type(), "failure")

	permanent := resilience.IsPermanent(execErr)
	next := msg.RetryCount() + 1
	exhausted := permanent || next > w.maxRetries

	if exhausted {
		if err := w.db.CompleteTask(ctx, taskID, schema.StatusFailed, execErr.Error()); err != nil && !errors.Is(err, ledger.ErrStaleTransition) {
			log.Error("task failure record failed", zap.Error(err))
		}
		w.q.SetStatus(ctx, msg.TaskID(), schema.StatusFailed, map[string]any{"error": truncateErr(execErr)})
		if permanent {
			// Skip remaining retries: quarantine on the first attempt.
			msg.SetRetryCount(w.maxRetries)
		}
		w.observe(msg.Type(), "failed", duration)
		log.Warn("task failed terminally",
			zap.Bool("permanent", permanent), zap.Error(execErr))
	} else {
		if err := w.db.RequeueTask(ctx, taskID, next, execErr.Error()); err != nil {
			log.Error("requeue record failed", zap.Error(err))
		}
		w.q.SetStatus(ctx, msg.TaskID(), schema.StatusQueued, map[string]any{"error": truncateErr(execErr)})
		if w.metrics != nil {
			w.metrics.RetriesTotal.Inc()
		}
		log.Info("task will retry", zap.Int("next_retry", next), zap.Error(execErr))
	}

	if err := w.q.Nack(ctx, msg, execErr.Error()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("nack failed", zap.Error(err))
	}
}

// quarantine sends a message straight to the DLQ by exhausting its retries.
func (w *Worker) quarantine(ctx context.Context, msg *queue.Message, cause string) {
	w.failed.Add(1)
	msg.SetRetryCount(w.maxRetries)
	if err := w.q.Nack(ctx, msg, cause); err != nil {
		w.log.Error("quarantine failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// heartbeat extends the lease every leaseTTL/2 until the execution ends.
// A lost lease cancels the execution: another worker may own the task now.
func (w *Worker) heartbeat(msg *queue.Message, cancel context.CancelFunc, stop <-chan struct{}, done chan<- struct{}, log *zap.Logger) {
	defer close(done)
	interval := w.leaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancelHB := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.q.ExtendLease(ctx, msg)
			cancelHB()
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost, cancelling execution")
				cancel()
				return
			}
			if err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) observe(taskType, status string, duration time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.TasksTotal.WithLabelValues(taskType, status).Inc()
	w.metrics.TaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > 500 {
		return s[:500]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
