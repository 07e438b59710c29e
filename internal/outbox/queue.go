// Package outbox drains the durable send queue. Jobs survive restarts in
// sqlite; workers claim due jobs, send through the session's live connection
// and retry failures with exponential backoff.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/bus"
	"github.com/mfpaiva/zapgate/internal/config"
	"github.com/mfpaiva/zapgate/internal/engine"
	"github.com/mfpaiva/zapgate/internal/store"
)

// ErrSessionUnavailable means the job's session has no live connection.
// Treated as a normal send failure: the job retries.
var ErrSessionUnavailable = errors.New("session unavailable")

// ConnResolver resolves a session id to its live connection.
type ConnResolver interface {
	Conn(sessionID string) (engine.Conn, bool)
}

const claimInterval = 500 * time.Millisecond

// Queue is the outbound send pipeline.
type Queue struct {
	db       *store.DB
	resolver ConnResolver
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      config.QueueConfig

	cancel context.CancelFunc
	done   chan struct{}
}

func New(db *store.DB, resolver ConnResolver, b *bus.Bus, cfg config.QueueConfig, logger *zap.Logger) *Queue {
	return &Queue{
		db:       db,
		resolver: resolver,
		bus:      b,
		logger:   logger.Named("outbox"),
		cfg:      cfg,
	}
}

// JobResult is the bus payload published when a job finishes an attempt
// terminally.
type JobResult struct {
	JobID     int64  `json:"jobId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Enqueue persists a send request and returns its job id. The payload is
// sent asynchronously by the workers.
func (q *Queue) Enqueue(ctx context.Context, sessionID, toJID string, payload *engine.OutgoingPayload) (int64, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	id, err := q.db.EnqueueJob(sessionID, toJID, blob, q.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Debug("job enqueued", zap.Int64("job_id", id), zap.String("session_id", sessionID))
	return id, nil
}

// Start requeues stranded jobs and launches the claim loop and workers.
func (q *Queue) Start() error {
	n, err := q.db.RequeueRunningJobs()
	if err != nil {
		return fmt.Errorf("requeue running jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("requeued stranded jobs", zap.Int64("count", n))
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})

	// Semaphore bounds concurrent sends.
	sem := make(chan struct{}, q.cfg.Concurrency)
	var inflight sync.WaitGroup

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(claimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				inflight.Wait()
				return
			case <-ticker.C:
				claimed, err := q.db.ClaimDueJobs(q.cfg.Concurrency)
				if err != nil {
					q.logger.Warn("claim failed", zap.Error(err))
					continue
				}
				for _, job := range claimed {
					job := job
					sem <- struct{}{}
					inflight.Add(1)
					go func() {
						defer func() {
							<-sem
							inflight.Done()
						}()
						q.process(ctx, job)
					}()
				}
			}
		}
	}()
	return nil
}

// Stop halts claiming and waits for in-flight sends.
func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

func (q *Queue) process(ctx context.Context, job store.Job) {
	attempt := job.Attempts + 1
	err := q.send(ctx, &job)
	if err == nil {
		if err := q.db.MarkJobDone(job.ID); err != nil {
			q.logger.Warn("mark done failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		q.prune()
		return
	}

	if attempt >= job.MaxAttempts {
		q.logger.Warn("job failed permanently",
			zap.Int64("job_id", job.ID),
			zap.Int("attempts", attempt),
			zap.Error(err))
		if dbErr := q.db.MarkJobFailed(job.ID, attempt, err.Error()); dbErr != nil {
			q.logger.Warn("mark failed failed", zap.Int64("job_id", job.ID), zap.Error(dbErr))
		}
		q.bus.Publish(bus.Event{
			Kind:      bus.KindJobFailed,
			SessionID: job.SessionID,
			Timestamp: time.Now(),
			Payload:   JobResult{JobID: job.ID, SessionID: job.SessionID, Status: store.JobFailed, Error: err.Error()},
		})
		q.prune()
		return
	}

	delay := q.backoff(attempt)
	q.logger.Debug("job rescheduled",
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	next := time.Now().Add(delay).UnixMilli()
	if dbErr := q.db.RescheduleJob(job.ID, attempt, next, err.Error()); dbErr != nil {
		q.logger.Warn("reschedule failed", zap.Int64("job_id", job.ID), zap.Error(dbErr))
	}
}

func (q *Queue) send(ctx context.Context, job *store.Job) error {
	conn, ok := q.resolver.Conn(job.SessionID)
	if !ok {
		return ErrSessionUnavailable
	}
	var payload engine.OutgoingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	receipt, err := conn.SendMessage(ctx, job.ToJID, &payload)
	if err != nil {
		return err
	}
	q.bus.Publish(bus.Event{
		Kind:      bus.KindJobCompleted,
		SessionID: job.SessionID,
		Timestamp: time.Now(),
		Payload:   JobResult{JobID: job.ID, SessionID: job.SessionID, Status: store.JobDone, MessageID: receipt.MessageID},
	})
	return nil
}

// backoff doubles per attempt starting from the configured base.
func (q *Queue) backoff(attempt int) time.Duration {
	base := time.Duration(q.cfg.BackoffMS) * time.Millisecond
	return base << (attempt - 1)
}

func (q *Queue) prune() {
	if err := q.db.PruneJobs(q.cfg.KeepCompleted, q.cfg.KeepFailed); err != nil {
		q.logger.Warn("prune failed", zap.Error(err))
	}
}

// Job returns a job's persisted state.
func (q *Queue) Job(id int64) (*store.Job, error) {
	return q.db.GetJob(id)
}
