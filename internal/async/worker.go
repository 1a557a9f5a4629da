package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

// Handler executes one claimed job.
type Handler func(ctx context.Context, job *entity.QueueJob) error

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Worker drains queue_jobs with a fixed pool of goroutines, each claiming jobs under a lease.
type Worker struct {
	repo     repository.QueueJobRepository
	handlers map[constants.JobType]Handler
	types    []constants.JobType
	logger   *slog.Logger

	id          string
	workers     int
	timeout     time.Duration
	lease       time.Duration
	poll        time.Duration
	retryBase   time.Duration
	maxAttempts int

	wg sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithRetry sets the attempt budget and the first back-off; later back-offs double.
func WithRetry(maxAttempts int, base time.Duration) WorkerOption {
	return func(w *Worker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if base > 0 {
			w.retryBase = base
		}
	}
}

func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		if id != "" {
			w.id = id
		}
	}
}

func NewWorker(repo repository.QueueJobRepository, handlers map[constants.JobType]Handler, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		repo:        repo,
		handlers:    handlers,
		logger:      logger,
		id:          "worker",
		workers:     4,
		timeout:     2 * time.Minute,
		poll:        time.Second,
		retryBase:   30 * time.Second,
		maxAttempts: 5,
	}
	for _, o := range opts {
		o(w)
	}
	w.lease = 2 * w.timeout
	for t := range handlers {
		w.types = append(w.types, t)
	}
	sort.Slice(w.types, func(i, j int) bool { return w.types[i] < w.types[j] })
	return w
}

// Run processes jobs until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			workerID := fmt.Sprintf("%s-%d", w.id, n)
			w.logger.Info("worker started", "worker_id", workerID)
			for ctx.Err() == nil {
				found, err := w.runOnce(ctx, workerID)
				if err != nil {
					w.logger.Error("worker claim failed", "worker_id", workerID, "error", err)
				}
				if found {
					continue
				}
				select {
				case <-ctx.Done():
				case <-time.After(w.poll):
				}
			}
			w.logger.Info("worker stopped", "worker_id", workerID)
		}(i + 1)
	}
	w.wg.Wait()
}

// RunOnce claims and processes at most one job. It reports whether a job was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	return w.runOnce(ctx, w.id)
}

func (w *Worker) runOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := w.repo.Claim(ctx, workerID, w.lease, w.types...)
	if err != nil || job == nil {
		return false, err
	}
	logger := w.logger.With("worker_id", workerID, "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)

	start := time.Now()
	// Jobs finish even if the pool is shutting down; the lease covers the timeout.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	err = w.handle(jobCtx, job)
	cancel()

	finishCtx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := w.repo.Complete(finishCtx, job.ID, workerID); cerr != nil {
			logger.Error("job complete failed", "error", cerr)
			return true, nil
		}
		logger.Info("job processed", "elapsed_ms", time.Since(start).Milliseconds())
		return true, nil
	}

	maxAttempts := w.maxAttempts
	if errors.Is(err, ErrPermanent) {
		maxAttempts = job.Attempts
	}
	if ferr := w.repo.Fail(finishCtx, job.ID, workerID, err.Error(), w.backoff(job.Attempts), maxAttempts); ferr != nil {
		logger.Error("job fail failed", "error", ferr)
		return true, nil
	}
	logger.Warn("job failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds(),
		"will_retry", job.Attempts < maxAttempts)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *entity.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrPermanent, r)
		}
	}()
	h, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for %s", ErrPermanent, job.Type)
	}
	return h(ctx, job)
}

func (w *Worker) backoff(attempts int) time.Duration {
	d := w.retryBase
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
