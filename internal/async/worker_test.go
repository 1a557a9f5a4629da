package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/repository/repotest"
)

func newQueue(t *testing.T) (repository.QueueJobRepository, *DBQueue, *repotest.Clock) {
	t.Helper()
	db := repotest.Open(t)
	clock := repotest.NewClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)
	repo := repository.NewQueueJobRepository(db, repotest.Logger())
	return repo, NewDBQueue(repo, repotest.Logger()), clock
}

func counts(t *testing.T, repo repository.QueueJobRepository) map[constants.JobStatus]int64 {
	t.Helper()
	c, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return c
}

func TestEnqueueStoresPayloadAndPriority(t *testing.T) {
	repo, q, clock := newQueue(t)
	ctx := context.Background()
	sub := uuid.New()

	if _, err := q.Enqueue(ctx, Job{}); err == nil {
		t.Fatal("job without type accepted")
	}
	at := clock.Now().Add(constants.StatusCheckDelay)
	if _, err := q.Enqueue(ctx, StatusCheck(sub, "doc-9", at)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := repo.ListBySubmission(ctx, sub)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %+v, %v", jobs, err)
	}
	j := jobs[0]
	if string(j.Payload) != `{"document_id":"doc-9"}` || !j.ScheduledAt.Equal(at) || j.Priority != constants.PriorityMedium {
		t.Fatalf("job = %+v payload %s", j, j.Payload)
	}
}

func TestWorkerCompletesAndRetries(t *testing.T) {
	repo, q, clock := newQueue(t)
	ctx := context.Background()
	sub := uuid.New()

	var calls atomic.Int32
	w := NewWorker(repo, map[constants.JobType]Handler{
		constants.JobSendEmail: func(context.Context, *entity.QueueJob) error { return nil },
		constants.JobGeneratePDF: func(context.Context, *entity.QueueJob) error {
			calls.Add(1)
			return errors.New("renderer offline")
		},
	}, repotest.Logger(), WithRetry(2, time.Minute))

	if _, err := q.Enqueue(ctx, SendEmail(sub, "tpl")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if found, err := w.RunOnce(ctx); !found || err != nil {
		t.Fatalf("run = %v, %v", found, err)
	}
	if c := counts(t, repo); c[constants.JobCompleted] != 1 {
		t.Fatalf("counts = %v", c)
	}

	if _, err := q.Enqueue(ctx, GeneratePDF(sub, "tpl")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.RunOnce(ctx)
	if c := counts(t, repo); c[constants.JobPending] != 1 {
		t.Fatalf("after first failure = %v", c)
	}
	if found, _ := w.RunOnce(ctx); found {
		t.Fatal("job claimed before its back-off elapsed")
	}
	clock.Advance(2 * time.Minute)
	w.RunOnce(ctx)
	if c := counts(t, repo); c[constants.JobFailed] != 1 || calls.Load() != 2 {
		t.Fatalf("after second failure = %v, calls %d", c, calls.Load())
	}
}

func TestWorkerPermanentFailureIsNotRetried(t *testing.T) {
	repo, q, _ := newQueue(t)
	ctx := context.Background()
	w := NewWorker(repo, map[constants.JobType]Handler{
		constants.JobAutentiqueDownload: func(context.Context, *entity.QueueJob) error {
			panic("boom")
		},
	}, repotest.Logger())

	if _, err := q.Enqueue(ctx, Download(uuid.New(), "doc-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w.RunOnce(ctx)
	if c := counts(t, repo); c[constants.JobFailed] != 1 {
		t.Fatalf("counts = %v", c)
	}
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	repo, q, _ := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	w := NewWorker(repo, map[constants.JobType]Handler{
		constants.JobSendEmail: func(context.Context, *entity.QueueJob) error {
			handled.Add(1)
			return nil
		},
	}, repotest.Logger(), WithWorkers(3), WithPollInterval(5*time.Millisecond))

	for i := 0; i < 6; i++ {
		if _, err := q.Enqueue(ctx, SendEmail(uuid.New(), "tpl")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for counts(t, repo)[constants.JobCompleted] < 6 {
		select {
		case <-deadline:
			t.Fatalf("queue not drained: %v", counts(t, repo))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if handled.Load() != 6 {
		t.Fatalf("handled = %d", handled.Load())
	}
}
