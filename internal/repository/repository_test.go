package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/repository/repotest"
)

func newSubmission(t *testing.T, db *repository.DB) (repository.SubmissionRepository, *entity.Submission) {
	t.Helper()
	repo := repository.NewSubmissionRepository(db, repotest.Logger())
	sub := &entity.Submission{
		ID:        uuid.New(),
		FormID:    1,
		Payload:   []byte(`{"name":"Ana"}`),
		IPAddress: "10.0.0.1",
		UserAgent: "test",
	}
	if err := repo.Create(context.Background(), sub); err != nil {
		t.Fatalf("create submission: %v", err)
	}
	return repo, sub
}

func TestFormCreateAndGet(t *testing.T) {
	db := repotest.Open(t)
	repo := repository.NewFormRepository(db, repotest.Logger())
	ctx := context.Background()

	created, err := repo.Create(ctx, &entity.Form{
		Name:             "Contract",
		SignatureEnabled: true,
		Settings: entity.FormSettings{Signature: entity.SignatureSettings{
			Enabled: true,
			Signers: []entity.SignerMapping{{EmailField: "email", NameField: "name"}},
		}},
		PDFTemplateID: "tpl-1",
	})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get form: %v", err)
	}
	if !got.IsActive() || !got.WantsSignature() {
		t.Fatalf("unexpected form flags: %+v", got)
	}
	if got.PDFTemplateID != "tpl-1" || got.EmailTemplateID != "" {
		t.Fatalf("unexpected templates: %q %q", got.PDFTemplateID, got.EmailTemplateID)
	}
	if len(got.Settings.Signature.Signers) != 1 || got.Settings.Signature.Signers[0].EmailField != "email" {
		t.Fatalf("settings not round-tripped: %+v", got.Settings)
	}

	if _, err := repo.GetByID(ctx, created.ID+100); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmissionTransitionsMoveForwardOnly(t *testing.T) {
	db := repotest.Open(t)
	repo, sub := newSubmission(t, db)
	ctx := context.Background()

	from, changed, err := repo.TransitionStatus(ctx, sub.ID, constants.SubmissionPendingSignature)
	if err != nil || !changed || from != constants.SubmissionPending {
		t.Fatalf("pending -> pending_signature: from=%s changed=%v err=%v", from, changed, err)
	}
	if _, changed, err = repo.TransitionStatus(ctx, sub.ID, constants.SubmissionPendingSignature); err != nil || changed {
		t.Fatalf("same-state transition should be a no-op: changed=%v err=%v", changed, err)
	}
	if _, _, err = repo.TransitionStatus(ctx, sub.ID, constants.SubmissionPending); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, _, err = repo.TransitionStatus(ctx, sub.ID, constants.SubmissionCompleted); err != nil {
		t.Fatalf("pending_signature -> completed: %v", err)
	}

	for _, to := range []constants.SubmissionStatus{
		constants.SubmissionPending,
		constants.SubmissionPendingSignature,
		constants.SubmissionFullySigned,
		constants.SubmissionFailed,
	} {
		if _, _, err := repo.TransitionStatus(ctx, sub.ID, to); !errors.Is(err, common.ErrValidation) {
			t.Fatalf("completed -> %s should be rejected, got %v", to, err)
		}
	}

	got, err := repo.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.SubmissionCompleted || got.Version != 3 {
		t.Fatalf("unexpected final state: status=%s version=%d", got.Status, got.Version)
	}
}

func TestSubmissionMetaUpsertAndLookup(t *testing.T) {
	db := repotest.Open(t)
	_, sub := newSubmission(t, db)
	meta := repository.NewSubmissionMetaRepository(db, repotest.Logger())
	ctx := context.Background()

	if err := meta.Upsert(ctx, sub.ID, constants.MetaDocumentID, "doc-1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := meta.Upsert(ctx, sub.ID, constants.MetaSignatureStatus, "pending"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := meta.Upsert(ctx, sub.ID, constants.MetaSignatureStatus, "signed"); err != nil {
		t.Fatalf("upsert overwrite: %v", err)
	}

	v, err := meta.Get(ctx, sub.ID, constants.MetaSignatureStatus)
	if err != nil || v != "signed" {
		t.Fatalf("get = %q, %v", v, err)
	}
	id, err := meta.FindSubmissionID(ctx, constants.MetaDocumentID, "doc-1")
	if err != nil || id != sub.ID {
		t.Fatalf("find = %s, %v", id, err)
	}
	if _, err := meta.FindSubmissionID(ctx, constants.MetaDocumentID, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := meta.List(ctx, sub.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("list = %d rows, %v", len(all), err)
	}
}

func TestFindSubmissionIDRejectsSharedValue(t *testing.T) {
	db := repotest.Open(t)
	_, first := newSubmission(t, db)
	_, second := newSubmission(t, db)
	meta := repository.NewSubmissionMetaRepository(db, repotest.Logger())
	ctx := context.Background()

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		if err := meta.Upsert(ctx, id, constants.MetaDocumentID, "doc-shared"); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := meta.FindSubmissionID(ctx, constants.MetaDocumentID, "doc-shared"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMetaValueEncodesNonScalars(t *testing.T) {
	v, err := repository.MetaValue(map[string]any{"a": 1})
	if err != nil || v != `{"a":1}` {
		t.Fatalf("map = %q, %v", v, err)
	}
	v, _ = repository.MetaValue("plain")
	if v != "plain" {
		t.Fatalf("string = %q", v)
	}
	v, _ = repository.MetaValue(42)
	if v != "42" {
		t.Fatalf("int = %q", v)
	}
}

func TestQueueClaimIsExclusive(t *testing.T) {
	db := repotest.Open(t)
	clock := repotest.NewClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)
	repo := repository.NewQueueJobRepository(db, repotest.Logger())
	ctx := context.Background()

	low := &entity.QueueJob{Type: constants.JobSendEmail, Priority: constants.PriorityMedium, Payload: []byte(`{}`)}
	high := &entity.QueueJob{Type: constants.JobGeneratePDF, Priority: constants.PriorityHigh, Payload: []byte(`{}`)}
	later := &entity.QueueJob{
		Type:        constants.JobAutentiqueStatusCheck,
		Priority:    constants.PriorityHigh,
		ScheduledAt: clock.Now().Add(constants.StatusCheckDelay),
	}
	for _, j := range []*entity.QueueJob{low, high, later} {
		if err := repo.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, err := repo.Claim(ctx, "w1", time.Minute)
	if err != nil || first == nil || first.ID != high.ID {
		t.Fatalf("first claim = %+v, %v", first, err)
	}
	second, err := repo.Claim(ctx, "w2", time.Minute)
	if err != nil || second == nil || second.ID != low.ID {
		t.Fatalf("second claim = %+v, %v", second, err)
	}
	none, err := repo.Claim(ctx, "w3", time.Minute)
	if err != nil || none != nil {
		t.Fatalf("nothing should be claimable yet, got %+v, %v", none, err)
	}

	if err := repo.Complete(ctx, low.ID, "w1"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("completing another worker's job should conflict, got %v", err)
	}
	if err := repo.Complete(ctx, low.ID, "w2"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// w1's lease expires and the deferred job becomes due.
	clock.Advance(constants.StatusCheckDelay + time.Second)
	reclaimed, err := repo.Claim(ctx, "w3", time.Minute, constants.JobGeneratePDF)
	if err != nil || reclaimed == nil || reclaimed.ID != high.ID || reclaimed.Attempts != 2 {
		t.Fatalf("reclaim = %+v, %v", reclaimed, err)
	}
	if err := repo.Complete(ctx, high.ID, "w1"); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("stale worker should lose the lease, got %v", err)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[constants.JobCompleted] != 1 || counts[constants.JobProcessing] != 1 || counts[constants.JobPending] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestQueueFailRetriesThenGivesUp(t *testing.T) {
	db := repotest.Open(t)
	clock := repotest.NewClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)
	repo := repository.NewQueueJobRepository(db, repotest.Logger())
	ctx := context.Background()

	job := &entity.QueueJob{Type: constants.JobSendAutentique, Priority: constants.PriorityHigh}
	if err := repo.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := repo.Claim(ctx, "w", time.Minute)
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: claim = %+v, %v", attempt, claimed, err)
		}
		if err := repo.Fail(ctx, job.ID, "w", "provider down", 30*time.Second, 2); err != nil {
			t.Fatalf("attempt %d: fail: %v", attempt, err)
		}
		clock.Advance(31 * time.Second)
	}
	if claimed, _ := repo.Claim(ctx, "w", time.Minute); claimed != nil {
		t.Fatalf("exhausted job should not be claimable: %+v", claimed)
	}
	counts, _ := repo.CountByStatus(ctx)
	if counts[constants.JobFailed] != 1 {
		t.Fatalf("expected one failed job, got %v", counts)
	}
}

func TestCacheEntriesExpiryAndSweep(t *testing.T) {
	db := repotest.Open(t)
	clock := repotest.NewClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)
	repo := repository.NewCacheEntryRepository(db, repotest.Logger())
	ctx := context.Background()

	put := func(key string, ttl time.Duration) {
		t.Helper()
		if err := repo.Upsert(ctx, &entity.CacheEntry{Key: key, Value: []byte("v"), ExpiresAt: clock.Now().Add(ttl)}); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}
	put("short", 60*time.Second)
	put("long", time.Hour)

	if _, err := repo.Get(ctx, "short"); err != nil {
		t.Fatalf("live entry: %v", err)
	}
	clock.Advance(61 * time.Second)
	if _, err := repo.Get(ctx, "short"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expired entry must not be returned, got %v", err)
	}

	n, err := repo.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep removed %d, %v", n, err)
	}
	if _, err := repo.Get(ctx, "long"); err != nil {
		t.Fatalf("live entry swept: %v", err)
	}
}

func TestCacheEntriesDeleteMatchingEscapesLiterals(t *testing.T) {
	db := repotest.Open(t)
	repo := repository.NewCacheEntryRepository(db, repotest.Logger())
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, k := range []string{"submission_1", "submission_2", "submissionX3", "form_1"} {
		if err := repo.Upsert(ctx, &entity.CacheEntry{Key: k, Value: []byte("v"), ExpiresAt: exp}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	n, err := repo.DeleteMatching(ctx, "submission_*")
	if err != nil || n != 2 {
		t.Fatalf("deleted %d, %v", n, err)
	}
	if _, err := repo.Get(ctx, "submissionX3"); err != nil {
		t.Fatalf("underscore must match literally: %v", err)
	}
}

func TestGlobToLike(t *testing.T) {
	cases := map[string]string{
		"submission_*": `submission\_%`,
		"a*b*":         "a%b%",
		"100%":         `100\%`,
		`back\slash`:   `back\\slash`,
	}
	for in, want := range cases {
		if got := repository.GlobToLike(in); got != want {
			t.Fatalf("GlobToLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebhookLogStatsAndPrune(t *testing.T) {
	db := repotest.Open(t)
	clock := repotest.NewClock(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)
	repo := repository.NewWebhookLogRepository(db, repotest.Logger())
	ctx := context.Background()

	old := &entity.WebhookLog{Provider: "autentique", EventType: constants.EventDocumentSigned, Payload: []byte(`{}`)}
	if err := repo.Insert(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(10 * 24 * time.Hour)
	fresh := &entity.WebhookLog{Provider: "autentique", EventType: constants.EventDocumentCompleted, Payload: []byte(`{}`)}
	if err := repo.Insert(ctx, fresh); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Finish(ctx, fresh.ID, constants.WebhookError, "boom", 1.5); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := repo.GetByID(ctx, fresh.ID)
	if err != nil || got.Status != constants.WebhookError || got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Fatalf("get = %+v, %v", got, err)
	}

	counts, err := repo.CountSince(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil || len(counts) != 1 || counts[0].Status != constants.WebhookError || counts[0].Count != 1 {
		t.Fatalf("counts = %+v, %v", counts, err)
	}

	n, err := repo.DeleteOlderThan(ctx, clock.Now().Add(-7*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned %d, %v", n, err)
	}
}

func TestActivityLogRecord(t *testing.T) {
	db := repotest.Open(t)
	repo := repository.NewActivityLogRepository(db, repotest.Logger())
	ctx := context.Background()

	if err := repo.Record(ctx, "info", "webhook", "document.signed processed", map[string]any{"document_id": "d1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	rows, err := repo.Recent(ctx, "webhook", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("recent = %d, %v", len(rows), err)
	}
	if string(rows[0].Context) != `{"document_id":"d1"}` {
		t.Fatalf("context = %s", rows[0].Context)
	}
}
