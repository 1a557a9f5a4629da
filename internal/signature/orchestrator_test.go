package signature

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/async"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/ingest"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/repository/repotest"
	"github.com/joseph-ayodele/formsign/internal/storage"
)

// fakeProvider mimics the provider REST API for a single document id.
type fakeProvider struct {
	t          *testing.T
	srv        *httptest.Server
	mu         sync.Mutex
	created    []CreateDocumentRequest
	status     string
	failCreate bool
	gets       atomic.Int32
	downloads  atomic.Int32
	resent     []string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{t: t, status: "pending"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if p.failCreate {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"provider down"}`))
			return
		}
		var req CreateDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.created = append(p.created, req)
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "doc-1", "name": req.Name, "status": "pending", "signers": req.Signers})
	})
	mux.HandleFunc("GET /documents/doc-1", func(w http.ResponseWriter, r *http.Request) {
		p.gets.Add(1)
		p.mu.Lock()
		status := p.status
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "doc-1", "status": status})
	})
	mux.HandleFunc("GET /documents/doc-1/download", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"download_url": p.srv.URL + "/files/doc-1.pdf"})
	})
	mux.HandleFunc("GET /files/doc-1.pdf", func(w http.ResponseWriter, r *http.Request) {
		p.downloads.Add(1)
		w.Header().Set("Content-Type", constants.ContentTypePDF)
		_, _ = w.Write([]byte("%PDF-1.4 signed"))
	})
	mux.HandleFunc("POST /documents/doc-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "doc-1", "status": "cancelled"})
	})
	mux.HandleFunc("POST /documents/doc-1/resend", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string `json:"email"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.resent = append(p.resent, body.Email)
		p.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /documents/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"document not found"}`))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

type recordingHook struct {
	mu    sync.Mutex
	calls []Completion
}

func (h *recordingHook) DocumentCompleted(_ context.Context, c Completion) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	forms    repository.FormRepository
	subs     repository.SubmissionRepository
	meta     repository.SubmissionMetaRepository
	jobs     repository.QueueJobRepository
	store    *storage.Local
	storeDir string
	hook     *recordingHook
	reg      *prometheus.Registry
	clock    *repotest.Clock
	rendered []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := repotest.Open(t)
	log := repotest.Logger()
	clock := repotest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)

	h := &harness{
		provider: newFakeProvider(t),
		forms:    repository.NewFormRepository(db, log),
		subs:     repository.NewSubmissionRepository(db, log),
		meta:     repository.NewSubmissionMetaRepository(db, log),
		jobs:     repository.NewQueueJobRepository(db, log),
		storeDir: t.TempDir(),
		hook:     &recordingHook{},
		reg:      prometheus.NewRegistry(),
		clock:    clock,
	}
	var err error
	h.store, err = storage.NewLocal(h.storeDir, "https://files.test", log)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	cm := cache.NewManager(cache.Options{
		Prefix:  "t_",
		Version: "v1",
		Memory:  cache.NewMemoryTier(100, clock.Now),
		Durable: cache.NewDurableTier(repository.NewCacheEntryRepository(db, log), clock.Now),
		Logger:  log,
	})
	stub := RendererFunc(func(_ context.Context, dir string, in RenderInput) (string, error) {
		h.rendered = append(h.rendered, dir)
		path := filepath.Join(dir, "doc.pdf")
		return path, os.WriteFile(path, []byte("%PDF-stub "+in.Title), 0o600)
	})
	h.orch = NewOrchestrator(Dependencies{
		Forms:       h.forms,
		Submissions: h.subs,
		Meta:        h.meta,
		Queue:       async.NewDBQueue(h.jobs, log),
		Cache:       cm,
		Provider:    NewClient(ClientConfig{BaseURL: h.provider.srv.URL, APIToken: "secret-token"}, log),
		Store:       h.store,
		Activity:    repository.NewActivityLogRepository(db, log),
	},
		WithFallbackRenderer(stub),
		WithCompletionHook(h.hook),
		WithClock(clock.Now),
		WithLogger(log),
		WithMetrics(h.reg),
	)
	return h
}

func (h *harness) submission(t *testing.T, signers []entity.SignerMapping, fields map[string]any) *entity.Submission {
	t.Helper()
	ctx := context.Background()
	form, err := h.forms.Create(ctx, &entity.Form{
		Name:             "Lease",
		SignatureEnabled: true,
		Settings: entity.FormSettings{Signature: entity.SignatureSettings{
			Enabled: true,
			Sandbox: true,
			Signers: signers,
		}},
	})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	payload, compressed, err := ingest.EncodePayload(fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sub := &entity.Submission{FormID: form.ID, Payload: payload, IsCompressed: compressed, IPAddress: "127.0.0.1"}
	if err := h.subs.Create(ctx, sub); err != nil {
		t.Fatalf("create submission: %v", err)
	}
	return sub
}

func twoSigners() []entity.SignerMapping {
	return []entity.SignerMapping{
		{EmailField: "email", NameField: "name"},
		{EmailField: "witness_email", NameField: "witness", Action: "approve"},
	}
}

func (h *harness) status(t *testing.T, sub *entity.Submission) constants.SubmissionStatus {
	t.Helper()
	got, err := h.subs.GetByID(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	return got.Status
}

func (h *harness) jobTypes(t *testing.T, sub *entity.Submission) []constants.JobType {
	t.Helper()
	jobs, err := h.jobs.ListBySubmission(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	out := make([]constants.JobType, len(jobs))
	for i, j := range jobs {
		out[i] = j.Type
	}
	return out
}

func (h *harness) createDocument(t *testing.T) *entity.Submission {
	t.Helper()
	sub := h.submission(t, twoSigners(), map[string]any{
		"name": "Ana", "email": "ana@example.com", "witness": "Bruno", "witness_email": "bruno@example.com",
	})
	res := h.orch.CreateDocumentFromSubmission(context.Background(), sub.ID)
	if !res.Success {
		t.Fatalf("create document: %+v", res)
	}
	return sub
}

func TestCreateDocumentFromSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)

	if got := h.status(t, sub); got != constants.SubmissionPendingSignature {
		t.Fatalf("status = %s", got)
	}
	docID, err := h.meta.Get(ctx, sub.ID, constants.MetaDocumentID)
	if err != nil || docID != "doc-1" {
		t.Fatalf("document id meta = %q, %v", docID, err)
	}
	raw, err := h.meta.Get(ctx, sub.ID, constants.MetaProviderResponse)
	if err != nil || !strings.Contains(raw, `"id":"doc-1"`) {
		t.Fatalf("raw response meta = %q, %v", raw, err)
	}

	if len(h.provider.created) != 1 {
		t.Fatalf("provider create calls = %d", len(h.provider.created))
	}
	req := h.provider.created[0]
	if len(req.Signers) != 2 || req.Signers[1].Action != constants.ActionApprove || req.Signers[0].Action != constants.ActionSign {
		t.Fatalf("signers = %+v", req.Signers)
	}
	if !req.Sandbox || !req.AutoClose || !req.SendAutomaticEmail {
		t.Fatalf("flags = %+v", req)
	}
	file, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil || !strings.HasPrefix(string(file), "%PDF-stub Lease - ") {
		t.Fatalf("file = %q, %v", file, err)
	}
	for _, dir := range h.rendered {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("render dir %s not removed", dir)
		}
	}

	jobs, err := h.jobs.ListBySubmission(ctx, sub.ID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %+v, %v", jobs, err)
	}
	if jobs[0].Type != constants.JobAutentiqueStatusCheck || !jobs[0].ScheduledAt.Equal(h.clock.Now().Add(5*time.Minute)) {
		t.Fatalf("status check job = %+v", jobs[0])
	}

	// A redelivered send job does not create a second document.
	res := h.orch.CreateDocumentFromSubmission(ctx, sub.ID)
	if !res.Success || !res.AlreadyDone || res.DocumentID != "doc-1" || len(h.provider.created) != 1 {
		t.Fatalf("second create = %+v, calls %d", res, len(h.provider.created))
	}
}

func TestCreateDocumentWithoutSignersFails(t *testing.T) {
	h := newHarness(t)
	sub := h.submission(t, twoSigners(), map[string]any{"name": "Ana"})

	res := h.orch.CreateDocumentFromSubmission(context.Background(), sub.ID)
	if res.Success || !errors.Is(res.Err, common.ErrValidation) {
		t.Fatalf("result = %+v", res)
	}
	if got := h.status(t, sub); got != constants.SubmissionFailed {
		t.Fatalf("status = %s", got)
	}
	if len(h.provider.created) != 0 {
		t.Fatal("provider must not be called without signers")
	}
}

func TestCreateDocumentProviderErrorKeepsSubmissionRetryable(t *testing.T) {
	h := newHarness(t)
	h.provider.failCreate = true
	sub := h.submission(t, twoSigners(), map[string]any{"email": "ana@example.com"})

	res := h.orch.CreateDocumentFromSubmission(context.Background(), sub.ID)
	var perr *ProviderError
	if res.Success || !errors.As(res.Err, &perr) || perr.StatusCode != http.StatusInternalServerError || perr.Message != "provider down" {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, common.ErrExternalService) {
		t.Fatalf("provider errors must wrap ErrExternalService: %v", res.Err)
	}
	if got := h.status(t, sub); got != constants.SubmissionPending {
		t.Fatalf("status = %s", got)
	}
}

func TestCreateDocumentRequiresPendingSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.failCreate = true
	sub := h.submission(t, twoSigners(), map[string]any{
		"name": "Ana", "email": "ana@example.com", "witness": "Bruno", "witness_email": "bruno@example.com",
	})
	// Leaves a pending copy of the submission in the cache.
	if res := h.orch.CreateDocumentFromSubmission(ctx, sub.ID); res.Success {
		t.Fatalf("first create = %+v", res)
	}
	if _, _, err := h.subs.TransitionStatus(ctx, sub.ID, constants.SubmissionFailed); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	h.provider.failCreate = false
	res := h.orch.CreateDocumentFromSubmission(ctx, sub.ID)
	if res.Success || !errors.Is(res.Err, common.ErrValidation) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.provider.created) != 0 {
		t.Fatalf("provider create calls = %d", len(h.provider.created))
	}
	if got := h.status(t, sub); got != constants.SubmissionFailed {
		t.Fatalf("status = %s", got)
	}
	if _, err := h.meta.Get(ctx, sub.ID, constants.MetaDocumentID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("document id meta should be absent, got %v", err)
	}
}

func TestSignedEventWaitsForAllSigners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)

	res := h.orch.ProcessSignatureWebhook(ctx, Event{
		Event: constants.EventDocumentSigned, DocumentID: "doc-1", Signer: &EventParty{Email: "ana@example.com"},
	})
	if !res.Success || res.SubmissionID != sub.ID {
		t.Fatalf("result = %+v", res)
	}
	if got := h.status(t, sub); got != constants.SubmissionPendingSignature {
		t.Fatalf("status after partial signature = %s", got)
	}
	if types := h.jobTypes(t, sub); len(types) != 1 {
		t.Fatalf("unexpected jobs %v", types)
	}

	h.orch.ProcessSignatureWebhook(ctx, Event{Event: constants.EventDocumentSigned, DocumentID: "doc-1", AllSigned: true})
	if got := h.status(t, sub); got != constants.SubmissionFullySigned {
		t.Fatalf("status after all signed = %s", got)
	}
	types := h.jobTypes(t, sub)
	if len(types) != 2 || !slices.Contains(types, constants.JobAutentiqueDownload) {
		t.Fatalf("jobs = %v", types)
	}
	if got := testutil.ToFloat64(h.orch.events.WithLabelValues(constants.EventDocumentSigned, "ok")); got != 2 {
		t.Fatalf("signed ok counter = %v", got)
	}
}

func TestCompletedEventDownloadsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)

	ev := Event{Event: constants.EventDocumentCompleted, DocumentID: "doc-1"}
	if res := h.orch.ProcessSignatureWebhook(ctx, ev); !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := h.status(t, sub); got != constants.SubmissionCompleted {
		t.Fatalf("status = %s", got)
	}
	path := constants.SignedDocumentPath(sub.ID.String(), "doc-1")
	data, err := h.store.Get(ctx, path)
	if err != nil || string(data) != "%PDF-1.4 signed" {
		t.Fatalf("stored file = %q, %v", data, err)
	}
	url, err := h.meta.Get(ctx, sub.ID, constants.MetaSignedURL)
	if err != nil || url != "https://files.test/"+path {
		t.Fatalf("signed url = %q, %v", url, err)
	}

	// Redelivery returns the stored result without downloading again.
	h.orch.ProcessSignatureWebhook(ctx, ev)
	res := h.orch.DownloadSignedDocument(ctx, "doc-1")
	if !res.Success || !res.AlreadyDone || res.SignedURL != url {
		t.Fatalf("repeat download = %+v", res)
	}
	if n := h.provider.downloads.Load(); n != 1 {
		t.Fatalf("downloads = %d", n)
	}
	if len(h.hook.calls) != 1 || h.hook.calls[0].SignedURL != url {
		t.Fatalf("hook calls = %+v", h.hook.calls)
	}
}

func TestRefusedAndViewedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)

	h.orch.ProcessSignatureWebhook(ctx, Event{Event: constants.EventDocumentViewed, DocumentID: "doc-1", ViewerEmail: "ana@example.com"})
	if got := h.status(t, sub); got != constants.SubmissionPendingSignature {
		t.Fatalf("viewed must not transition, got %s", got)
	}
	h.orch.ProcessSignatureWebhook(ctx, Event{Event: "document.archived", DocumentID: "doc-1"})

	h.orch.ProcessSignatureWebhook(ctx, Event{Event: constants.EventDocumentRefused, DocumentID: "doc-1", Reason: "wrong address"})
	if got := h.status(t, sub); got != constants.SubmissionSignatureRefused {
		t.Fatalf("status = %s", got)
	}
	if v, _ := h.meta.Get(ctx, sub.ID, constants.MetaSignatureStatus); v != "refused" {
		t.Fatalf("status meta = %q", v)
	}
	if got := testutil.ToFloat64(h.orch.events.WithLabelValues("other", "ok")); got != 1 {
		t.Fatalf("other counter = %v", got)
	}
}

func TestWebhookDispatchErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)
	if _, _, err := h.subs.TransitionStatus(ctx, sub.ID, constants.SubmissionFailed); err != nil {
		t.Fatalf("fail submission: %v", err)
	}

	res := h.orch.ProcessSignatureWebhook(ctx, Event{Event: constants.EventDocumentRefused, DocumentID: "doc-1"})
	if !res.Success {
		t.Fatalf("dispatch failure must still report success: %+v", res)
	}
	if got := h.status(t, sub); got != constants.SubmissionFailed {
		t.Fatalf("terminal status moved to %s", got)
	}
	if got := testutil.ToFloat64(h.orch.events.WithLabelValues(constants.EventDocumentRefused, "dispatch_error")); got != 1 {
		t.Fatalf("dispatch_error counter = %v", got)
	}
}

func TestWebhookRequiresKnownDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if res := h.orch.ProcessSignatureWebhook(ctx, Event{Event: constants.EventDocumentSigned}); res.Success || !errors.Is(res.Err, common.ErrValidation) {
		t.Fatalf("missing document id = %+v", res)
	}
	if res := h.orch.ProcessSignatureWebhook(ctx, Event{Event: constants.EventDocumentSigned, DocumentID: "nope"}); res.Success || !errors.Is(res.Err, common.ErrNotFound) {
		t.Fatalf("unknown document = %+v", res)
	}
}

func TestCheckDocumentStatusIsCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)
	h.provider.status = "signed"

	first := h.orch.CheckDocumentStatus(ctx, "doc-1")
	if !first.Success || first.Status != "signed" || first.Cached {
		t.Fatalf("first = %+v", first)
	}
	if v, _ := h.meta.Get(ctx, sub.ID, constants.MetaSignatureStatus); v != "signed" {
		t.Fatalf("mirrored status = %q", v)
	}
	second := h.orch.CheckDocumentStatus(ctx, "doc-1")
	if !second.Cached || second.Status != "signed" || h.provider.gets.Load() != 1 {
		t.Fatalf("second = %+v, gets %d", second, h.provider.gets.Load())
	}

	h.clock.Advance(StatusCacheTTL + time.Second)
	if third := h.orch.CheckDocumentStatus(ctx, "doc-1"); third.Cached || h.provider.gets.Load() != 2 {
		t.Fatalf("expired entry served from cache: %+v", third)
	}

	missing := h.orch.CheckDocumentStatus(ctx, "missing")
	var perr *ProviderError
	if missing.Success || !errors.As(missing.Err, &perr) || perr.StatusCode != http.StatusNotFound || perr.Message != "document not found" {
		t.Fatalf("missing = %+v", missing)
	}
}

func TestCancelAndResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.createDocument(t)

	if res := h.orch.CancelDocument(ctx, "doc-1", "duplicate"); !res.Success {
		t.Fatalf("cancel = %+v", res)
	}
	if v, _ := h.meta.Get(ctx, sub.ID, constants.MetaSignatureStatus); v != "cancelled" {
		t.Fatalf("status meta = %q", v)
	}
	if res := h.orch.ResendSignature(ctx, "doc-1", "not-an-email"); res.Success || !errors.Is(res.Err, common.ErrValidation) {
		t.Fatalf("invalid resend = %+v", res)
	}
	if res := h.orch.ResendSignature(ctx, "doc-1", "ana@example.com"); !res.Success {
		t.Fatalf("resend = %+v", res)
	}
	if len(h.provider.resent) != 1 || h.provider.resent[0] != "ana@example.com" {
		t.Fatalf("resent = %v", h.provider.resent)
	}
}

func TestExtractSigners(t *testing.T) {
	fields := map[string]any{"email": " ana@example.com ", "name": "Ana", "cpf": "123.456.789-00"}
	signers, err := ExtractSigners([]entity.SignerMapping{
		{EmailField: "email", NameField: "name", CPFField: "cpf", Action: "Acknowledge"},
		{EmailField: "missing"},
	}, fields)
	if err != nil || len(signers) != 1 {
		t.Fatalf("signers = %+v, %v", signers, err)
	}
	if s := signers[0]; s.Email != "ana@example.com" || s.Action != constants.ActionAcknowledge || s.CPF != "123.456.789-00" {
		t.Fatalf("signer = %+v", s)
	}
	if _, err := ExtractSigners([]entity.SignerMapping{{EmailField: "email", Action: "witness"}}, fields); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("bad action: %v", err)
	}
	if _, err := ExtractSigners(nil, fields); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("no mappings: %v", err)
	}
}
