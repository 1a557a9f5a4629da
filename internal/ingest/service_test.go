package ingest

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/async"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/repository/repotest"
)

type harness struct {
	svc   *Service
	forms repository.FormRepository
	subs  repository.SubmissionRepository
	meta  repository.SubmissionMetaRepository
	jobs  repository.QueueJobRepository
	reg   *prometheus.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db := repotest.Open(t)
	log := repotest.Logger()
	h := &harness{
		forms: repository.NewFormRepository(db, log),
		subs:  repository.NewSubmissionRepository(db, log),
		meta:  repository.NewSubmissionMetaRepository(db, log),
		jobs:  repository.NewQueueJobRepository(db, log),
		reg:   prometheus.NewRegistry(),
	}
	cm := cache.NewManager(cache.Options{
		Prefix:  "t_",
		Version: "v1",
		Memory:  cache.NewMemoryTier(10, nil),
		Durable: cache.NewDurableTier(repository.NewCacheEntryRepository(db, log), nil),
		Logger:  log,
	})
	opts = append(opts, WithMetrics(h.reg))
	h.svc = NewService(h.forms, h.subs, h.meta, async.NewDBQueue(h.jobs, log), cm, log, opts...)
	return h
}

func (h *harness) form(t *testing.T, f *entity.Form) *entity.Form {
	t.Helper()
	created, err := h.forms.Create(context.Background(), f)
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	return created
}

func TestProcessSubmissionEnqueuesConfiguredJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	form := h.form(t, &entity.Form{
		Name:             "Lease",
		SignatureEnabled: true,
		Settings:         entity.FormSettings{Signature: entity.SignatureSettings{Enabled: true}},
		PDFTemplateID:    "pdf-1",
		EmailTemplateID:  "mail-1",
	})

	res := h.svc.ProcessSubmission(ctx, form.ID,
		map[string]any{"name": "<b>Ana</b>", "email": "ana@example.com"},
		map[string]any{"source": "landing", "utm": map[string]any{"campaign": "spring"}},
		ClientInfo{ForwardedFor: "203.0.113.9, 10.0.0.1", UserAgent: "UA", Referrer: "https://example.com/form"},
	)
	if !res.Success || res.Status != constants.SubmissionPending {
		t.Fatalf("result = %+v", res)
	}

	sub, err := h.subs.GetByID(ctx, res.SubmissionID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if !sub.IsCompressed || sub.IPAddress != "203.0.113.9" || sub.Referrer == nil {
		t.Fatalf("stored submission = %+v", sub)
	}
	fields, err := DecodePayload(sub)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fields["name"] != "Ana" || fields["email"] != "ana@example.com" {
		t.Fatalf("fields = %v", fields)
	}

	utm, err := h.meta.Get(ctx, sub.ID, "utm")
	if err != nil || utm != `{"campaign":"spring"}` {
		t.Fatalf("utm meta = %q, %v", utm, err)
	}

	jobs, err := h.jobs.ListBySubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	want := map[constants.JobType]int{
		constants.JobGeneratePDF:    constants.PriorityHigh,
		constants.JobSendAutentique: constants.PriorityHigh,
		constants.JobSendEmail:      constants.PriorityMedium,
	}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
	}
	for _, j := range jobs {
		if p, ok := want[j.Type]; !ok || p != j.Priority {
			t.Fatalf("unexpected job %s priority %d", j.Type, j.Priority)
		}
		if !strings.Contains(string(j.Payload), sub.ID.String()) {
			t.Fatalf("job %s payload %s lacks submission id", j.Type, j.Payload)
		}
	}
	if got := testutil.ToFloat64(h.svc.submissions.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok counter = %v", got)
	}
}

func TestJobsForRequiresBothSignatureFlags(t *testing.T) {
	form := &entity.Form{SignatureEnabled: true}
	if jobs := JobsFor(form, [16]byte{1}); len(jobs) != 0 {
		t.Fatalf("settings flag off should enqueue nothing, got %d", len(jobs))
	}
	form.Settings.Signature.Enabled = true
	jobs := JobsFor(form, [16]byte{1})
	if len(jobs) != 1 || jobs[0].Type != constants.JobSendAutentique {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestProcessSubmissionUnknownOrInactiveForm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.svc.ProcessSubmission(ctx, 404, map[string]any{"a": "b"}, nil, ClientInfo{})
	if res.Success || !errors.Is(res.Err, common.ErrNotFound) || res.Status != "" {
		t.Fatalf("missing form result = %+v", res)
	}
	if _, err := h.subs.GetByID(ctx, res.SubmissionID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("no row expected, got %v", err)
	}

	form := h.form(t, &entity.Form{Name: "Old", Status: constants.FormInactive})
	res = h.svc.ProcessSubmission(ctx, form.ID, map[string]any{"a": "b"}, nil, ClientInfo{})
	if res.Success || !errors.Is(res.Err, common.ErrNotFound) {
		t.Fatalf("inactive form result = %+v", res)
	}
	if got := testutil.ToFloat64(h.svc.submissions.WithLabelValues("not_found")); got != 2 {
		t.Fatalf("not_found counter = %v", got)
	}
}

func TestProcessSubmissionMarksStoredRowFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	form := h.form(t, &entity.Form{Name: "Broken"})

	res := h.svc.ProcessSubmission(ctx, form.ID, map[string]any{"a": "b"},
		map[string]any{"bad": func() {}}, ClientInfo{})
	if res.Success || res.Status != constants.SubmissionFailed {
		t.Fatalf("result = %+v", res)
	}
	sub, err := h.subs.GetByID(ctx, res.SubmissionID)
	if err != nil || sub.Status != constants.SubmissionFailed {
		t.Fatalf("stored status = %+v, %v", sub, err)
	}
}

func TestProcessSubmissionRejectsWorkflowMetaKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	form := h.form(t, &entity.Form{Name: "Lease"})

	for _, key := range []string{constants.MetaDocumentID, constants.MetaSignedURL, " Autentique_Status"} {
		res := h.svc.ProcessSubmission(ctx, form.ID, map[string]any{"a": "b"},
			map[string]any{key: "doc-1"}, ClientInfo{})
		if res.Success || !errors.Is(res.Err, common.ErrValidation) || res.Status != "" {
			t.Fatalf("meta %q result = %+v", key, res)
		}
		if _, err := h.subs.GetByID(ctx, res.SubmissionID); !errors.Is(err, common.ErrNotFound) {
			t.Fatalf("meta %q stored a row: %v", key, err)
		}
	}
	if _, err := h.meta.FindSubmissionID(ctx, constants.MetaDocumentID, "doc-1"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("document id should be unclaimed, got %v", err)
	}

	res := h.svc.ProcessSubmission(ctx, form.ID, map[string]any{"a": "b"},
		map[string]any{"source": "landing"}, ClientInfo{})
	if !res.Success {
		t.Fatalf("plain meta result = %+v", res)
	}
}

func TestAugmenterErrorStopsBeforePersisting(t *testing.T) {
	reject := errors.New("spam")
	h := newHarness(t, WithAugmenter(func(context.Context, *entity.Form, map[string]any) (map[string]any, error) {
		return nil, reject
	}))
	form := h.form(t, &entity.Form{Name: "F"})

	res := h.svc.ProcessSubmission(context.Background(), form.ID, map[string]any{"a": "b"}, nil, ClientInfo{})
	if res.Success || !errors.Is(res.Err, reject) {
		t.Fatalf("result = %+v", res)
	}
}

func TestSanitizerPolicy(t *testing.T) {
	s := NewSanitizer()
	out := s.Map(map[string]any{
		"text":  "  <script>alert(1)</script>Hello   <i>world</i> ",
		"email": "ana(at)@example.com",
		"site":  "https://example.com/a?b=1",
		"tags":  []any{"<b>x</b>", 3},
		"count": float64(2),
	})
	if out["text"] != "Hello world" {
		t.Fatalf("text = %q", out["text"])
	}
	if out["email"] != "anaat@example.com" {
		t.Fatalf("email = %q", out["email"])
	}
	if out["site"] != "https://example.com/a?b=1" {
		t.Fatalf("url = %q", out["site"])
	}
	tags := out["tags"].([]any)
	if tags[0] != "x" || tags[1] != "3" {
		t.Fatalf("tags = %v", tags)
	}
	if out["count"] != float64(2) {
		t.Fatalf("count = %v", out["count"])
	}
}

func TestSanitizerTextDecodesThenStrips(t *testing.T) {
	s := NewSanitizer()
	cases := map[string]string{
		"&lt;script&gt;alert(1)&lt;/script&gt;":      "",
		"<b>x</b>&lt;img src=x onerror=alert(1)&gt;": "x",
		"&amp;lt;i&amp;gt;nested&amp;lt;/i&amp;gt;":  "nested",
		"Tom &amp; Jerry":                            "Tom & Jerry",
		"O'Brien & Sons":                             "O'Brien & Sons",
		"3 < 5":                                      "3 < 5",
	}
	for in, want := range cases {
		got := s.Text(in)
		if got != want {
			t.Errorf("Text(%q) = %q, want %q", in, got, want)
		}
		if strings.Contains(got, "<script") || strings.Contains(got, "<img") || strings.Contains(got, "<i>") {
			t.Errorf("Text(%q) kept markup: %q", in, got)
		}
	}
}

func TestClientIPResolutionOrder(t *testing.T) {
	cases := []struct {
		name string
		ci   ClientInfo
		want string
	}{
		{"trusted header wins", ClientInfo{TrustedIP: "198.51.100.7", ForwardedFor: "203.0.113.1", RemoteAddr: "10.0.0.1:5000"}, "198.51.100.7"},
		{"first forwarded entry", ClientInfo{ForwardedFor: " 203.0.113.1 , 10.0.0.2", RemoteAddr: "10.0.0.1:5000"}, "203.0.113.1"},
		{"peer address", ClientInfo{RemoteAddr: "10.0.0.1:5000"}, "10.0.0.1"},
		{"nothing", ClientInfo{}, "0.0.0.0"},
		{"garbage header", ClientInfo{TrustedIP: "not-an-ip", RemoteAddr: "[::1]:80"}, "::1"},
	}
	for _, tc := range cases {
		if got := tc.ci.IP(); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}

	r := httptest.NewRequest("POST", "/submit", nil)
	r.Header.Set("Client-IP", "192.0.2.4")
	r.Header.Set("User-Agent", strings.Repeat("ü", 600))
	ci := ClientInfoFromRequest(r, "Client-IP")
	if ci.IP() != "192.0.2.4" {
		t.Fatalf("request ip = %q", ci.IP())
	}
	if n := len([]rune(ci.TruncatedUserAgent())); n != 500 {
		t.Fatalf("user agent runes = %d", n)
	}
}

func TestLimitKeyIgnoresForwardedFor(t *testing.T) {
	cases := []struct {
		name string
		ci   ClientInfo
		want string
	}{
		{"trusted header", ClientInfo{TrustedIP: "198.51.100.7", ForwardedFor: "203.0.113.1", RemoteAddr: "10.0.0.1:5000"}, "198.51.100.7"},
		{"forwarded for skipped", ClientInfo{ForwardedFor: "203.0.113.1", RemoteAddr: "10.0.0.1:5000"}, "10.0.0.1"},
		{"nothing", ClientInfo{ForwardedFor: "203.0.113.1"}, "0.0.0.0"},
	}
	for _, tc := range cases {
		if got := tc.ci.LimitKey(); got != tc.want {
			t.Errorf("%s: LimitKey() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDecodePayloadRaw(t *testing.T) {
	sub := &entity.Submission{Payload: []byte(`{"a":"b"}`)}
	fields, err := DecodePayload(sub)
	if err != nil || fields["a"] != "b" {
		t.Fatalf("fields = %v, %v", fields, err)
	}
}
