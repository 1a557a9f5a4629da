// Package ingest validates, sanitizes and stores form submissions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/async"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

// FormCacheTTL is how long resolved forms stay cached for ingestion.
const FormCacheTTL = 30 * time.Minute

// Result is the outcome of one submission. Err carries the typed cause for transports.
type Result struct {
	Success      bool                       `json:"success"`
	SubmissionID uuid.UUID                  `json:"submission_id"`
	Status       constants.SubmissionStatus `json:"status,omitempty"`
	Error        string                     `json:"error,omitempty"`
	Err          error                      `json:"-"`
}

// Augmenter may validate or enrich sanitized fields before they are stored.
type Augmenter func(ctx context.Context, form *entity.Form, data map[string]any) (map[string]any, error)

type Option func(*Service)

func WithAugmenter(a Augmenter) Option {
	return func(s *Service) { s.augment = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics registers the submission counter on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "ingest",
			Name:      "submissions_total",
			Help:      "Processed submissions by outcome.",
		}, []string{"outcome"})
		reg.MustRegister(s.submissions)
	}
}

type Service struct {
	forms       repository.FormRepository
	subs        repository.SubmissionRepository
	meta        repository.SubmissionMetaRepository
	queue       async.Queue
	cache       *cache.Manager
	sanitizer   *Sanitizer
	augment     Augmenter
	logger      *slog.Logger
	now         func() time.Time
	submissions *prometheus.CounterVec
}

func NewService(
	forms repository.FormRepository,
	subs repository.SubmissionRepository,
	meta repository.SubmissionMetaRepository,
	queue async.Queue,
	cm *cache.Manager,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		forms:     forms,
		subs:      subs,
		meta:      meta,
		queue:     queue,
		cache:     cm,
		sanitizer: NewSanitizer(),
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ProcessSubmission runs the whole ingestion path. It never returns an error: failures
// are reported in the Result, and a stored submission is marked failed on the way out.
func (s *Service) ProcessSubmission(ctx context.Context, formID int64, data, meta map[string]any, client ClientInfo) Result {
	start := s.now()
	id := uuid.New()
	logger := common.LoggerFromContext(ctx, s.logger).With("submission_id", id, "form_id", formID)

	stored, err := s.process(ctx, id, start, formID, data, meta, client)
	elapsed := roundMS(s.now().Sub(start))
	if err == nil {
		logger.Info("ingest.submission.ok", "processing_time_ms", elapsed)
		s.count("ok")
		return Result{Success: true, SubmissionID: id, Status: constants.SubmissionPending}
	}

	res := Result{SubmissionID: id, Error: err.Error(), Err: err}
	if stored {
		res.Status = constants.SubmissionFailed
		if _, _, ferr := s.subs.TransitionStatus(context.WithoutCancel(ctx), id, constants.SubmissionFailed); ferr != nil {
			logger.Error("ingest.submission.mark_failed", "error", ferr)
		}
	}
	logger.Error("ingest.submission.failed", "error", err, "processing_time_ms", elapsed, "stored", stored)
	s.count(outcome(err))
	return res
}

func (s *Service) process(ctx context.Context, id uuid.UUID, start time.Time, formID int64, data, meta map[string]any, client ClientInfo) (stored bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest panic: %v", r)
		}
	}()

	if err := checkMetaKeys(meta); err != nil {
		return false, err
	}
	form, err := s.resolveForm(ctx, formID)
	if err != nil {
		return false, err
	}

	clean := s.sanitizer.Map(data)
	if s.augment != nil {
		if clean, err = s.augment(ctx, form, clean); err != nil {
			return false, err
		}
	}

	payload, compressed, err := EncodePayload(clean)
	if err != nil {
		return false, common.ValidationErrorf("%v", err)
	}

	sub := &entity.Submission{
		ID:               id,
		FormID:           form.ID,
		Status:           constants.SubmissionPending,
		Payload:          payload,
		IsCompressed:     compressed,
		IPAddress:        client.IP(),
		UserAgent:        client.TruncatedUserAgent(),
		ProcessingTimeMS: roundMS(s.now().Sub(start)),
	}
	if client.Referrer != "" {
		ref := client.Referrer
		sub.Referrer = &ref
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return false, err
	}

	if err := s.storeMeta(ctx, id, meta); err != nil {
		return true, err
	}
	for _, job := range JobsFor(form, id) {
		if _, err := s.queue.Enqueue(ctx, job); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Service) resolveForm(ctx context.Context, formID int64) (*entity.Form, error) {
	form, err := cache.Remember(ctx, s.cache, cache.FormKey(formID), FormCacheTTL, func(ctx context.Context) (*entity.Form, error) {
		return s.forms.GetByID(ctx, formID)
	})
	if err != nil {
		return nil, err
	}
	if !form.IsActive() {
		return nil, common.NotFoundErrorf("form %d is not active", formID)
	}
	return form, nil
}

// checkMetaKeys refuses caller meta that would collide with workflow keys.
func checkMetaKeys(meta map[string]any) error {
	for k := range meta {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(k)), constants.ReservedMetaPrefix) {
			return common.ValidationErrorf("meta key %q is reserved", k)
		}
	}
	return nil
}

func (s *Service) storeMeta(ctx context.Context, id uuid.UUID, meta map[string]any) error {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := repository.MetaValue(meta[k])
		if err != nil {
			return common.ValidationErrorf("meta %s: %v", k, err)
		}
		if err := s.meta.Upsert(ctx, id, k, v); err != nil {
			return err
		}
	}
	return nil
}

// JobsFor lists the jobs a new submission triggers, in enqueue order.
func JobsFor(form *entity.Form, submissionID uuid.UUID) []async.Job {
	var jobs []async.Job
	if form.PDFTemplateID != "" {
		jobs = append(jobs, async.GeneratePDF(submissionID, form.PDFTemplateID))
	}
	if form.WantsSignature() {
		jobs = append(jobs, async.SendAutentique(submissionID))
	}
	if form.EmailTemplateID != "" {
		jobs = append(jobs, async.SendEmail(submissionID, form.EmailTemplateID))
	}
	return jobs
}

func (s *Service) count(outcome string) {
	if s.submissions != nil {
		s.submissions.WithLabelValues(outcome).Inc()
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return "not_found"
	case errors.Is(err, common.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func roundMS(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
