// Package signature turns submissions into provider signature documents and follows
// them through signing, refusal and completion.
package signature

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/async"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/ingest"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/storage"
)

const (
	SubmissionCacheTTL = 5 * time.Minute
	FormCacheTTL       = 10 * time.Minute
	StatusCacheTTL     = 5 * time.Minute
)

// Signature status values mirrored into submission meta.
const (
	docStatusPending   = "pending"
	docStatusSigned    = "signed"
	docStatusRefused   = "refused"
	docStatusCompleted = "completed"
	docStatusCancelled = "cancelled"
)

// errNotPending marks a create request for a submission that already left pending.
// The submission keeps its status.
var errNotPending = errors.New("submission is not pending")

// Result is the structured outcome of an orchestrator operation.
type Result struct {
	Success      bool                       `json:"success"`
	SubmissionID uuid.UUID                  `json:"submission_id,omitempty"`
	DocumentID   string                     `json:"document_id,omitempty"`
	Status       constants.SubmissionStatus `json:"status,omitempty"`
	SignedURL    string                     `json:"signed_url,omitempty"`
	SignedPath   string                     `json:"signed_path,omitempty"`
	// AlreadyDone is set when the operation found its work already applied.
	AlreadyDone bool   `json:"already_done,omitempty"`
	Error       string `json:"error,omitempty"`
	Err         error  `json:"-"`
}

// StatusResult is the outcome of CheckDocumentStatus.
type StatusResult struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status,omitempty"`
	Cached     bool   `json:"cached"`
	Error      string `json:"error,omitempty"`
	Err        error  `json:"-"`
}

// Event is an inbound provider callback after authentication.
type Event struct {
	Event       string      `json:"event"`
	DocumentID  string      `json:"document_id"`
	Signer      *EventParty `json:"signer,omitempty"`
	AllSigned   bool        `json:"all_signed"`
	SignedAt    string      `json:"signed_at,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	ViewerEmail string      `json:"viewer_email,omitempty"`
}

type EventParty struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Forms       repository.FormRepository
	Submissions repository.SubmissionRepository
	Meta        repository.SubmissionMetaRepository
	Queue       async.Queue
	Cache       *cache.Manager
	Provider    Provider
	Store       storage.Store
	Activity    repository.ActivityLogRepository // optional
}

type Option func(*Orchestrator)

// WithTemplateRenderer sets the renderer used when a form names a signature template.
func WithTemplateRenderer(r Renderer) Option {
	return func(o *Orchestrator) { o.templates = r }
}

func WithFallbackRenderer(r Renderer) Option {
	return func(o *Orchestrator) { o.fallback = r }
}

func WithCompletionHook(h CompletionHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

// WithSandboxDefault forces sandbox documents regardless of form settings.
func WithSandboxDefault(sandbox bool) Option {
	return func(o *Orchestrator) { o.sandbox = sandbox }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers the webhook event counter on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) {
		o.events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "signature",
			Name:      "events_total",
			Help:      "Provider events handled by event type and outcome.",
		}, []string{"event", "outcome"})
		reg.MustRegister(o.events)
	}
}

type Orchestrator struct {
	deps      Dependencies
	templates Renderer
	fallback  Renderer
	hook      CompletionHook
	sandbox   bool
	now       func() time.Time
	logger    *slog.Logger
	events    *prometheus.CounterVec
}

func NewOrchestrator(deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:     deps,
		fallback: FieldTableRenderer{},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateDocumentFromSubmission renders the submission, sends it to the provider and moves
// the submission to pending_signature. A submission that already has a document is left alone.
func (o *Orchestrator) CreateDocumentFromSubmission(ctx context.Context, submissionID uuid.UUID) Result {
	start := o.now()
	logger := common.LoggerFromContext(ctx, o.logger).With("submission_id", submissionID)

	res, err := o.createDocument(ctx, submissionID, logger)
	if err != nil {
		if !errors.Is(err, errNotPending) && (errors.Is(err, common.ErrValidation) || errors.Is(err, common.ErrNotFound)) {
			o.markFailed(ctx, submissionID, logger)
		}
		logger.Error("signature.document.create_failed", "error", err, "elapsed_ms", o.now().Sub(start).Milliseconds())
		o.activity(ctx, "error", "document creation failed", map[string]any{"submission_id": submissionID, "error": err.Error()})
		return failure(submissionID, err)
	}
	logger.Info("signature.document.created", "document_id", res.DocumentID, "already_done", res.AlreadyDone,
		"elapsed_ms", o.now().Sub(start).Milliseconds())
	return res
}

func (o *Orchestrator) createDocument(ctx context.Context, submissionID uuid.UUID, logger *slog.Logger) (Result, error) {
	sub, err := cache.Remember(ctx, o.deps.Cache, cache.SubmissionKey(submissionID), SubmissionCacheTTL,
		func(ctx context.Context) (*entity.Submission, error) {
			return o.deps.Submissions.GetByID(ctx, submissionID)
		})
	if err != nil {
		return Result{}, err
	}
	form, err := cache.Remember(ctx, o.deps.Cache, cache.FormKey(sub.FormID), FormCacheTTL,
		func(ctx context.Context) (*entity.Form, error) {
			return o.deps.Forms.GetByID(ctx, sub.FormID)
		})
	if err != nil {
		return Result{}, err
	}
	settings := form.Settings.Signature
	if !settings.Enabled {
		return Result{}, common.ValidationErrorf("form %d does not have signature enabled", form.ID)
	}

	existing, err := o.deps.Meta.Get(ctx, submissionID, constants.MetaDocumentID)
	switch {
	case err == nil && existing != "":
		return Result{Success: true, SubmissionID: submissionID, DocumentID: existing, Status: sub.Status, AlreadyDone: true}, nil
	case err != nil && !errors.Is(err, common.ErrNotFound):
		return Result{}, err
	}

	// The cached row may be stale; only a pending submission may reach the provider.
	sub, err = o.deps.Submissions.GetByID(ctx, submissionID)
	if err != nil {
		return Result{}, err
	}
	if sub.Status != constants.SubmissionPending {
		o.deps.Cache.Delete(ctx, cache.SubmissionKey(submissionID))
		return Result{}, common.NewAppError("VALIDATION_ERROR",
			fmt.Sprintf("submission %s is %s, not %s", submissionID, sub.Status, constants.SubmissionPending),
			errors.Join(common.ErrValidation, errNotPending))
	}

	fields, err := ingest.DecodePayload(sub)
	if err != nil {
		return Result{}, common.ValidationErrorf("decode submission payload: %v", err)
	}
	signers, err := ExtractSigners(settings.Signers, fields)
	if err != nil {
		return Result{}, err
	}

	name := settings.DocumentName
	if name == "" {
		name = fmt.Sprintf("%s - %s", form.Name, submissionID.String()[:8])
	}
	pdf, err := o.render(ctx, RenderInput{Title: name, TemplateID: settings.TemplateID, Form: form, Submission: sub, Fields: fields}, logger)
	if err != nil {
		return Result{}, err
	}

	doc, err := o.deps.Provider.CreateDocument(ctx, CreateDocumentRequest{
		Name:               name,
		File:               base64.StdEncoding.EncodeToString(pdf),
		Signers:            signers,
		Sandbox:            settings.Sandbox || o.sandbox,
		AutoClose:          boolOr(settings.AutoClose, true),
		SendAutomaticEmail: boolOr(settings.SendAutomaticEmail, true),
	})
	if err != nil {
		return Result{}, err
	}

	docStatus := doc.Status
	if docStatus == "" {
		docStatus = docStatusPending
	}
	for _, kv := range [][2]string{
		{constants.MetaDocumentID, doc.ID},
		{constants.MetaProviderResponse, string(doc.Raw)},
		{constants.MetaSignatureStatus, docStatus},
	} {
		if err := o.deps.Meta.Upsert(ctx, submissionID, kv[0], kv[1]); err != nil {
			return Result{}, err
		}
	}

	if _, _, err := o.deps.Submissions.TransitionStatus(ctx, submissionID, constants.SubmissionPendingSignature); err != nil {
		return Result{}, err
	}
	o.deps.Cache.Delete(ctx, cache.SubmissionKey(submissionID))

	if _, err := o.deps.Queue.Enqueue(ctx, async.StatusCheck(submissionID, doc.ID, o.now().Add(constants.StatusCheckDelay))); err != nil {
		return Result{}, err
	}
	o.activity(ctx, "info", "document created", map[string]any{
		"submission_id": submissionID, "document_id": doc.ID, "signers": len(signers),
	})
	return Result{Success: true, SubmissionID: submissionID, DocumentID: doc.ID, Status: constants.SubmissionPendingSignature}, nil
}

// render produces the PDF bytes in a scratch directory that is removed before returning.
func (o *Orchestrator) render(ctx context.Context, in RenderInput, logger *slog.Logger) ([]byte, error) {
	dir, err := os.MkdirTemp("", "formsign-doc-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	r := o.fallback
	if in.TemplateID != "" {
		if o.templates != nil {
			r = o.templates
		} else {
			logger.Warn("signature.render.no_template_renderer", "template_id", in.TemplateID)
		}
	}
	path, err := r.Render(ctx, dir, in)
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rendered document: %w", err)
	}
	return data, nil
}

// ProcessSignatureWebhook applies a provider event. Once the owning submission is found the
// result is successful even if handling the event fails; such failures are logged.
func (o *Orchestrator) ProcessSignatureWebhook(ctx context.Context, ev Event) Result {
	logger := common.LoggerFromContext(ctx, o.logger).With("event", ev.Event, "document_id", ev.DocumentID)
	if ev.Event == "" || ev.DocumentID == "" {
		o.countEvent(ev.Event, "invalid")
		return failure(uuid.Nil, common.ValidationErrorf("event and document_id are required"))
	}
	subID, err := o.deps.Meta.FindSubmissionID(ctx, constants.MetaDocumentID, ev.DocumentID)
	if err != nil {
		logger.Warn("signature.webhook.unknown_document", "error", err)
		o.countEvent(ev.Event, "unknown_document")
		return failure(uuid.Nil, err)
	}
	logger = logger.With("submission_id", subID)

	if err := o.dispatch(ctx, subID, ev, logger); err != nil {
		logger.Error("signature.webhook.dispatch", "error", err)
		o.activity(ctx, "error", "webhook dispatch failed", map[string]any{
			"submission_id": subID, "document_id": ev.DocumentID, "event": ev.Event, "error": err.Error(),
		})
		o.countEvent(ev.Event, "dispatch_error")
	} else {
		o.countEvent(ev.Event, "ok")
	}
	return Result{Success: true, SubmissionID: subID, DocumentID: ev.DocumentID}
}

func (o *Orchestrator) dispatch(ctx context.Context, subID uuid.UUID, ev Event, logger *slog.Logger) error {
	switch ev.Event {
	case constants.EventDocumentSigned:
		signer := ""
		if ev.Signer != nil {
			signer = ev.Signer.Email
		}
		logger.Info("signature.webhook.signed", "signer", signer, "signed_at", ev.SignedAt, "all_signed", ev.AllSigned)
		if !ev.AllSigned {
			return nil
		}
		if err := o.transition(ctx, subID, constants.SubmissionFullySigned, docStatusSigned); err != nil {
			return err
		}
		_, err := o.deps.Queue.Enqueue(ctx, async.Download(subID, ev.DocumentID))
		return err

	case constants.EventDocumentCompleted:
		logger.Info("signature.webhook.completed")
		res := o.DownloadSignedDocument(ctx, ev.DocumentID)
		if !res.Success {
			return res.Err
		}
		return nil

	case constants.EventDocumentRefused:
		logger.Info("signature.webhook.refused", "reason", ev.Reason)
		return o.transition(ctx, subID, constants.SubmissionSignatureRefused, docStatusRefused)

	case constants.EventDocumentViewed:
		logger.Info("signature.webhook.viewed", "viewer_email", ev.ViewerEmail)
		return nil

	default:
		logger.Info("signature.webhook.unhandled_event")
		return nil
	}
}

func (o *Orchestrator) transition(ctx context.Context, subID uuid.UUID, to constants.SubmissionStatus, docStatus string) error {
	if _, _, err := o.deps.Submissions.TransitionStatus(ctx, subID, to); err != nil {
		return err
	}
	o.deps.Cache.Delete(ctx, cache.SubmissionKey(subID))
	return o.deps.Meta.Upsert(ctx, subID, constants.MetaSignatureStatus, docStatus)
}

// CheckDocumentStatus returns the provider status of a document, cached for StatusCacheTTL.
// A fresh fetch is mirrored into the owning submission's meta.
func (o *Orchestrator) CheckDocumentStatus(ctx context.Context, documentID string) StatusResult {
	logger := common.LoggerFromContext(ctx, o.logger).With("document_id", documentID)
	if documentID == "" {
		err := common.ValidationErrorf("document_id is required")
		return StatusResult{Error: err.Error(), Err: err}
	}
	fresh := false
	status, err := cache.Remember(ctx, o.deps.Cache, cache.DocumentStatusKey(documentID), StatusCacheTTL,
		func(ctx context.Context) (string, error) {
			doc, err := o.deps.Provider.GetDocument(ctx, documentID)
			if err != nil {
				return "", err
			}
			fresh = true
			o.mirrorStatus(ctx, documentID, doc.Status, logger)
			return doc.Status, nil
		})
	if err != nil {
		logger.Error("signature.status.failed", "error", err)
		return StatusResult{DocumentID: documentID, Error: err.Error(), Err: err}
	}
	logger.Info("signature.status", "status", status, "cached", !fresh)
	return StatusResult{Success: true, DocumentID: documentID, Status: status, Cached: !fresh}
}

func (o *Orchestrator) mirrorStatus(ctx context.Context, documentID, status string, logger *slog.Logger) {
	subID, err := o.deps.Meta.FindSubmissionID(ctx, constants.MetaDocumentID, documentID)
	if err != nil {
		logger.Warn("signature.status.mirror_skipped", "error", err)
		return
	}
	if err := o.deps.Meta.Upsert(ctx, subID, constants.MetaSignatureStatus, status); err != nil {
		logger.Warn("signature.status.mirror_failed", "submission_id", subID, "error", err)
	}
}

// DownloadSignedDocument stores the signed file and completes the submission. When the
// submission is already completed with a stored file, the stored location is returned.
func (o *Orchestrator) DownloadSignedDocument(ctx context.Context, documentID string) Result {
	start := o.now()
	logger := common.LoggerFromContext(ctx, o.logger).With("document_id", documentID)

	res, err := o.download(ctx, documentID, logger)
	if err != nil {
		logger.Error("signature.download.failed", "error", err, "elapsed_ms", o.now().Sub(start).Milliseconds())
		return failure(res.SubmissionID, err)
	}
	logger.Info("signature.download.ok", "submission_id", res.SubmissionID, "path", res.SignedPath,
		"already_done", res.AlreadyDone, "elapsed_ms", o.now().Sub(start).Milliseconds())
	return res
}

func (o *Orchestrator) download(ctx context.Context, documentID string, logger *slog.Logger) (Result, error) {
	if documentID == "" {
		return Result{}, common.ValidationErrorf("document_id is required")
	}
	subID, err := o.deps.Meta.FindSubmissionID(ctx, constants.MetaDocumentID, documentID)
	if err != nil {
		return Result{}, err
	}
	res := Result{SubmissionID: subID, DocumentID: documentID}

	sub, err := o.deps.Submissions.GetByID(ctx, subID)
	if err != nil {
		return res, err
	}
	switch sub.Status {
	case constants.SubmissionCompleted:
		url, err := o.deps.Meta.Get(ctx, subID, constants.MetaSignedURL)
		if err == nil && url != "" {
			path, _ := o.deps.Meta.Get(ctx, subID, constants.MetaSignedPath)
			res.Success, res.AlreadyDone, res.Status = true, true, sub.Status
			res.SignedURL, res.SignedPath = url, path
			return res, nil
		}
	case constants.SubmissionFailed:
		return res, common.ValidationErrorf("submission %s has failed", subID)
	}

	data, err := o.deps.Provider.DownloadDocument(ctx, documentID)
	if err != nil {
		return res, err
	}
	path := constants.SignedDocumentPath(subID.String(), documentID)
	url, err := o.deps.Store.Put(ctx, path, data, constants.ContentTypePDF)
	if err != nil {
		return res, err
	}
	for _, kv := range [][2]string{
		{constants.MetaSignedURL, url},
		{constants.MetaSignedPath, path},
		{constants.MetaSignatureStatus, docStatusCompleted},
	} {
		if err := o.deps.Meta.Upsert(ctx, subID, kv[0], kv[1]); err != nil {
			return res, err
		}
	}
	_, changed, err := o.deps.Submissions.TransitionStatus(ctx, subID, constants.SubmissionCompleted)
	if err != nil {
		return res, err
	}
	o.deps.Cache.Delete(ctx, cache.SubmissionKey(subID))
	o.deps.Cache.Delete(ctx, cache.DocumentStatusKey(documentID))

	res.Success, res.Status = true, constants.SubmissionCompleted
	res.SignedURL, res.SignedPath = url, path
	res.AlreadyDone = !changed
	if changed {
		o.activity(ctx, "info", "document completed", map[string]any{
			"submission_id": subID, "document_id": documentID, "path": path,
		})
		if o.hook != nil {
			o.hook.DocumentCompleted(ctx, Completion{SubmissionID: subID, DocumentID: documentID, SignedURL: url, CompletedAt: o.now().UTC()})
		}
	}
	return res, nil
}

// CancelDocument cancels a document at the provider and mirrors the new status.
func (o *Orchestrator) CancelDocument(ctx context.Context, documentID, reason string) Result {
	logger := common.LoggerFromContext(ctx, o.logger).With("document_id", documentID)
	if documentID == "" {
		return failure(uuid.Nil, common.ValidationErrorf("document_id is required"))
	}
	doc, err := o.deps.Provider.CancelDocument(ctx, documentID, reason)
	if err != nil {
		logger.Error("signature.cancel.failed", "error", err)
		return failure(uuid.Nil, err)
	}
	status := doc.Status
	if status == "" {
		status = docStatusCancelled
	}
	o.mirrorStatus(ctx, documentID, status, logger)
	o.deps.Cache.Delete(ctx, cache.DocumentStatusKey(documentID))
	logger.Info("signature.cancel.ok", "reason", reason)
	return Result{Success: true, DocumentID: documentID}
}

// ResendSignature asks the provider to notify a signer again.
func (o *Orchestrator) ResendSignature(ctx context.Context, documentID, email string) Result {
	logger := common.LoggerFromContext(ctx, o.logger).With("document_id", documentID)
	v := common.NewValidator().
		Field("document_id", documentID, common.Required).
		Field("email", email, common.Required, common.Email)
	if err := v.Err(); err != nil {
		return failure(uuid.Nil, err)
	}
	if err := o.deps.Provider.ResendSignature(ctx, documentID, email); err != nil {
		logger.Error("signature.resend.failed", "error", err)
		return failure(uuid.Nil, err)
	}
	logger.Info("signature.resend.ok", "email", email)
	return Result{Success: true, DocumentID: documentID}
}

func (o *Orchestrator) markFailed(ctx context.Context, id uuid.UUID, logger *slog.Logger) {
	if _, _, err := o.deps.Submissions.TransitionStatus(context.WithoutCancel(ctx), id, constants.SubmissionFailed); err != nil &&
		!errors.Is(err, common.ErrNotFound) {
		logger.Warn("signature.document.mark_failed", "error", err)
		return
	}
	o.deps.Cache.Delete(ctx, cache.SubmissionKey(id))
}

func (o *Orchestrator) activity(ctx context.Context, level, message string, fields map[string]any) {
	if o.deps.Activity == nil {
		return
	}
	if err := o.deps.Activity.Record(context.WithoutCancel(ctx), level, "signature", message, fields); err != nil {
		o.logger.Warn("signature.activity.record_failed", "error", err)
	}
}

func (o *Orchestrator) countEvent(event, outcome string) {
	if o.events == nil {
		return
	}
	switch event {
	case constants.EventDocumentSigned, constants.EventDocumentCompleted,
		constants.EventDocumentRefused, constants.EventDocumentViewed:
	default:
		event = "other"
	}
	o.events.WithLabelValues(event, outcome).Inc()
}

func failure(id uuid.UUID, err error) Result {
	return Result{SubmissionID: id, Error: err.Error(), Err: err}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
