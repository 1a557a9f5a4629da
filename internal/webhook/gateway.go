// Package webhook authenticates inbound provider callbacks, audits every delivery and
// hands verified events to the signature orchestrator.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/signature"
)

// Provider is recorded on every audit row.
const Provider = "autentique"

// Processor applies a verified event.
type Processor interface {
	ProcessSignatureWebhook(ctx context.Context, ev signature.Event) signature.Result
}

// Config controls signature enforcement.
type Config struct {
	Secret           string
	RequireSignature bool
}

// Response is what the HTTP layer writes back to the provider.
type Response struct {
	StatusCode int
	Body       map[string]any
	WebhookID  uuid.UUID
}

// Stats aggregates deliveries over a window.
type Stats struct {
	WindowDays  int                                  `json:"window_days"`
	Total       int64                                `json:"total"`
	Errors      int64                                `json:"errors"`
	ByStatus    map[constants.WebhookLogStatus]int64 `json:"by_status"`
	ByEvent     map[string]int64                     `json:"by_event"`
	SuccessRate float64                              `json:"success_rate"`
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithMetrics registers the delivery counter on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formsign",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Inbound webhook deliveries by final audit status.",
		}, []string{"status"})
		reg.MustRegister(g.deliveries)
	}
}

type Gateway struct {
	cfg        Config
	logs       repository.WebhookLogRepository
	activity   repository.ActivityLogRepository
	proc       Processor
	logger     *slog.Logger
	now        func() time.Time
	deliveries *prometheus.CounterVec
}

func NewGateway(cfg Config, logs repository.WebhookLogRepository, activity repository.ActivityLogRepository,
	proc Processor, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:      cfg,
		logs:     logs,
		activity: activity,
		proc:     proc,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handle processes one delivery. Only signature failures (401) and parse or audit
// failures (500) are surfaced; everything else answers 200.
func (g *Gateway) Handle(ctx context.Context, raw []byte, signatureHeader string) (resp Response) {
	start := g.now()
	logger := common.LoggerFromContext(ctx, g.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("webhook.panic", "panic", r)
			resp = errorResponse(http.StatusInternalServerError, "internal error")
		}
	}()

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		logger.Error("webhook.decode_failed", "error", err, "bytes", len(raw))
		row := &entity.WebhookLog{Provider: Provider, EventType: "unknown", Status: constants.WebhookError, Payload: raw}
		msg := "invalid JSON payload: " + err.Error()
		row.ErrorMessage = &msg
		row.ProcessingTimeMS = g.elapsed(start)
		if ierr := g.logs.Insert(ctx, row); ierr != nil {
			logger.Error("webhook.audit_failed", "error", ierr)
		}
		g.count(constants.WebhookError)
		return errorResponse(http.StatusInternalServerError, "invalid JSON payload")
	}
	fields, _ := decoded.(map[string]any)
	eventType, _ := fields["event"].(string)
	documentID, _ := fields["document_id"].(string)
	if eventType == "" {
		eventType = "unknown"
	}
	logger = logger.With("event", eventType, "document_id", documentID)

	row := &entity.WebhookLog{Provider: Provider, EventType: eventType, DocumentID: documentID, Payload: raw}
	if err := g.logs.Insert(ctx, row); err != nil {
		logger.Error("webhook.audit_failed", "error", err)
		g.count(constants.WebhookError)
		return errorResponse(http.StatusInternalServerError, "failed to record webhook")
	}
	logger = logger.With("webhook_id", row.ID)

	if err := Verify(g.cfg.Secret, g.cfg.RequireSignature, raw, signatureHeader); err != nil {
		logger.Warn("webhook.signature_rejected", "error", err)
		g.finish(ctx, row, constants.WebhookRejected, err.Error(), start, logger)
		resp = errorResponse(http.StatusUnauthorized, "invalid signature")
		resp.WebhookID = row.ID
		return resp
	}

	status, errMsg, success := g.apply(ctx, decoded, raw, logger)
	elapsed := g.finish(ctx, row, status, errMsg, start, logger)
	return Response{
		StatusCode: http.StatusOK,
		Body:       map[string]any{"success": success, "processing_time_ms": elapsed},
		WebhookID:  row.ID,
	}
}

// apply validates and dispatches a verified payload and returns the audit outcome.
func (g *Gateway) apply(ctx context.Context, decoded any, raw []byte, logger *slog.Logger) (constants.WebhookLogStatus, string, bool) {
	if err := validatePayload(decoded); err != nil {
		logger.Warn("webhook.payload_invalid", "error", err)
		return constants.WebhookRejected, err.Error(), false
	}
	var ev signature.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return constants.WebhookRejected, err.Error(), false
	}
	res := g.proc.ProcessSignatureWebhook(ctx, ev)
	switch {
	case res.Success:
		logger.Info("webhook.processed", "submission_id", res.SubmissionID)
		return constants.WebhookProcessed, "", true
	case errors.Is(res.Err, common.ErrValidation), errors.Is(res.Err, common.ErrNotFound):
		logger.Warn("webhook.rejected", "error", res.Error)
		return constants.WebhookRejected, res.Error, false
	default:
		logger.Error("webhook.processing_error", "error", res.Error)
		return constants.WebhookError, res.Error, false
	}
}

func (g *Gateway) finish(ctx context.Context, row *entity.WebhookLog, status constants.WebhookLogStatus, errMsg string, start time.Time, logger *slog.Logger) float64 {
	elapsed := g.elapsed(start)
	if err := g.logs.Finish(ctx, row.ID, status, errMsg, elapsed); err != nil {
		logger.Error("webhook.audit_finish_failed", "error", err)
	}
	g.count(status)
	level := "info"
	if status != constants.WebhookProcessed {
		level = "warning"
	}
	fields := map[string]any{
		"webhook_id": row.ID, "event": row.EventType, "document_id": row.DocumentID,
		"status": status, "processing_time_ms": elapsed,
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if g.activity != nil {
		if err := g.activity.Record(context.WithoutCancel(ctx), level, "webhook", "webhook "+string(status), fields); err != nil {
			logger.Warn("webhook.activity_failed", "error", err)
		}
	}
	return elapsed
}

// Stats counts deliveries of the last windowDays days. The success rate is
// (total - errors) / total, and 0 when there were no deliveries.
func (g *Gateway) Stats(ctx context.Context, windowDays int) (*Stats, error) {
	if windowDays <= 0 {
		return nil, common.ValidationErrorf("window must be at least one day")
	}
	counts, err := g.logs.CountSince(ctx, g.now().AddDate(0, 0, -windowDays))
	if err != nil {
		return nil, err
	}
	st := &Stats{
		WindowDays: windowDays,
		ByStatus:   make(map[constants.WebhookLogStatus]int64),
		ByEvent:    make(map[string]int64),
	}
	for _, c := range counts {
		st.Total += c.Count
		st.ByStatus[c.Status] += c.Count
		st.ByEvent[c.EventType] += c.Count
		if c.Status == constants.WebhookError {
			st.Errors += c.Count
		}
	}
	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Total-st.Errors)/float64(st.Total)*10000) / 10000
	}
	return st, nil
}

// Retry replays a stored delivery that ended in error or rejected. The stored body is
// schema-checked again; its signature is not, since replay is an operator action.
func (g *Gateway) Retry(ctx context.Context, webhookID uuid.UUID) (*entity.WebhookLog, error) {
	start := g.now()
	row, err := g.logs.GetByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if !row.Status.Retryable() {
		return nil, common.ValidationErrorf("webhook %s is %s; only error or rejected deliveries can be retried", webhookID, row.Status)
	}
	logger := common.LoggerFromContext(ctx, g.logger).With("webhook_id", webhookID, "event", row.EventType, "retry", true)

	var decoded any
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		return nil, common.ValidationErrorf("stored payload is not JSON: %v", err)
	}
	status, errMsg, _ := g.apply(ctx, decoded, row.Payload, logger)
	row.ProcessingTimeMS = g.finish(ctx, row, status, errMsg, start, logger)
	row.Status = status
	row.ErrorMessage = nil
	if errMsg != "" {
		row.ErrorMessage = &errMsg
	}
	logger.Info("webhook.retried", "status", status)
	return row, nil
}

// PruneOlderThan deletes audit rows older than days.
func (g *Gateway) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, common.ValidationErrorf("retention must be at least one day")
	}
	n, err := g.logs.DeleteOlderThan(ctx, g.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	g.logger.Info("webhook.pruned", "days", days, "deleted", n)
	return n, nil
}

func (g *Gateway) elapsed(start time.Time) float64 {
	d := g.now().Sub(start)
	return math.Round(float64(d.Microseconds())/10) / 100
}

func (g *Gateway) count(status constants.WebhookLogStatus) {
	if g.deliveries != nil {
		g.deliveries.WithLabelValues(string(status)).Inc()
	}
}

func errorResponse(code int, msg string) Response {
	return Response{StatusCode: code, Body: map[string]any{"success": false, "error": msg}}
}
