package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/export"
	"github.com/joseph-ayodele/formsign/internal/forms"
	"github.com/joseph-ayodele/formsign/internal/signature"
)

const defaultStatsWindowDays = 7

type admin struct {
	deps   Deps
	logger *slog.Logger
}

func (a *admin) createForm(w http.ResponseWriter, r *http.Request) {
	var req forms.CreateFormRequest
	if err := readJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	form, err := a.deps.Forms.CreateForm(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, form)
}

func (a *admin) getForm(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "formID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	form, err := a.deps.Forms.GetForm(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (a *admin) setFormStatus(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "formID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req struct {
		Status constants.FormStatus `json:"status"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := a.deps.Forms.SetStatus(r.Context(), id, req.Status); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "form_id": id, "status": req.Status})
}

// exportForm streams the submissions workbook. from/to are optional YYYY-MM-DD dates.
func (a *admin) exportForm(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "formID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	q := r.URL.Query()
	from, err := export.ParseDate("from", strings.TrimSpace(q.Get("from")))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	to, err := export.ParseDate("to", strings.TrimSpace(q.Get("to")))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	xlsx, err := a.deps.Export.SubmissionsXLSX(r.Context(), id, from, to)
	if err != nil {
		common.LoggerFromContext(r.Context(), a.logger).Error("export.xlsx.failed", "form_id", id, "error", err)
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="form-%d-submissions.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xlsx)
}

func (a *admin) webhookStats(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", defaultStatsWindowDays)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	stats, err := a.deps.Gateway.Stats(r.Context(), days)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *admin) retryWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "webhookID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	row, err := a.deps.Gateway.Retry(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (a *admin) pruneWebhooks(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 30)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	n, err := a.deps.Gateway.PruneOlderThan(r.Context(), days)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

func (a *admin) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Cache.Stats())
}

// flushCache drops keys matching ?pattern= (glob), or everything when absent.
func (a *admin) flushCache(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		ok := a.deps.Cache.Flush(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"success": ok})
		return
	}
	n := a.deps.Cache.FlushPattern(r.Context(), pattern)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

func (a *admin) jobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.deps.Jobs.CountByStatus(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *admin) createDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "submissionID")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeResult(w, a.deps.Orchestrator.CreateDocumentFromSubmission(r.Context(), id))
}

func (a *admin) documentStatus(w http.ResponseWriter, r *http.Request) {
	res := a.deps.Orchestrator.CheckDocumentStatus(r.Context(), chi.URLParam(r, "documentID"))
	writeJSON(w, common.HTTPStatus(res.Err), res)
}

func (a *admin) downloadDocument(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.deps.Orchestrator.DownloadSignedDocument(r.Context(), chi.URLParam(r, "documentID")))
}

func (a *admin) cancelDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	writeResult(w, a.deps.Orchestrator.CancelDocument(r.Context(), chi.URLParam(r, "documentID"), req.Reason))
}

func (a *admin) resendSignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	writeResult(w, a.deps.Orchestrator.ResendSignature(r.Context(), chi.URLParam(r, "documentID"), req.Email))
}

func writeResult(w http.ResponseWriter, res signature.Result) {
	writeJSON(w, common.HTTPStatus(res.Err), res)
}
