package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/internal/common"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"request_id": common.RequestIDFromContext(r.Context()),
		"error":      map[string]any{"code": code, "message": message},
	})
}

// writeErr maps err through the error taxonomy.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := "INTERNAL_ERROR"
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	writeError(w, r, common.HTTPStatus(err), code, err.Error())
}

const maxJSONBody = 1 << 20

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		return common.ValidationErrorf("invalid JSON body: %v", err)
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, common.ValidationErrorf("%s must be a positive integer", name)
	}
	return v, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, common.ValidationErrorf("%s must be a UUID", name)
	}
	return id, nil
}

// intQuery returns the query value as an int, def when absent.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, common.ValidationErrorf("%s must be a positive integer", name)
	}
	return v, nil
}
