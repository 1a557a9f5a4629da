package server

import (
	"mime"
	"net/http"

	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/ingest"
)

type submissionRequest struct {
	Data map[string]any `json:"data"`
	Meta map[string]any `json:"meta"`
}

// submitHandler accepts JSON ({"data": {...}, "meta": {...}}) or a url-encoded form post.
func submitHandler(svc *ingest.Service, trustedIPHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID, err := int64Param(r, "formID")
		if err != nil {
			writeErr(w, r, err)
			return
		}

		var req submissionRequest
		ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch ct {
		case "application/x-www-form-urlencoded", "multipart/form-data":
			req.Data, err = formValues(w, r)
		default:
			err = readJSON(w, r, &req)
		}
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if len(req.Data) == 0 {
			writeErr(w, r, common.ValidationErrorf("submission has no fields"))
			return
		}

		res := svc.ProcessSubmission(r.Context(), formID, req.Data, req.Meta, ingest.ClientInfoFromRequest(r, trustedIPHeader))
		if !res.Success {
			writeJSON(w, common.HTTPStatus(res.Err), res)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// formValues flattens a form post: single values stay strings, repeated keys become lists.
func formValues(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := r.ParseMultipartForm(maxJSONBody); err != nil && err != http.ErrNotMultipart {
		return nil, common.ValidationErrorf("invalid form body: %v", err)
	}
	out := make(map[string]any, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		out[k] = vs
	}
	return out, nil
}
