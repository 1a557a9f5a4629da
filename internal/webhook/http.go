package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joseph-ayodele/formsign/internal/ingest"
)

// SignatureHeader carries the hex HMAC of the request body.
const SignatureHeader = "X-Autentique-Signature"

const maxBodyBytes = 1 << 20

// Handler serves the inbound webhook endpoint. Requests over the per-IP limit get 429.
// The limit is keyed on the trusted header or the peer address, never X-Forwarded-For.
func Handler(g *Gateway, limiter *IPLimiter, trustedIPHeader string, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := ingest.ClientInfoFromRequest(r, trustedIPHeader).LimitKey()
		if !limiter.Allow(ip, time.Now()) {
			logger.Warn("webhook.rate_limited", "ip", ip)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "rate limit exceeded"})
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "failed to read body"})
			return
		}
		if len(raw) > maxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"success": false, "error": "payload too large"})
			return
		}
		resp := g.Handle(r.Context(), raw, r.Header.Get(SignatureHeader))
		writeJSON(w, resp.StatusCode, resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
