package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Completion describes a document whose signed copy has been stored.
type Completion struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	DocumentID   string    `json:"document_id"`
	SignedURL    string    `json:"signed_url"`
	CompletedAt  time.Time `json:"completed_at"`
}

// CompletionHook is told about completed documents. Implementations must not block.
type CompletionHook interface {
	DocumentCompleted(ctx context.Context, c Completion)
}

// HTTPNotifier posts completions to a URL from a background goroutine.
type HTTPNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewHTTPNotifier(url string, timeout time.Duration, logger *slog.Logger) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{url: url, client: &http.Client{Timeout: timeout}, logger: logger}
}

func (n *HTTPNotifier) DocumentCompleted(ctx context.Context, c Completion) {
	body, err := json.Marshal(c)
	if err != nil {
		n.logger.Error("signature.notify.encode_error", "document_id", c.DocumentID, "error", err)
		return
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("signature.notify.build_request_error", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Warn("signature.notify.send_error", "document_id", c.DocumentID, "error", err)
			return
		}
		_ = resp.Body.Close()
		n.logger.Info("signature.notify.sent", "document_id", c.DocumentID, "status", resp.StatusCode)
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *HTTPNotifier) Wait() {
	n.wg.Wait()
}
