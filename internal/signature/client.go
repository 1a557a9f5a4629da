package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
)

const defaultMaxDownloadBytes = 64 << 20

// Signer is one party asked to act on a document.
type Signer struct {
	Email  string                 `json:"email"`
	Name   string                 `json:"name,omitempty"`
	Phone  string                 `json:"phone,omitempty"`
	CPF    string                 `json:"cpf,omitempty"`
	Action constants.SignerAction `json:"action"`
}

// CreateDocumentRequest is the body of POST /documents.
type CreateDocumentRequest struct {
	Name               string   `json:"name"`
	File               string   `json:"file"` // base64 PDF
	Signers            []Signer `json:"signers"`
	Sandbox            bool     `json:"sandbox"`
	AutoClose          bool     `json:"auto_close"`
	SendAutomaticEmail bool     `json:"send_automatic_email"`
}

// Document is the provider's view of a signature document. Raw keeps the full response.
type Document struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Status  string          `json:"status,omitempty"`
	Signers []Signer        `json:"signers,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Provider is the signature provider REST contract.
type Provider interface {
	CreateDocument(ctx context.Context, req CreateDocumentRequest) (*Document, error)
	GetDocument(ctx context.Context, documentID string) (*Document, error)
	DownloadDocument(ctx context.Context, documentID string) ([]byte, error)
	CancelDocument(ctx context.Context, documentID, reason string) (*Document, error)
	ResendSignature(ctx context.Context, documentID, email string) error
}

// ProviderError is a non-2xx answer or transport failure from the provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return "signature provider: " + e.Message
	}
	return fmt.Sprintf("signature provider: status %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return common.ErrExternalService }

// ClientConfig configures the HTTP provider client.
type ClientConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// MaxDownloadBytes caps signed document downloads; zero means 64 MiB.
	MaxDownloadBytes int64
}

// Client talks to the provider over HTTP with a bearer token.
type Client struct {
	cfg         ClientConfig
	http        *http.Client
	logger      *slog.Logger
	maxDownload int64
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
		maxDownload: cfg.MaxDownloadBytes,
	}
}

func (c *Client) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*Document, error) {
	raw, err := c.do(ctx, http.MethodPost, "/documents", req)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, &ProviderError{StatusCode: http.StatusOK, Message: "create response has no document id"}
	}
	return doc, nil
}

func (c *Client) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	raw, err := c.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(documentID), nil)
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

// DownloadDocument resolves the signed file URL and fetches its bytes.
func (c *Client) DownloadDocument(ctx context.Context, documentID string) ([]byte, error) {
	raw, err := c.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(documentID)+"/download", nil)
	if err != nil {
		return nil, err
	}
	var link struct {
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(raw, &link); err != nil || link.DownloadURL == "" {
		return nil, &ProviderError{StatusCode: http.StatusOK, Message: "download response has no download_url"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	if c.sameOrigin(link.DownloadURL) {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if int64(len(data)) > c.maxDownload {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("signed document exceeds %d bytes", c.maxDownload)}
	}
	c.logger.Info("signature.http.download", "document_id", documentID, "bytes", len(data))
	return data, nil
}

func (c *Client) CancelDocument(ctx context.Context, documentID, reason string) (*Document, error) {
	raw, err := c.do(ctx, http.MethodPost, "/documents/"+url.PathEscape(documentID)+"/cancel", map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

func (c *Client) ResendSignature(ctx context.Context, documentID, email string) error {
	_, err := c.do(ctx, http.MethodPost, "/documents/"+url.PathEscape(documentID)+"/resend", map[string]string{"email": email})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path

	var rdr io.Reader
	size := 0
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		rdr = bytes.NewReader(bs)
		size = len(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Info("signature.http.request", "req_id", reqID, "method", method, "path", path, "content_length", size)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("signature.http.send_error", "req_id", reqID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ProviderError{Message: err.Error()}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("signature.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("signature.http.read_failed", "req_id", reqID, "status", resp.StatusCode, "error", err)
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}
	c.logger.Info("signature.http.response", "req_id", reqID, "status", resp.StatusCode, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	return raw, nil
}

func (c *Client) sameOrigin(raw string) bool {
	a, err1 := url.Parse(raw)
	b, err2 := url.Parse(c.cfg.BaseURL)
	return err1 == nil && err2 == nil && a.Scheme == b.Scheme && a.Host == b.Host
}

func decodeDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ProviderError{StatusCode: http.StatusOK, Message: "decode document: " + err.Error()}
	}
	doc.Raw = append(json.RawMessage(nil), raw...)
	return &doc, nil
}

// errorMessage pulls message or error out of a JSON error body.
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) <= 200 {
		return s
	}
	return fallback
}
