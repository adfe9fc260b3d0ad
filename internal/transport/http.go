// Package transport delivers queued payloads to the remote collector over
// HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/sync/batch"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/uuid"
)

const (
	FeedbackPath = "/api/feedback"
	MetricsPath  = "/api/metrics/batch"

	DefaultRequestTimeout = 25 * time.Second

	maxErrorBody = 4 << 10
)

// Options configures an HTTPClient.
type Options struct {
	Endpoint string
	UserID   string
	Token    string

	// RequestTimeout bounds a request that carries no deadline of its own.
	RequestTimeout time.Duration

	// TreatClientErrorsAsTerminal reports 4xx responses other than 408, 413
	// and 429 as CLIENT_REJECTED instead of TRANSPORT_ERROR.
	TreatClientErrorsAsTerminal bool

	HTTPClient *http.Client
}

// HTTPClient posts feedback and metrics payloads to the collector.
type HTTPClient struct {
	baseURL        string
	userID         string
	token          string
	requestTimeout time.Duration
	clientTerminal bool
	httpClient     *http.Client
}

// HTTPError describes a non-2xx collector response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("collector returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("collector returned %d", e.StatusCode)
}

type submission struct {
	UserID         string            `json:"userId"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Metrics        []json.RawMessage `json:"metrics,omitempty"`
	IDs            []string          `json:"ids"`
	BackgroundSync bool              `json:"backgroundSync"`
	BatchInfo      *batch.Info       `json:"batchInfo,omitempty"`
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "transport endpoint is required")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		baseURL:        endpoint,
		userID:         opts.UserID,
		token:          opts.Token,
		requestTimeout: timeout,
		clientTerminal: opts.TreatClientErrorsAsTerminal,
		httpClient:     client,
	}, nil
}

// SendFeedback posts one feedback item. The item id doubles as the
// idempotency key so the collector can drop replays.
func (c *HTTPClient) SendFeedback(ctx context.Context, item models.QueuedItem, background bool) error {
	body := submission{
		UserID:         c.userID,
		Payload:        item.Payload,
		IDs:            []string{item.ID},
		BackgroundSync: background,
	}
	headers := map[string]string{"Idempotency-Key": item.ID}
	return c.post(ctx, FeedbackPath, headers, body)
}

// SendMetrics posts a set of metrics batches in one request. info is set
// when the request is one chunk of a split transmission.
func (c *HTTPClient) SendMetrics(ctx context.Context, items []models.QueuedItem, info *batch.Info, background bool) error {
	if len(items) == 0 {
		return nil
	}
	metrics := make([]json.RawMessage, len(items))
	for i, item := range items {
		metrics[i] = item.Payload
	}
	body := submission{
		UserID:         c.userID,
		Metrics:        metrics,
		IDs:            models.IDs(items),
		BackgroundSync: background,
		BatchInfo:      info,
	}
	return c.post(ctx, MetricsPath, nil, body)
}

func (c *HTTPClient) post(ctx context.Context, requestPath string, headers map[string]string, body any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode submission", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "build request", err)
	}
	correlationID := uuid.NewCorrelationID(time.Now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "post "+requestPath, err)
	}
	payloadBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if readErr != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "read response", readErr)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}

	logging.Debug("Collector rejected submission", map[string]interface{}{
		"path":           requestPath,
		"status":         resp.StatusCode,
		"correlation_id": correlationID,
	})
	return apperrors.Wrap(c.classify(resp.StatusCode), "post "+requestPath, httpErr)
}

func (c *HTTPClient) classify(status int) apperrors.ErrorCode {
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return apperrors.ErrPayloadTooLarge
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return apperrors.ErrTransport
	case c.clientTerminal && status >= 400 && status <= 499:
		return apperrors.ErrClientRejected
	default:
		return apperrors.ErrTransport
	}
}
