package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/domain/note"
)

const maxErrorBody = 512

// HTTPClient posts JSON requests to a collaborator endpoint
type HTTPClient struct {
	service    string
	url        string
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewHTTPClient creates a client for one collaborator endpoint
func NewHTTPClient(service, url string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		service:    service,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     otel.Tracer("collaborator"),
	}
}

// post sends body as JSON and decodes a 2xx answer into out
func (c *HTTPClient) post(ctx context.Context, body, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, c.service+".post",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("collaborator", c.service)))
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", c.service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("%s request: %w", c.service, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("collaborator responded",
		zap.String("service", c.service),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &StatusError{Service: c.service, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return fmt.Errorf("%s: %w: %v", c.service, ErrMalformedResponse, err)
	}
	return nil
}

// HTTPSummarizer calls a summarization endpoint
type HTTPSummarizer struct {
	client *HTTPClient
}

// NewHTTPSummarizer creates a summarizer posting to url
func NewHTTPSummarizer(url string, timeout time.Duration, logger *zap.Logger) *HTTPSummarizer {
	return &HTTPSummarizer{client: NewHTTPClient("summarizer", url, timeout, logger)}
}

// Summarize implements Summarizer
func (s *HTTPSummarizer) Summarize(ctx context.Context, req SummarizeRequest) (*note.ChartPrepOutput, error) {
	var out note.ChartPrepOutput
	if err := s.client.post(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HTTPSynthesizer calls a synthesis endpoint
type HTTPSynthesizer struct {
	client *HTTPClient
}

// NewHTTPSynthesizer creates a synthesizer posting to url
func NewHTTPSynthesizer(url string, timeout time.Duration, logger *zap.Logger) *HTTPSynthesizer {
	return &HTTPSynthesizer{client: NewHTTPClient("synthesizer", url, timeout, logger)}
}

// Synthesize implements Synthesizer. The answer must be a JSON object; its
// values are passed through untyped.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req SynthesizeRequest) (map[string]any, error) {
	var out map[string]any
	if err := s.client.post(ctx, req, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
