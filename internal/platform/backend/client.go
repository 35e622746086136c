// Package backend is the HTTP client for the remote analysis service: document
// extraction, risk analysis, assistant chat, explanation and report export.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/healthtwin/healthtwin/internal/platform/auth"
	"github.com/healthtwin/healthtwin/internal/platform/telemetry"
)

// Operation names, used in errors, logs and metrics.
const (
	OpExtract = "extract"
	OpAnalyze = "analyze"
	OpChat    = "chat"
	OpReport  = "report"
	OpExplain = "explain"
)

const maxResponseBytes = 32 << 20

// RemoteError reports a failed call to the analysis service. StatusCode is 0
// when no HTTP response was decoded.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend %s failed", e.Op)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call was cut by a deadline.
func (e *RemoteError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Payload is a binary response body.
type Payload struct {
	ContentType string
	Data        []byte
}

// Client talks to the analysis service rooted at a base URL such as
// http://localhost:8000/api.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *auth.TokenSource
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource attaches a bearer token minted per request. A nil source
// sends requests unauthenticated.
func WithTokenSource(ts *auth.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract uploads a document as multipart field "file" and returns the
// extracted_data mapping. A mapping that is missing or not a JSON object is
// returned as nil.
func (c *Client) Extract(ctx context.Context, subject, fileName string, data []byte) (map[string]any, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	h.Set("Content-Type", mimetype.Detect(data).String())
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, &RemoteError{Op: OpExtract, Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return nil, &RemoteError{Op: OpExtract, Err: err}
	}
	if err := writer.Close(); err != nil {
		return nil, &RemoteError{Op: OpExtract, Err: err}
	}

	var out struct {
		ExtractedData json.RawMessage `json:"extracted_data"`
	}
	if err := c.do(ctx, OpExtract, "/upload", subject, writer.FormDataContentType(), body, &out); err != nil {
		return nil, err
	}
	return extractedMapping(out.ExtractedData), nil
}

// extractedMapping decodes the extracted_data member. Anything other than a
// JSON object yields nil, which callers treat as nothing extracted.
func extractedMapping(raw json.RawMessage) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

type analyzeRequest struct {
	UserData map[string]any `json:"user_data"`
}

// Analyze submits a record snapshot and decodes {classifications, risks} into out.
func (c *Client) Analyze(ctx context.Context, subject string, userData map[string]any, out any) error {
	return c.postJSON(ctx, OpAnalyze, "/analyze", subject, analyzeRequest{UserData: userData}, out)
}

type chatRequest struct {
	Question string `json:"question"`
	Context  any    `json:"context"`
}

// Chat asks the assistant a question with the current analysis context.
func (c *Client) Chat(ctx context.Context, subject, question string, chatContext any) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	if err := c.postJSON(ctx, OpChat, "/chat", subject, chatRequest{Question: question, Context: chatContext}, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

// Explain asks for a narrative explanation of the values, classifications and risks in req.
func (c *Client) Explain(ctx context.Context, subject string, req any) (string, error) {
	var out struct {
		Explanation string `json:"explanation"`
	}
	if err := c.postJSON(ctx, OpExplain, "/explain", subject, req, &out); err != nil {
		return "", err
	}
	return out.Explanation, nil
}

// Report requests the rendered report for a record snapshot.
func (c *Client) Report(ctx context.Context, subject string, userData map[string]any) (*Payload, error) {
	buf, err := json.Marshal(analyzeRequest{UserData: userData})
	if err != nil {
		return nil, &RemoteError{Op: OpReport, Err: err}
	}
	var p Payload
	if err := c.do(ctx, OpReport, "/report", subject, "application/json", bytes.NewReader(buf), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) postJSON(ctx context.Context, op, path, subject string, in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return &RemoteError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}
	return c.do(ctx, op, path, subject, "application/json", bytes.NewReader(buf), out)
}

// do issues one POST. out is either *Payload for binary responses or a value
// the JSON body is decoded into.
func (c *Client) do(ctx context.Context, op, path, subject, contentType string, body io.Reader, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := telemetry.OutcomeOK
		var re *RemoteError
		if errors.As(err, &re) {
			outcome = telemetry.OutcomeError
			if re.Timeout() {
				outcome = telemetry.OutcomeTimeout
			}
		}
		c.metrics.ObserveRemote(op, outcome, time.Since(start))
		c.logger.Debug().
			Str("op", op).
			Str("session_id", subject).
			Str("outcome", outcome).
			Dur("latency", time.Since(start)).
			Msg("backend call")
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if _, binary := out.(*Payload); !binary {
		req.Header.Set("Accept", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(subject, op)
		if err != nil {
			return &RemoteError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &RemoteError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	if p, ok := out.(*Payload); ok {
		p.ContentType = resp.Header.Get("Content-Type")
		if p.ContentType == "" {
			p.ContentType = mimetype.Detect(data).String()
		}
		p.Data = data
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &RemoteError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
