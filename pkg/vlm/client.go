// Package vlm calls an OpenAI-compatible vision-language model and maps its
// free-form answer into an AnalysisResult.
//
// Requests go to {BaseURL}/chat/completions with the frame embedded as a
// base64 data URL. Calls are throttled by a token bucket and retried with
// linear backoff; an exhausted quota is never retried.
package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Request is one frame to analyze.
type Request struct {
	CameraID    string
	CameraName  string
	Corridor    string
	Direction   string
	CapturedAt  time.Time
	Image       []byte
	ContentType string
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	MaxRetries int
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// RatePerMinute caps outgoing calls across all cameras. 0 disables it.
	RatePerMinute float64
	// Backoff is multiplied by the attempt number between retries.
	Backoff    time.Duration
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	maxTokens  int
	maxRetries int
	timeout    time.Duration
	backoff    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

// New validates cfg and creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing VLM API key")
	}
	if cfg.Model == "" {
		return nil, errors.New("missing VLM model")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		backoff:    cfg.Backoff,
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Analyze sends the frame to the model and maps the answer.
func (c *Client) Analyze(ctx context.Context, req Request) (AnalysisResult, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return AnalysisResult{}, &AnalyzeError{Kind: KindInvalidResponse, Err: err}
	}

	var last *AnalyzeError
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return AnalysisResult{}, &AnalyzeError{Kind: KindTimeout, Attempts: attempt - 1, Err: err}
		}

		res, aerr := c.call(ctx, payload, req.Direction)
		if aerr == nil {
			if res.Model == "" {
				res.Model = c.model
			}
			return res, nil
		}
		aerr.Attempts = attempt
		last = aerr

		if !aerr.retryable() || attempt == c.maxRetries {
			break
		}
		c.logger.Warn("vlm attempt failed, retrying",
			"camera", req.CameraID,
			"attempt", attempt,
			"kind", aerr.Kind,
			"error", aerr.Err,
		)
		select {
		case <-ctx.Done():
			return AnalysisResult{}, &AnalyzeError{Kind: KindTimeout, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return AnalysisResult{}, last
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (c *Client) buildPayload(req Request) ([]byte, error) {
	if len(req.Image) == 0 {
		return nil, errors.New("empty image")
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	contentType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	return json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userPrompt(req)},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		Temperature: 0,
		MaxTokens:   c.maxTokens,
	})
}

func (c *Client) call(ctx context.Context, payload []byte, direction string) (AnalysisResult, *AnalyzeError) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return AnalysisResult{}, &AnalyzeError{Kind: KindNetwork, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return AnalysisResult{}, &AnalyzeError{Kind: transportKind(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return AnalysisResult{}, &AnalyzeError{Kind: transportKind(ctx, err), Err: err}
	}

	if resp.StatusCode >= 400 {
		return AnalysisResult{}, statusError(resp.StatusCode, body)
	}

	res, err := MapResponse(body, direction)
	if err != nil {
		return AnalysisResult{}, &AnalyzeError{Kind: KindInvalidResponse, Err: err}
	}
	return res, nil
}

func statusError(status int, body []byte) *AnalyzeError {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = truncate(string(body), 300)
	}
	err := fmt.Errorf("HTTP %d: %s", status, msg)

	if status == http.StatusTooManyRequests {
		code := gjson.GetBytes(body, "error.code").String()
		typ := gjson.GetBytes(body, "error.type").String()
		quota := code == "insufficient_quota" || typ == "insufficient_quota"
		return &AnalyzeError{Kind: KindRateLimited, StatusCode: status, Quota: quota, Err: err}
	}
	return &AnalyzeError{Kind: KindHTTPStatus, StatusCode: status, Err: err}
}

func transportKind(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
