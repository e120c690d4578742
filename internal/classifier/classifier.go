// Package classifier calls an OpenAI-compatible chat completions endpoint in
// JSON mode to label a text positive, negative or neutral.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/retry"
	"github.com/stellarlinkco/companion/internal/scenario"
)

type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// Bucket maps a decisive sentiment onto a bucket. Neutral has none.
func (s Sentiment) Bucket() (scenario.Bucket, bool) {
	switch s {
	case Positive:
		return scenario.BucketPositive, true
	case Negative:
		return scenario.BucketNegative, true
	}
	return "", false
}

const classifyPrompt = `Classify the overall sentiment of the user's diary notes below.
Answer "positive" or "negative" only when the notes clearly lean that way; otherwise answer "neutral".

Return strict JSON object: {"sentiment":"positive|negative|neutral"}

Notes:
%s`

type Classifier interface {
	Classify(ctx context.Context, text string) (Sentiment, error)
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	policy     retry.Policy
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg config.ClassifierConfig, policy retry.Policy, logger *zap.Logger) *Client {
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		policy:     policy,
		httpClient: &http.Client{Timeout: config.Duration(cfg.Timeout, 15*time.Second)},
		logger:     logging.OrNop(logger).Named("classifier"),
	}
	if c.maxTokens <= 0 {
		c.maxTokens = config.DefaultClassifierTokens
	}
	if c.policy.OnRetry == nil {
		c.policy.OnRetry = func(err error, next time.Duration) {
			c.logger.Warn("classifier call failed, retrying", zap.Error(err), zap.Duration("next", next))
		}
	}
	return c
}

// Classify returns the sentiment of text. Every failure wraps
// scenario.ErrClassifierUnavailable.
func (c *Client) Classify(ctx context.Context, text string) (Sentiment, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("%w: missing classifier api key", scenario.ErrClassifierUnavailable)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" || c.model == "" {
		return "", fmt.Errorf("%w: missing classifier base url or model", scenario.ErrClassifierUnavailable)
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": fmt.Sprintf(classifyPrompt, text),
		}},
		"max_tokens":  c.maxTokens,
		"temperature": 0,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}

	content, err := retry.Do(ctx, c.policy, nil, func(ctx context.Context) (string, error) {
		return c.sendChatCompletion(ctx, baseURL, body)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", scenario.ErrClassifierUnavailable, err)
	}

	var decoded struct {
		Sentiment string `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return "", fmt.Errorf("%w: parse classifier result: %w", scenario.ErrClassifierUnavailable, err)
	}
	switch s := Sentiment(strings.ToLower(strings.TrimSpace(decoded.Sentiment))); s {
	case Positive, Negative, Neutral:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unexpected sentiment %q", scenario.ErrClassifierUnavailable, decoded.Sentiment)
	}
}

func (c *Client) sendChatCompletion(ctx context.Context, baseURL string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := fmt.Errorf("classifier http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", retry.Transient(httpErr)
		}
		return "", retry.Permanent(httpErr)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return "", retry.Permanent(fmt.Errorf("empty choices in response"))
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", retry.Permanent(fmt.Errorf("empty content in response"))
	}
	return content, nil
}
