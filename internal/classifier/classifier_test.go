package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/retry"
	"github.com/stellarlinkco/companion/internal/scenario"
)

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{"content": content},
		}},
	}
}

func newClient(url string, attempts int) *Client {
	return New(config.ClassifierConfig{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "gpt-test",
		Timeout: "2s",
	}, retry.Policy{Attempts: attempts, Delay: time.Millisecond}, zap.NewNop())
}

func TestClassify_RequestAndResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])
		msgs := body["messages"].([]any)
		content := msgs[0].(map[string]any)["content"].(string)
		assert.True(t, strings.Contains(content, "A\nB"))

		_ = json.NewEncoder(w).Encode(completion(`{"sentiment":"Positive"}`))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 1).Classify(context.Background(), "A\nB")
	require.NoError(t, err)
	assert.Equal(t, Positive, got)
}

func TestClassify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(completion(`{"sentiment":"negative"}`))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 3).Classify(context.Background(), "bad day")
	require.NoError(t, err)
	assert.Equal(t, Negative, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClassify_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 3).Classify(context.Background(), "x")
	require.ErrorIs(t, err, scenario.ErrClassifierUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassify_RejectsUnknownLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion(`{"sentiment":"ecstatic"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 1).Classify(context.Background(), "x")
	require.ErrorIs(t, err, scenario.ErrClassifierUnavailable)
}

func TestClassify_MissingKey(t *testing.T) {
	c := New(config.ClassifierConfig{BaseURL: "http://127.0.0.1", Model: "m"}, retry.Policy{}, nil)
	_, err := c.Classify(context.Background(), "x")
	require.ErrorIs(t, err, scenario.ErrClassifierUnavailable)
}

func TestSentimentBucket(t *testing.T) {
	b, ok := Positive.Bucket()
	assert.True(t, ok)
	assert.Equal(t, scenario.BucketPositive, b)
	b, ok = Negative.Bucket()
	assert.True(t, ok)
	assert.Equal(t, scenario.BucketNegative, b)
	_, ok = Neutral.Bucket()
	assert.False(t, ok)
}
