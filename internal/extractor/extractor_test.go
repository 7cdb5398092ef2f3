package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.ExtractorConfig{
		BaseURL: serverURL,
		Model:   "gemini-2.5-flash",
		Timeout: 5 * time.Second,
	})
}

func TestExtractSuccess(t *testing.T) {
	var gotSecret string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("x-goog-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"  नमस्ते संसार  "}]}}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	text, err := client.Extract(context.Background(), "test-secret", []byte("fake-image"), "nepali")

	require.NoError(t, err)
	assert.Equal(t, "नमस्ते संसार", text, "text is trimmed")
	assert.Equal(t, "test-secret", gotSecret)

	contents := gotBody["contents"].([]interface{})
	require.Len(t, contents, 1)
	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 2, "prompt and inline image")
}

func TestExtractRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Extract(context.Background(), "s", []byte("img"), "nepali")

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, apiErr.IsRateLimit())
	assert.Contains(t, err.Error(), "429", "error message must surface the status code")
}

func TestExtractServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":500,"message":"internal"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Extract(context.Background(), "s", []byte("img"), "nepali")

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.False(t, apiErr.IsRateLimit())
}

func TestExtractEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"   "}]}}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Extract(context.Background(), "s", []byte("img"), "nepali")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
}

func TestExtractQuotaMessageClassified(t *testing.T) {
	err := &APIError{StatusCode: 403, Message: "Quota exceeded for this project"}
	assert.True(t, err.IsRateLimit())

	err = &APIError{StatusCode: 403, Message: "permission denied"}
	assert.False(t, err.IsRateLimit())
}

func TestExtractContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.Extract(ctx, "s", []byte("img"), "nepali")
	assert.Error(t, err)
}

func TestVerifyAcceptedKey(t *testing.T) {
	var gotSecret string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("x-goog-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hello there"}]}}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	require.NoError(t, client.Verify(context.Background(), "test-secret"))
	assert.Equal(t, "test-secret", gotSecret)

	// text-only request, no image payload
	contents := gotBody["contents"].([]interface{})
	require.Len(t, contents, 1)
	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 1)
	assert.NotContains(t, parts[0].(map[string]interface{}), "inline_data")
}

func TestVerifyRejectedKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"API key not valid"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.Verify(context.Background(), "bad-secret")

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestValidateText(t *testing.T) {
	assert.False(t, ValidateText("", "nepali"))
	assert.False(t, ValidateText("   short ", "nepali"))
	assert.True(t, ValidateText("this is long enough to pass validation", "nepali"))
	assert.True(t, ValidateText("नमस्ते संसार, यो नेपाली पाठ हो", "nepali"))
}
