package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
)

// APIError is a non-2xx response from the extraction API. The status code
// is embedded in the message so the pool's failure classifier can detect a
// 429-class rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("extraction API error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether the error is a rate/quota rejection.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(e.Message), "rate limit") ||
		strings.Contains(strings.ToLower(e.Message), "quota")
}

// Client calls the Gemini generateContent endpoint for document text
// extraction.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewClient creates an extraction client
func NewClient(cfg config.ExtractorConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Extract sends the image to the extraction API using the given secret and
// returns the extracted text. Failures carry enough detail for rate/quota
// classification.
func (c *Client) Extract(ctx context.Context, secret string, imageBytes []byte, languageHint string) (string, error) {
	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: buildPrompt(languageHint)},
				{InlineData: &inlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(imageBytes),
				}},
			},
		}},
	}
	return c.generate(ctx, secret, reqBody)
}

// Verify sends a minimal text-only request to confirm a key is accepted by
// the API. Used by key management tooling, it spends one request of the
// key's quota.
func (c *Client) Verify(ctx context.Context, secret string) error {
	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{{Text: "Hello"}},
		}},
	}
	_, err := c.generate(ctx, secret, reqBody)
	return err
}

func (c *Client) generate(ctx context.Context, secret string, reqBody generateRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	text := extractText(parsed)
	if strings.TrimSpace(text) == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "empty response"}
	}

	return strings.TrimSpace(text), nil
}

func extractText(resp generateResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func buildPrompt(languageHint string) string {
	return fmt.Sprintf(`Extract all text from this document image with maximum accuracy.

Instructions:
1. Extract the EXACT text including all script characters
2. Preserve original line breaks, spacing, and paragraph structure
3. Do NOT translate, interpret, or modify the text
4. Mark unclear or unreadable text as [UNREADABLE]
5. Preserve tables, lists, and formatting indicators
6. Include page numbers if present
7. Handle mixed-language content appropriately
8. Output ONLY the extracted text, no explanations

Document language: %s`, languageHint)
}

// ValidateText applies a minimal quality check to extracted text. A missing
// expected script is logged but not treated as a failure, since documents
// may legitimately contain only Latin text.
func ValidateText(text, languageHint string) bool {
	if len(strings.TrimSpace(text)) < 10 {
		return false
	}

	if languageHint == "nepali" && !containsDevanagari(text) {
		log.Warn().Msg("No Devanagari characters detected in extracted text")
	}
	return true
}

func containsDevanagari(text string) bool {
	for _, r := range text {
		if r >= 0x0900 && r <= 0x097F {
			return true
		}
	}
	return false
}
