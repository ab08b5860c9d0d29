package embedding

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	voyageHTTPTimeout = 30 * time.Second
	retryInitialWait  = 2 * time.Second
	retryMaxWait      = 60 * time.Second
	retryMaxAttempts  = 3
)

// VoyageConfig configures the embedding API client.
type VoyageConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// VoyageClient talks to a Voyage-style embedding endpoint.
type VoyageClient struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

type voyageEmbedRequest struct {
	Model      string   `json:"model"`
	Texts      []string `json:"texts"`
	InputType  string   `json:"input_type"`
	Truncation bool     `json:"truncation"`
}

type voyageEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewVoyageClient creates the provider client.
func NewVoyageClient(cfg VoyageConfig) (*VoyageClient, error) {
	if cfg.APIKey == "" {
		return nil, &ProviderError{Kind: ErrKindAuth, Message: "API key is required"}
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}
	return &VoyageClient{
		client:     &http.Client{Timeout: voyageHTTPTimeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Dimensions returns the configured vector width.
func (c *VoyageClient) Dimensions() int { return c.dimensions }

// Embed requests vectors for texts. Transient failures are retried up to 3
// times with exponential back-off; auth, payment and rate-limit errors
// surface immediately (the queue owns rate-limit pacing).
func (c *VoyageClient) Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result [][]float32
	operation := func() error {
		vecs, err := c.embedOnce(ctx, texts, inputType)
		if err != nil {
			if IsFatal(err) || IsRateLimit(err) {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Int("texts", len(texts)).Msg("Embedding call failed, retrying")
			return err
		}
		result = vecs
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialWait
	bo.MaxInterval = retryMaxWait
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *VoyageClient) embedOnce(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	body, err := json.Marshal(voyageEmbedRequest{
		Model:      c.model,
		Texts:      texts,
		InputType:  string(inputType),
		Truncation: true,
	})
	if err != nil {
		return nil, &ProviderError{Kind: ErrKindTransient, Message: "marshal request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: ErrKindTransient, Message: "create request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Kind: ErrKindTransient, Message: "send request: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyError(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var embedResp voyageEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, &ProviderError{Kind: ErrKindTransient, Message: "decode response: " + err.Error()}
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, &ProviderError{
			Kind:    ErrKindTransient,
			Message: "embedding count mismatch",
		}
	}
	return embedResp.Embeddings, nil
}

// classifyError maps provider responses to the retry taxonomy.
func classifyError(status int, body string) *ProviderError {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit"):
		return &ProviderError{Kind: ErrKindRateLimit, StatusCode: status, Message: body}
	case strings.Contains(lower, "payment"):
		return &ProviderError{Kind: ErrKindPayment, StatusCode: status, Message: body}
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "api key") || strings.Contains(lower, "unauthorized"):
		return &ProviderError{Kind: ErrKindAuth, StatusCode: status, Message: body}
	default:
		return &ProviderError{Kind: ErrKindTransient, StatusCode: status, Message: body}
	}
}

// Compile-time check: VoyageClient must satisfy Provider.
var _ Provider = (*VoyageClient)(nil)
