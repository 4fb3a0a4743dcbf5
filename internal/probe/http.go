package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	kbcontext "github.com/ricesearch/kbprobe/internal/pkg/context"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// CallObserver receives the outcome of every model call.
type CallObserver interface {
	ObserveModelCall(op string, d time.Duration, err error)
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the base URL of the inference server.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64

	// Burst is the limiter bucket size.
	Burst int

	// TokenizeCacheSize bounds the tokenizer result cache.
	TokenizeCacheSize int

	// Observer is notified of every call. Optional.
	Observer CallObserver
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8500",
		Timeout:           60 * time.Second,
		Burst:             1,
		TokenizeCacheSize: 4096,
	}
}

// HTTPClient is a Model backed by a remote inference server speaking JSON.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     *lru.Cache[string, []string]
	observer   CallObserver

	maskToken string
	vocab     []string
	ids       map[string]int
}

// APIError represents an inference server error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type vocabResponse struct {
	MaskToken string   `json:"mask_token"`
	Vocab     []string `json:"vocab"`
}

type tokenizeRequest struct {
	Text string `json:"text"`
}

type tokenizeResponse struct {
	Tokens []string `json:"tokens"`
}

// Dial creates a client and fetches the model vocabulary.
func Dial(ctx context.Context, cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8500"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.TokenizeCacheSize <= 0 {
		cfg.TokenizeCacheSize = 4096
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	cache, err := lru.New[string, []string](cfg.TokenizeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create tokenize cache: %w", err)
	}

	c := &HTTPClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		tokens:     cache,
		observer:   cfg.Observer,
	}

	var resp vocabResponse
	if err := c.call(ctx, "vocab", http.MethodGet, "/v1/vocab", nil, &resp); err != nil {
		return nil, errors.ServiceUnavailableError("inference server").WithDetail("cause", err.Error())
	}
	if resp.MaskToken == "" || len(resp.Vocab) == 0 {
		return nil, errors.ModelError("inference server returned an empty vocabulary", nil)
	}
	c.maskToken = resp.MaskToken
	c.vocab = resp.Vocab
	c.ids = make(map[string]int, len(resp.Vocab))
	for i, w := range resp.Vocab {
		if _, dup := c.ids[w]; !dup {
			c.ids[w] = i
		}
	}
	return c, nil
}

// MaskToken implements Model.
func (c *HTTPClient) MaskToken() string {
	return c.maskToken
}

// Vocab implements Model.
func (c *HTTPClient) Vocab() []string {
	return c.vocab
}

// Tokenize implements Model. Results are cached.
func (c *HTTPClient) Tokenize(ctx context.Context, text string) ([]string, error) {
	if toks, ok := c.tokens.Get(text); ok {
		return toks, nil
	}
	var resp tokenizeResponse
	if err := c.call(ctx, "tokenize", http.MethodPost, "/v1/tokenize", tokenizeRequest{Text: text}, &resp); err != nil {
		return nil, errors.ModelError("tokenize failed", err)
	}
	c.tokens.Add(text, resp.Tokens)
	return resp.Tokens, nil
}

// TokenID implements Model.
func (c *HTTPClient) TokenID(ctx context.Context, label string) ([]int, error) {
	toks, err := c.Tokenize(ctx, label)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	ids := make([]int, len(toks))
	for i, t := range toks {
		id, ok := c.ids[t]
		if !ok {
			return nil, nil
		}
		ids[i] = id
	}
	return ids, nil
}

// BatchGeneration implements Model.
func (c *HTTPClient) BatchGeneration(ctx context.Context, req GenerationRequest) (*Generation, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.ValidationError(err.Error())
	}
	var gen Generation
	if err := c.call(ctx, "generate", http.MethodPost, "/v1/generate", req, &gen); err != nil {
		return nil, errors.ModelError("batch generation failed", err)
	}
	if err := gen.Check(req.Size()); err != nil {
		return nil, errors.ModelError("malformed generation", err)
	}
	return &gen, nil
}

// call waits for the limiter, performs the request and reports to the observer.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, body, result any) error {
	start := time.Now()
	err := c.limiter.Wait(ctx)
	if err == nil {
		err = c.do(ctx, method, path, body, result)
	}
	if c.observer != nil {
		c.observer.ObserveModelCall(op, time.Since(start), err)
	}
	return err
}

// do executes a request.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if runID := kbcontext.GetRunID(ctx); runID != "" {
		req.Header.Set(kbcontext.RunIDHeader, runID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
		}
		return &apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

var _ Model = (*HTTPClient)(nil)
