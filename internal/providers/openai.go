package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"
)

// ErrStructuredOutput is returned when a structured response still fails to
// parse or validate after the repair follow-ups.
var ErrStructuredOutput = errors.New("structured output invalid")

// OpenAIConfig holds configuration for the OpenAI chat client. Any
// OpenAI-compatible endpoint (OpenRouter, a local gateway) works via BaseURL.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // default model when a request leaves it empty
	BaseURL    string        // optional
	MaxRetries int           // SDK transport retries
	Timeout    time.Duration // HTTP timeout
	RPM        int           // requests per minute
	Pricing    Pricing
	HTTPClient *http.Client // optional (tests)
	Logger     *slog.Logger
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	model   string
	pricing Pricing
	limiter *RateLimiter
	client  openai.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates a new OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:   cfg.Model,
		pricing: cfg.Pricing,
		limiter: NewRateLimiter(cfg.RPM),
		client:  openai.NewClient(opts...),
		logger:  logger.With("provider", OpenAIName),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Limiter exposes the client's rate limiter for status reporting.
func (c *OpenAIClient) Limiter() *RateLimiter {
	return c.limiter
}

// Chat sends a chat completion request. When a ResponseFormat is set the
// response is parsed and validated locally; on failure the model is asked to
// correct itself up to maxStructuredRepairAttempts times. Token counts and
// cost cover every request made, including failed follow-ups.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	result := &ChatResult{
		Provider:  OpenAIName,
		ModelUsed: model,
		RequestID: requestID,
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if rf := req.ResponseFormat; rf != nil {
		doc, err := schemaDocument(rf.JSONSchema)
		if err != nil {
			return result, err
		}
		name := rf.Name
		if name == "" {
			name = "response"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: doc,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	var opts []option.RequestOption
	if req.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(req.Timeout))
	}

	for attempt := 0; ; attempt++ {
		content, err := c.complete(ctx, params, result, opts)
		if err != nil {
			result.ExecutionTime = time.Since(start)
			return result, err
		}
		result.Content = content
		if req.ResponseFormat == nil {
			break
		}

		parsed, perr := ParseStructuredJSON(content)
		if perr == nil {
			perr = ValidateStructuredJSON(req.ResponseFormat.JSONSchema, parsed)
		}
		if perr == nil {
			result.ParsedJSON = parsed
			break
		}
		if attempt >= maxStructuredRepairAttempts {
			result.ExecutionTime = time.Since(start)
			return result, fmt.Errorf("%w: %v", ErrStructuredOutput, perr)
		}
		c.logger.Debug("structured output rejected, asking model to repair",
			"request_id", requestID, "attempt", attempt+1, "error", perr)
		params.Messages = append(params.Messages,
			openai.AssistantMessage(content),
			openai.UserMessage(structuredRepairPrompt(req.ResponseFormat.JSONSchema, content, perr)),
		)
	}

	result.ExecutionTime = time.Since(start)
	return result, nil
}

// complete makes one rate-limited request and adds its usage to result.
func (c *OpenAIClient) complete(ctx context.Context, params openai.ChatCompletionNewParams, result *ChatResult, opts []option.RequestOption) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		err = mapOpenAIError(err)
		if rle, ok := IsRateLimitError(err); ok {
			c.limiter.Record429(rle.RetryAfter)
		}
		return "", err
	}

	prompt := int(resp.Usage.PromptTokens)
	completion := int(resp.Usage.CompletionTokens)
	result.PromptTokens += prompt
	result.CompletionTokens += completion
	result.TotalTokens += prompt + completion
	result.CostUSD += c.pricing.Cost(prompt, completion)
	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
			RetryAfter: retryAfter,
			StatusCode: apiErr.StatusCode,
		}
	}
	return &APIError{
		Provider:   OpenAIName,
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Message,
	}
}

var _ LLMClient = (*OpenAIClient)(nil)
