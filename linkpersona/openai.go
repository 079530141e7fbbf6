package linkpersona

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Supported LLM providers. Any OpenAI-compatible chat completion
// endpoint works; these names select base URL and model presets.
const (
	ProviderOpenAI     = "openai"
	ProviderQwen       = "qwen"
	ProviderOpenRouter = "openrouter"
	ProviderCustom     = "custom"
)

type providerPreset struct {
	baseURL string
	model   string
}

var providerPresets = map[string]providerPreset{
	ProviderOpenAI: {
		baseURL: "https://api.openai.com/v1",
		model:   "gpt-3.5-turbo",
	},
	ProviderQwen: {
		baseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		model:   "qwen-plus",
	},
	ProviderOpenRouter: {
		baseURL: "https://openrouter.ai/api/v1",
		model:   "openai/gpt-3.5-turbo",
	},
}

// CompletionRequest is a single chat completion exchange. History is
// ordered oldest first and already bounded by the caller.
type CompletionRequest struct {
	Instruction string
	History     []ConversationMessage
	UserMessage string
}

// LLMClient generates completions for the dispatcher.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// OpenAIClient defines the subset of the OpenAI API client used here.
//
// This interface allows for easier testing and potential future
// implementations with different client libraries or mock clients.
type OpenAIClient interface {
	// CreateChatCompletion sends a chat completion request.
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAIChatClient is the production LLMClient, wrapping an
// OpenAI-compatible chat completion endpoint.
//
// Fields:
//   - client: The underlying API client.
//   - config: Configuration for the LLM integration.
//   - logger: Logger for LLM-related events.
//   - requestLimiter: Client-side pacing for API requests.
type OpenAIChatClient struct {
	client         OpenAIClient
	config         *LLMConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // protects requestLimiter
}

func newOpenAIChatClient(
	config *LLMConfig,
	httpClient *http.Client,
) *OpenAIChatClient {
	c := &OpenAIChatClient{
		config: config,
		mu:     &sync.RWMutex{},
	}
	c.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "llm")

	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultLLMRequestsPerSecond
	}
	c.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)

	preset := providerPresets[config.Provider]

	clientCfg := openai.DefaultConfig(config.Token)
	switch {
	case config.BaseURL != "":
		clientCfg.BaseURL = config.BaseURL
	case preset.baseURL != "":
		clientCfg.BaseURL = preset.baseURL
	}

	if httpClient == nil && config.Provider == ProviderOpenRouter {
		// OpenRouter wants attribution headers on every request.
		httpClient = &http.Client{
			Transport: &headerTransport{
				headers: map[string]string{
					"HTTP-Referer": config.Referer,
					"X-Title":      config.Title,
				},
			},
		}
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	c.client = openai.NewClientWithConfig(clientCfg)
	return c
}

// model returns the configured model, falling back to the provider
// preset.
func (c *OpenAIChatClient) model() string {
	if c.config.Model != "" {
		return c.config.Model
	}
	if preset, ok := providerPresets[c.config.Provider]; ok {
		return preset.model
	}
	return providerPresets[ProviderOpenAI].model
}

// Complete sends one chat completion request assembled as instruction,
// history (oldest first), then the user message. The request is paced by
// the client-side limiter and bounded by the configured timeout when the
// caller's context has no deadline. Failures are reported as *LLMError
// and never include credentials or raw provider payloads.
func (c *OpenAIChatClient) Complete(
	ctx context.Context,
	req CompletionRequest,
) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.config.Timeout
		if timeout <= 0 {
			timeout = DefaultLLMTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.waitForLimiter(ctx); err != nil {
		return "", &LLMError{Reason: LLMTimeout, Err: err}
	}

	messages := make(
		[]openai.ChatCompletionMessage,
		0,
		len(req.History)+2,
	)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instruction,
		},
	)
	for _, m := range req.History {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: m.Role, Content: m.Content},
		)
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserMessage,
		},
	)

	response, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:            c.model(),
			Messages:         messages,
			Temperature:      c.config.Temperature,
			MaxTokens:        c.config.MaxTokens,
			TopP:             c.config.TopP,
			FrequencyPenalty: c.config.FrequencyPenalty,
			PresencePenalty:  c.config.PresencePenalty,
		},
	)
	if err != nil {
		llmErr := classifyLLMError(err)
		c.logger.Warn(
			"chat completion failed",
			"model", c.model(),
			"reason", string(llmErr.Reason),
			tint.Err(err),
		)
		return "", llmErr
	}
	if len(response.Choices) == 0 {
		return "", &LLMError{
			Reason: LLMProvider,
			Err:    errors.New("no completion choices returned"),
		}
	}

	content := response.Choices[0].Message.Content
	c.logger.Debug(
		"chat completion",
		"model", c.model(),
		"history_len", len(req.History),
		"response_len", len(content),
	)
	return content, nil
}

// waitForLimiter blocks until the request limiter admits a request.
func (c *OpenAIChatClient) waitForLimiter(ctx context.Context) error {
	c.mu.RLock()
	requestLimiter := c.requestLimiter
	c.mu.RUnlock()
	if requestLimiter == nil {
		return nil
	}
	return requestLimiter.Wait(ctx)
}

// classifyLLMError maps provider errors onto the LLMFailure taxonomy.
func classifyLLMError(err error) *LLMError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &LLMError{Reason: LLMTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &LLMError{
			Reason: statusLLMFailure(apiErr.HTTPStatusCode),
			Err:    err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &LLMError{
			Reason: statusLLMFailure(reqErr.HTTPStatusCode),
			Err:    err,
		}
	}
	return &LLMError{Reason: LLMProvider, Err: err}
}

func statusLLMFailure(status int) LLMFailure {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return LLMAuthError
	case http.StatusTooManyRequests:
		return LLMRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return LLMTimeout
	default:
		return LLMProvider
	}
}

// headerTransport injects static headers into every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (
	*http.Response,
	error,
) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			clone.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// SetRequestsPerSecond replaces the client-side request limiter.
func (c *OpenAIChatClient) SetRequestsPerSecond(requestsPerSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultLLMRequestsPerSecond
	}
	if c.requestLimiter == nil {
		c.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
		return
	}
	c.requestLimiter.SetLimit(rate.Limit(requestsPerSecond))
}

var _ LLMClient = (*OpenAIChatClient)(nil)
