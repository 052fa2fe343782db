package modelwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmClient adapts a gollm-backed provider to the StreamClient contract.
// Hosts that bring their own provider integration can ignore it.
type GollmClient struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmClient.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the provider API key. When empty, gollm reads it from the
// environment.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default output token cap.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions appends raw gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmClient creates a GollmClient for the given provider name.
func NewGollmClient(provider string, opts ...GollmOption) (*GollmClient, error) {
	cfg := &gollmConfig{
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to RetryWithBackoff
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.model != "" {
		gollmOpts = append(gollmOpts, gollm.SetModel(cfg.model))
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("gollm client for provider %s: %w", provider, err)
	}
	return &GollmClient{provider: provider, llm: llm, model: cfg.model}, nil
}

// NewGollmClientFromLLM wraps an existing gollm.LLM instance.
func NewGollmClientFromLLM(provider string, llm gollm.LLM) *GollmClient {
	return &GollmClient{provider: provider, llm: llm}
}

// Provider returns the provider identifier.
func (c *GollmClient) Provider() string { return c.provider }

// Stream implements StreamClient. Providers without native streaming degrade
// to a single-chunk stream carrying the full response.
func (c *GollmClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	prompt := c.translateRequest(req)
	c.applyRequestOptions(req)

	model := req.Model
	if model == "" {
		model = c.model
	}

	ch := make(chan Chunk, 64)

	if !c.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := c.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- Chunk{Err: c.translateError(ctx, err)}
				return
			}
			c.emitFinal(ch, req, model, text)
		}()
		return ch, nil
	}

	stream, err := c.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, c.translateError(ctx, err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- Chunk{Err: c.translateError(ctx, err)}
				return
			}
			if token == nil {
				continue
			}
			fullText.WriteString(token.Text)
			ch <- Chunk{
				Parts: []Part{{Text: token.Text}},
				Model: model,
			}
		}
		c.emitFinal(ch, req, model, fullText.String())
	}()

	return ch, nil
}

// emitFinal sends the terminal chunk: parsed function calls, finish reason,
// and estimated usage.
func (c *GollmClient) emitFinal(ch chan<- Chunk, req Request, model, text string) {
	calls := parseEmbeddedFunctionCalls(text)
	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishOther
	}
	inputTokens := estimateRequestTokens(req)
	outputTokens := len(text) / 4
	ch <- Chunk{
		FunctionCalls: calls,
		FinishReason:  finish,
		Usage: &Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
		Model: model,
	}
}

// translateRequest flattens the message list into a gollm prompt.
func (c *GollmClient) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt string
	var userParts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.Text + "\n"
		case RoleUser:
			userParts = append(userParts, msg.Text)
		case RoleAssistant:
			if msg.Text != "" {
				userParts = append(userParts, "[Assistant]: "+msg.Text)
			}
		case RoleTool:
			userParts = append(userParts, "[Tool Result]: "+msg.Text)
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func (c *GollmClient) applyRequestOptions(req Request) {
	if req.Model != "" {
		c.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		c.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		c.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// translateError maps gollm errors onto the package taxonomy by message
// sniffing; gollm does not expose structured status codes.
func (c *GollmClient) translateError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &CancelledError{APIError{Message: "stream cancelled", Cause: ctx.Err()}}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &UnauthorizedError{APIError{Message: msg, Status: 401, Cause: err}}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "resource exhausted") || strings.Contains(lower, "resource_exhausted"):
		return &QuotaError{
			APIError: APIError{Message: msg, Status: 429, Cause: err},
			Pro:      strings.Contains(lower, "pro") || strings.Contains(lower, "premium"),
		}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &RateLimitError{APIError{Message: msg, Status: 429, Cause: err}}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "504") || strings.Contains(lower, "internal server") || strings.Contains(lower, "overloaded"):
		return &ServerError{APIError{Message: msg, Status: 500, Cause: err}}
	default:
		return &APIError{Message: msg, Cause: err}
	}
}

// parseEmbeddedFunctionCalls extracts tool calls a text-only provider
// embedded as JSON in its response.
func parseEmbeddedFunctionCalls(text string) []FunctionCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]FunctionCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		var args map[string]any
		_ = json.Unmarshal(rc.Args, &args)
		calls = append(calls, FunctionCall{
			ID:      "call-" + uuid.NewString()[:8],
			Name:    rc.Name,
			Args:    args,
			RawArgs: string(rc.Args),
		})
	}
	return calls
}

func estimateRequestTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Text) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
