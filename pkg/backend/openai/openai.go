// Package openai provides a chat backend backed by an OpenAI-compatible chat
// completions API. It can stand in for, or back up, the inference server's
// /chat endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
)

var _ backend.Chatter = (*Chatter)(nil)

// DefaultSystemPrompt is [backend.DefaultSystemPrompt].
const DefaultSystemPrompt = backend.DefaultSystemPrompt

// Chatter implements backend.Chatter using the OpenAI chat completions API.
type Chatter struct {
	client       oai.Client
	model        string
	systemPrompt string
	maxTokens    int64
}

type config struct {
	baseURL      string
	timeout      time.Duration
	systemPrompt string
	maxTokens    int64
	maxRetries   int
	httpClient   *http.Client
}

// Option is a functional option for Chatter.
type Option func(*config)

// WithBaseURL overrides the default API base URL, e.g. for a self-hosted
// OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(c *config) { c.systemPrompt = p }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = int64(n) }
}

// WithMaxRetries sets how often the SDK retries failed requests. Default 0:
// failures surface immediately and the user decides whether to retry.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithHTTPClient overrides the HTTP client. It takes precedence over
// WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Chatter.
func New(apiKey, model string, opts ...Option) (*Chatter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{systemPrompt: DefaultSystemPrompt, maxTokens: 300}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Chatter{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: cfg.systemPrompt,
		maxTokens:    cfg.maxTokens,
	}, nil
}

// Chat implements backend.Chatter.
func (c *Chatter) Chat(ctx context.Context, req backend.ChatRequest) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildParams converts a ChatRequest into SDK params: system prompt, the
// diagnosis context as a second system message, history, then the new turn.
func (c *Chatter) buildParams(req backend.ChatRequest) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.History)+3)
	if c.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(c.systemPrompt))
	}
	if req.Context != "" {
		messages = append(messages, oai.SystemMessage("Current scan: "+req.Context))
	}
	for _, h := range req.History {
		messages = append(messages, convertEntry(h))
	}
	messages = append(messages, oai.UserMessage(req.Message))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(c.maxTokens)
	}
	return params
}

func convertEntry(h conversation.HistoryEntry) oai.ChatCompletionMessageParamUnion {
	if h.Role == conversation.RoleAssistant {
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(h.Text)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
	return oai.UserMessage(h.Text)
}

// classify maps SDK errors onto the backend error contract.
func classify(ctx context.Context, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &backend.StatusError{Op: "openai chat", Code: apiErr.StatusCode, Body: apiErr.Message}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("openai: chat completion: %w", ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("openai: chat completion: %w: %w", backend.ErrNetwork, err)
	}
	return fmt.Errorf("openai: chat completion: %w", err)
}
