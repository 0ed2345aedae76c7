// Package anyllm provides a chat backend backed by
// github.com/mozilla-ai/any-llm-go, reaching hosted and local models that do
// not speak the OpenAI API natively (Anthropic, Gemini, Ollama and others).
//
// Usage:
//
//	c, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	c, err := anyllm.New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://ollama:11434"))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	oai "github.com/openai/openai-go"

	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
)

var _ backend.Chatter = (*Chatter)(nil)

// Providers lists the provider names [New] accepts.
var Providers = []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"}

// Chatter implements backend.Chatter on top of an any-llm-go provider.
type Chatter struct {
	provider     anyllmlib.Provider
	name         string
	model        string
	systemPrompt string
	maxTokens    int
	timeout      time.Duration
}

// Option configures a Chatter.
type Option func(*Chatter)

// WithSystemPrompt replaces [backend.DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(c *Chatter) { c.systemPrompt = p }
}

// WithMaxTokens caps the reply length. Default 300.
func WithMaxTokens(n int) Option {
	return func(c *Chatter) { c.maxTokens = n }
}

// WithTimeout bounds a single completion call.
func WithTimeout(d time.Duration) Option {
	return func(c *Chatter) { c.timeout = d }
}

// New creates a Chatter for the named provider. providerOpts are passed to
// the provider constructor (anyllmlib.WithAPIKey, anyllmlib.WithBaseURL);
// without an API key option the provider reads its usual environment
// variable, e.g. ANTHROPIC_API_KEY.
func New(providerName, model string, providerOpts []anyllmlib.Option, opts ...Option) (*Chatter, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}

	p, err := createProvider(providerName, providerOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q provider: %w", providerName, err)
	}

	c := &Chatter{
		provider:     p,
		name:         strings.ToLower(providerName),
		model:        model,
		systemPrompt: backend.DefaultSystemPrompt,
		maxTokens:    300,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func createProvider(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", name, strings.Join(Providers, ", "))
	}
}

// Chat implements backend.Chatter.
func (c *Chatter) Chat(ctx context.Context, req backend.ChatRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.provider.Completion(ctx, c.buildParams(req))
	if err != nil {
		return "", c.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: %s: empty choices in response", c.name)
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// buildParams lays out the conversation the same way as the OpenAI backend:
// system prompt, current scan, history, then the new turn.
func (c *Chatter) buildParams(req backend.ChatRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.History)+3)
	if c.systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: c.systemPrompt})
	}
	if req.Context != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: "Current scan: " + req.Context})
	}
	for _, h := range req.History {
		role := anyllmlib.RoleUser
		if h.Role == conversation.RoleAssistant {
			role = anyllmlib.RoleAssistant
		}
		messages = append(messages, anyllmlib.Message{Role: role, Content: h.Text})
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: req.Message})

	params := anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: messages,
	}
	if c.maxTokens > 0 {
		mt := c.maxTokens
		params.MaxTokens = &mt
	}
	return params
}

// classify maps provider errors onto the backend error contract.
// OpenAI-compatible providers (deepseek, groq, llamacpp, mistral) surface the
// SDK's API error.
func (c *Chatter) classify(ctx context.Context, err error) error {
	op := c.name + " chat"
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &backend.StatusError{Op: op, Code: apiErr.StatusCode, Body: apiErr.Message}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("anyllm: %s: %w", op, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("anyllm: %s: %w: %w", op, backend.ErrNetwork, err)
	}
	return fmt.Errorf("anyllm: %s: %w", op, err)
}
