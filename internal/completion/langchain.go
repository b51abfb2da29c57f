package completion

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ModelFactory builds a provider model for one call.
type ModelFactory func(ctx context.Context, provider Provider, model, credential string) (llms.Model, error)

// LangchainClient streams through langchaingo providers.
type LangchainClient struct {
	router    *Router
	newModel  ModelFactory
	ollamaURL string
}

type ClientOption func(*LangchainClient)

func WithModelFactory(f ModelFactory) ClientOption {
	return func(c *LangchainClient) { c.newModel = f }
}

func WithOllamaURL(url string) ClientOption {
	return func(c *LangchainClient) { c.ollamaURL = url }
}

func NewLangchainClient(router *Router, opts ...ClientOption) *LangchainClient {
	c := &LangchainClient{router: router}
	c.newModel = c.createModel
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LangchainClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		provider, target := c.router.Route(req.Model)

		log.Debug().
			Str("provider", string(provider)).
			Str("model", req.Model).
			Str("target", target).
			Int("messages", len(req.Messages)).
			Msg("Opening completion stream")

		model, err := c.newModel(ctx, provider, target, req.Credential)
		if err != nil {
			yield("", fmt.Errorf("failed to create model for provider %s: %w", provider, err))
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan string)
		errc := make(chan error, 1)
		go func() {
			defer close(chunks)
			_, err := model.GenerateContent(streamCtx, toMessageContent(req.Messages),
				llms.WithModel(target),
				llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
					select {
					case chunks <- string(chunk):
						return nil
					case <-streamCtx.Done():
						return streamCtx.Err()
					}
				}),
			)
			errc <- err
		}()

		for chunk := range chunks {
			if ctx.Err() != nil {
				break
			}
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}

		if err := ctx.Err(); err != nil {
			yield("", err)
			return
		}
		if err := <-errc; err != nil {
			yield("", fmt.Errorf("%s completion failed: %w", provider, err))
		}
	}
}

func toMessageContent(messages []ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleSystem:
			if m.Content == "" {
				continue
			}
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

// createModel builds the langchaingo model for a provider. An empty
// credential lets the provider SDK fall back to its own environment variable.
func (c *LangchainClient) createModel(ctx context.Context, provider Provider, model, credential string) (llms.Model, error) {
	switch provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(model)}
		if credential != "" {
			opts = append(opts, openai.WithToken(credential))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(model)}
		if credential != "" {
			opts = append(opts, anthropic.WithToken(credential))
		}
		return anthropic.New(opts...)
	case ProviderGoogleAI:
		opts := []googleai.Option{googleai.WithDefaultModel(model)}
		if credential != "" {
			opts = append(opts, googleai.WithAPIKey(credential))
		}
		return googleai.New(ctx, opts...)
	case ProviderCohere:
		opts := []cohere.Option{cohere.WithModel(model)}
		if credential != "" {
			opts = append(opts, cohere.WithToken(credential))
		}
		return cohere.New(opts...)
	case ProviderOllama:
		serverURL := c.ollamaURL
		if serverURL == "" {
			serverURL = "http://localhost:11434"
		}
		return ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(model))
	}
	return nil, fmt.Errorf("unsupported provider: %s", provider)
}
