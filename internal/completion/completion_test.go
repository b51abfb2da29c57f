package completion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// streamingModel replays chunks through the streaming callback.
type streamingModel struct {
	chunks   []string
	err      error
	messages []llms.MessageContent
	model    string
}

func (m *streamingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	m.messages = messages
	m.model = opts.Model
	var full strings.Builder
	for _, c := range m.chunks {
		if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
			return nil, err
		}
		full.WriteString(c)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full.String()}}}, nil
}

func (m *streamingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func clientFor(m *streamingModel, router *Router) *LangchainClient {
	return NewLangchainClient(router, WithModelFactory(func(ctx context.Context, p Provider, model, cred string) (llms.Model, error) {
		return m, nil
	}))
}

func collect(seq func(func(string, error) bool)) ([]string, error) {
	var out []string
	var last error
	seq(func(s string, err error) bool {
		if err != nil {
			last = err
			return false
		}
		out = append(out, s)
		return true
	})
	return out, last
}

func TestStreamYieldsFragmentsInOrder(t *testing.T) {
	m := &streamingModel{chunks: []string{"Hel", "lo, ", "", "world"}}
	c := clientFor(m, nil)

	got, err := collect(c.Stream(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: ""},
			{Role: RoleUser, Content: "hi"},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo, ", "world"}, got)
	assert.Equal(t, "gpt-4o", m.model)
	require.Len(t, m.messages, 1, "empty system message is not sent")
	assert.Equal(t, llms.ChatMessageTypeHuman, m.messages[0].Role)
}

func TestStreamEndsWithProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	m := &streamingModel{chunks: []string{"partial"}, err: boom}

	got, err := collect(clientFor(m, nil).Stream(context.Background(), Request{Model: "gpt-4o"}))
	assert.Equal(t, []string{"partial"}, got)
	assert.ErrorIs(t, err, boom)
}

func TestStreamStopsOnCancel(t *testing.T) {
	m := &streamingModel{chunks: []string{"a", "b", "c"}}
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	var last error
	clientFor(m, nil).Stream(ctx, Request{Model: "gpt-4o"})(func(s string, err error) bool {
		if err != nil {
			last = err
			return false
		}
		got = append(got, s)
		cancel()
		return true
	})
	assert.Equal(t, []string{"a"}, got)
	assert.ErrorIs(t, last, context.Canceled)
}

func TestRouter(t *testing.T) {
	r, err := NewRouter(
		map[string]string{"jessievoice": "ft:gpt-4o:org:jessie:1", "local": "ollama/llama3"},
		map[string]string{"my-model": "claude"},
	)
	require.NoError(t, err)

	cases := []struct {
		model    string
		provider Provider
		target   string
	}{
		{"jessievoice", ProviderOpenAI, "ft:gpt-4o:org:jessie:1"},
		{"o1", ProviderOpenAI, "o1"},
		{"claude-3-5-sonnet", ProviderAnthropic, "claude-3-5-sonnet"},
		{"gemini-1.5-pro", ProviderGoogleAI, "gemini-1.5-pro"},
		{"command-r", ProviderCohere, "command-r"},
		{"local", ProviderOllama, "llama3"},
		{"my-model", ProviderAnthropic, "my-model"},
		{"something-else", ProviderOpenAI, "something-else"},
	}
	for _, tc := range cases {
		p, target := r.Route(tc.model)
		assert.Equal(t, tc.provider, p, tc.model)
		assert.Equal(t, tc.target, target, tc.model)
	}

	_, err = NewRouter(nil, map[string]string{"x": "bogus"})
	assert.Error(t, err)
}

func TestCatalogFineTuned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/fine_tuning/jobs", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"data":[
				{"status":"succeeded","fine_tuned_model":"ft:gpt-4o:org:voice:1","user_provided_suffix":"voice"},
				{"status":"running","fine_tuned_model":null},
				{"status":"succeeded","fine_tuned_model":null},
				{"status":"succeeded","fine_tuned_model":"ft:known","user_provided_suffix":"known"}
			],"has_more":false}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewCatalog(srv.URL+"/v1", []string{"ft:known"})
	got := c.FineTuned(context.Background(), []string{"bad", "good", "", "good"})

	require.Len(t, got, 1)
	assert.Equal(t, ModelOption{Label: "voice", Value: "ft:gpt-4o:org:voice:1", Token: "good"}, got[0])
}
