package settings

import (
	"strings"

	"github.com/xpress/internal/config"
	"github.com/xpress/internal/sessions"
)

const (
	DefaultResearchModel = "o1"
	DefaultWriterModel   = "jessievoice"
	DefaultCanvasPrompt  = "You are a helpful AI assistant. Please help me with my request."

	// DefaultWriterPrompt only applies to DefaultWriterModel.
	DefaultWriterPrompt = `You are a seasoned direct-response copywriter. Write in a warm, conversational first-person voice that sounds like a real person talking to one reader.

Keep sentences short and concrete. Open with a hook that names the reader's problem, tell a brief story that shows you understand it, then make one clear offer and a single call to action.

Avoid jargon, hype words and filler. Prefer specific numbers and vivid details over adjectives. When asked to revise, keep the author's meaning and tighten the prose.`
)

// Stored keys. Map entries are keyed by model id after the colon.
const (
	KeyResearchModel    = "research_model"
	KeyWriterModel      = "writer_model"
	KeyCanvasModePrompt = "canvas_mode_prompt"

	prefixResearchPrompt = "research_prompt:"
	prefixWriterPrompt   = "writer_prompt:"
	prefixModelToken     = "model_token:"
)

func ResearchPromptKey(model string) string { return prefixResearchPrompt + model }
func WriterPromptKey(model string) string   { return prefixWriterPrompt + model }
func ModelTokenKey(model string) string     { return prefixModelToken + model }

// IsTokenKey reports whether key holds a credential.
func IsTokenKey(key string) bool { return strings.HasPrefix(key, prefixModelToken) }

// Settings is the per-session configuration as resolved for display and use.
type Settings struct {
	ResearchModel    string            `json:"research_model"`
	WriterModel      string            `json:"writer_model"`
	ResearchPrompts  map[string]string `json:"research_prompts"`
	WriterPrompts    map[string]string `json:"writer_prompts"`
	ModelTokens      map[string]string `json:"model_tokens"`
	CanvasModePrompt string            `json:"canvas_mode_prompt"`
}

func (s Settings) clone() Settings {
	cp := s
	cp.ResearchPrompts = cloneMap(s.ResearchPrompts)
	cp.WriterPrompts = cloneMap(s.WriterPrompts)
	cp.ModelTokens = cloneMap(s.ModelTokens)
	return cp
}

// Redacted masks every credential.
func (s Settings) Redacted() Settings {
	cp := s.clone()
	for model, token := range cp.ModelTokens {
		cp.ModelTokens[model] = MaskSecret(token)
	}
	return cp
}

// Patch carries only the fields to change. A nil pointer or absent map entry
// leaves the stored value alone; an empty string clears it.
type Patch struct {
	ResearchModel    *string           `json:"research_model,omitempty"`
	WriterModel      *string           `json:"writer_model,omitempty"`
	CanvasModePrompt *string           `json:"canvas_mode_prompt,omitempty"`
	ResearchPrompts  map[string]string `json:"research_prompts,omitempty"`
	WriterPrompts    map[string]string `json:"writer_prompts,omitempty"`
	ModelTokens      map[string]string `json:"model_tokens,omitempty"`
}

func (p Patch) values() map[string]string {
	out := make(map[string]string)
	if p.ResearchModel != nil {
		out[KeyResearchModel] = strings.TrimSpace(*p.ResearchModel)
	}
	if p.WriterModel != nil {
		out[KeyWriterModel] = strings.TrimSpace(*p.WriterModel)
	}
	if p.CanvasModePrompt != nil {
		out[KeyCanvasModePrompt] = *p.CanvasModePrompt
	}
	for model, v := range p.ResearchPrompts {
		out[ResearchPromptKey(model)] = v
	}
	for model, v := range p.WriterPrompts {
		out[WriterPromptKey(model)] = v
	}
	for model, v := range p.ModelTokens {
		out[ModelTokenKey(model)] = strings.TrimSpace(v)
	}
	return out
}

// ModelConfig is what a single request needs for one pane.
type ModelConfig struct {
	ModelID      string
	SystemPrompt string
	Credential   string
	CanvasPrompt string
}

// Defaults are the application-level values injected at boot.
type Defaults struct {
	ResearchModel  string
	WriterModel    string
	ResearchPrompt string
	WriterPrompt   string
	CanvasPrompt   string
	Credential     string
	Credentials    map[string]string
}

func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		ResearchModel:  cfg.Models.Research,
		WriterModel:    cfg.Models.Writer,
		ResearchPrompt: cfg.Prompts.Research,
		WriterPrompt:   cfg.Prompts.Writer,
		CanvasPrompt:   cfg.Prompts.Canvas,
		Credential:     cfg.Credentials.Default,
		Credentials:    cloneMap(cfg.Credentials.Models),
	}
}

// fromValues builds settings from stored rows, then fills scalar gaps from
// defaults and finally the hard-coded constants.
func fromValues(values map[string]string, d Defaults) Settings {
	s := Settings{
		ResearchPrompts: map[string]string{},
		WriterPrompts:   map[string]string{},
		ModelTokens:     map[string]string{},
	}
	for key, v := range values {
		if v == "" {
			continue
		}
		switch {
		case key == KeyResearchModel:
			s.ResearchModel = v
		case key == KeyWriterModel:
			s.WriterModel = v
		case key == KeyCanvasModePrompt:
			s.CanvasModePrompt = v
		case strings.HasPrefix(key, prefixResearchPrompt):
			s.ResearchPrompts[strings.TrimPrefix(key, prefixResearchPrompt)] = v
		case strings.HasPrefix(key, prefixWriterPrompt):
			s.WriterPrompts[strings.TrimPrefix(key, prefixWriterPrompt)] = v
		case strings.HasPrefix(key, prefixModelToken):
			s.ModelTokens[strings.TrimPrefix(key, prefixModelToken)] = v
		}
	}
	s.ResearchModel = firstNonEmpty(s.ResearchModel, d.ResearchModel, DefaultResearchModel)
	s.WriterModel = firstNonEmpty(s.WriterModel, d.WriterModel, DefaultWriterModel)
	s.CanvasModePrompt = firstNonEmpty(s.CanvasModePrompt, d.CanvasPrompt, DefaultCanvasPrompt)
	return s
}

func modelConfig(s Settings, d Defaults, pane sessions.Pane) ModelConfig {
	mc := ModelConfig{CanvasPrompt: s.CanvasModePrompt}
	switch pane {
	case sessions.PaneWriter:
		mc.ModelID = s.WriterModel
		builtin := ""
		if mc.ModelID == DefaultWriterModel {
			builtin = DefaultWriterPrompt
		}
		mc.SystemPrompt = firstNonEmpty(s.WriterPrompts[mc.ModelID], d.WriterPrompt, builtin)
	default:
		mc.ModelID = s.ResearchModel
		mc.SystemPrompt = firstNonEmpty(s.ResearchPrompts[mc.ModelID], d.ResearchPrompt)
	}
	mc.Credential = firstNonEmpty(s.ModelTokens[mc.ModelID], d.Credentials[mc.ModelID], d.Credential)
	return mc
}

// MaskSecret keeps the first and last four characters of long values.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
