package chattypes

import (
	"strings"
	"time"
)

// ProviderKind names one of the supported backend integrations.
type ProviderKind string

// Known providers.
const (
	ProviderOfficial         ProviderKind = "official"
	ProviderWebClient        ProviderKind = "web"
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
	ProviderGrok             ProviderKind = "grok"
)

// ParseProviderKind maps a configuration string onto a provider.
// Unknown or empty names fall back to the web client.
func ParseProviderKind(name string) ProviderKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "official", "gemini_api", "gemini-api":
		return ProviderOfficial
	case "openai_compatible", "openai-compatible", "openai", "claude":
		return ProviderOpenAICompatible
	case "grok":
		return ProviderGrok
	default:
		return ProviderWebClient
	}
}

// CompatibleType selects the wire protocol of an OpenAI-compatible endpoint.
type CompatibleType string

// Wire protocols spoken by OpenAICompatibleSettings endpoints.
const (
	CompatibleOpenAI CompatibleType = "openai"
	CompatibleClaude CompatibleType = "claude"
)

// ModelBinding is a named model configuration a provider is bound to.
type ModelBinding struct {
	ID            string   `yaml:"id" json:"id" mapstructure:"id"`
	ActiveModelID string   `yaml:"active_model_id" json:"active_model_id" mapstructure:"active_model_id"`
	Models        []string `yaml:"models" json:"models" mapstructure:"models"`
}

// ProviderVisitor handles every ProviderSettings variant.
// Adding a variant adds a method here, so every dispatcher stops compiling until it handles it.
type ProviderVisitor interface {
	VisitOfficial(OfficialSettings) (ChatResult, error)
	VisitWebClient(WebClientSettings) (ChatResult, error)
	VisitOpenAICompatible(OpenAICompatibleSettings) (ChatResult, error)
	VisitGrok(GrokSettings) (ChatResult, error)
}

// ProviderSettings is a closed sum type: only the variants in this package implement it.
type ProviderSettings interface {
	Kind() ProviderKind
	Accept(v ProviderVisitor) (ChatResult, error)
	sealed()
}

// OfficialSettings configures the stateless official API.
type OfficialSettings struct {
	APIKey        string
	BaseURL       string
	Model         string
	ThinkingLevel string // off, low, medium, high or empty for dynamic
}

// WebClientSettings configures the browser-session web client.
type WebClientSettings struct {
	AccountIndices []int
	Model          string // legacy single-model field
	Binding        *ModelBinding
	// Bindings are the named configurations a "cfg::model" id can select.
	Bindings []ModelBinding
}

// OpenAICompatibleSettings configures an OpenAI- or Claude-compatible HTTP API.
type OpenAICompatibleSettings struct {
	BaseURL         string
	APIKey          string
	Model           string // legacy single-model field
	ProviderType    CompatibleType
	MaxTokens       int
	ThinkingEnabled bool
	ThinkingBudget  int
	RequestTimeout  time.Duration
	Binding         *ModelBinding
	Bindings        []ModelBinding
}

// GrokSettings configures the third-vendor chat API.
type GrokSettings struct {
	Model string
}

// Kind returns ProviderOfficial.
func (OfficialSettings) Kind() ProviderKind { return ProviderOfficial }

// Kind returns ProviderWebClient.
func (WebClientSettings) Kind() ProviderKind { return ProviderWebClient }

// Kind returns ProviderOpenAICompatible.
func (OpenAICompatibleSettings) Kind() ProviderKind { return ProviderOpenAICompatible }

// Kind returns ProviderGrok.
func (GrokSettings) Kind() ProviderKind { return ProviderGrok }

// Accept calls v.VisitOfficial.
func (s OfficialSettings) Accept(v ProviderVisitor) (ChatResult, error) { return v.VisitOfficial(s) }

// Accept calls v.VisitWebClient.
func (s WebClientSettings) Accept(v ProviderVisitor) (ChatResult, error) { return v.VisitWebClient(s) }

// Accept calls v.VisitOpenAICompatible.
func (s OpenAICompatibleSettings) Accept(v ProviderVisitor) (ChatResult, error) {
	return v.VisitOpenAICompatible(s)
}

// Accept calls v.VisitGrok.
func (s GrokSettings) Accept(v ProviderVisitor) (ChatResult, error) { return v.VisitGrok(s) }

func (OfficialSettings) sealed()         {}
func (WebClientSettings) sealed()        {}
func (OpenAICompatibleSettings) sealed() {}
func (GrokSettings) sealed()             {}

var (
	_ ProviderSettings = OfficialSettings{}
	_ ProviderSettings = WebClientSettings{}
	_ ProviderSettings = OpenAICompatibleSettings{}
	_ ProviderSettings = GrokSettings{}
)

// SettingsOrDefault returns s, or web client settings with a single account when s is nil.
func SettingsOrDefault(s ProviderSettings) ProviderSettings {
	if s == nil {
		return WebClientSettings{AccountIndices: []int{0}}
	}
	return s
}
