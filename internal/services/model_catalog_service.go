package services

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"neurochat/internal/data/embedded"
	"neurochat/pkg/chattypes"
)

// CatalogModel is one model offered by a provider.
type CatalogModel struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	// WebHeader is the model selector header value the web app expects.
	WebHeader string `yaml:"web_header,omitempty"`
}

// CatalogProvider lists the models of one provider kind.
type CatalogProvider struct {
	Kind         chattypes.ProviderKind `yaml:"kind"`
	DefaultModel string                 `yaml:"default_model"`
	Models       []CatalogModel         `yaml:"models"`
}

type catalogFile struct {
	Providers []CatalogProvider `yaml:"providers"`
}

// ModelCatalogService answers which models each provider offers and which
// one is used when nothing else selects a model. The catalog is loaded from
// embedded YAML.
type ModelCatalogService struct {
	initialized bool
	providers   map[chattypes.ProviderKind]CatalogProvider
}

// NewModelCatalogService creates a new ModelCatalogService instance.
func NewModelCatalogService() *ModelCatalogService {
	return &ModelCatalogService{}
}

// Name returns the service name "model_catalog".
func (m *ModelCatalogService) Name() string {
	return "model_catalog"
}

// Initialize loads the embedded catalog.
func (m *ModelCatalogService) Initialize() error {
	return m.load(embedded.ModelCatalogData)
}

func (m *ModelCatalogService) load(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse model catalog: %w", err)
	}

	providers := make(map[chattypes.ProviderKind]CatalogProvider, len(file.Providers))
	for _, p := range file.Providers {
		if _, dup := providers[p.Kind]; dup {
			return fmt.Errorf("provider '%s' is listed twice in the model catalog", p.Kind)
		}
		if err := validateUniqueIDs(p); err != nil {
			return err
		}
		providers[p.Kind] = p
	}

	m.providers = providers
	m.initialized = true
	return nil
}

// DefaultModel returns the catalog default for kind, or "" when unknown.
func (m *ModelCatalogService) DefaultModel(kind chattypes.ProviderKind) string {
	if !m.initialized {
		return ""
	}
	return m.providers[kind].DefaultModel
}

// Models returns the models offered by kind.
func (m *ModelCatalogService) Models(kind chattypes.ProviderKind) ([]CatalogModel, error) {
	if !m.initialized {
		return nil, fmt.Errorf("model catalog service not initialized")
	}
	p, ok := m.providers[kind]
	if !ok {
		return nil, fmt.Errorf("provider '%s' not found in catalog", kind)
	}
	out := make([]CatalogModel, len(p.Models))
	copy(out, p.Models)
	return out, nil
}

// Lookup finds a model of kind by ID (case-insensitive).
func (m *ModelCatalogService) Lookup(kind chattypes.ProviderKind, id string) (CatalogModel, bool) {
	if !m.initialized {
		return CatalogModel{}, false
	}
	for _, model := range m.providers[kind].Models {
		if normalizeID(model.ID) == normalizeID(id) {
			return model, true
		}
	}
	return CatalogModel{}, false
}

// WebHeaders maps model IDs to web selector header values.
func (m *ModelCatalogService) WebHeaders() map[string]string {
	headers := make(map[string]string)
	if !m.initialized {
		return headers
	}
	for _, model := range m.providers[chattypes.ProviderWebClient].Models {
		if model.WebHeader != "" {
			headers[model.ID] = model.WebHeader
		}
	}
	return headers
}

// validateUniqueIDs checks for duplicate model IDs (case-insensitive).
func validateUniqueIDs(p CatalogProvider) error {
	seenIDs := make(map[string]string) // normalized_id -> original_id

	for _, model := range p.Models {
		if model.ID == "" {
			return fmt.Errorf("model '%s' of provider '%s' has empty ID field", model.DisplayName, p.Kind)
		}

		normalizedID := normalizeID(model.ID)
		if existingID, exists := seenIDs[normalizedID]; exists {
			return fmt.Errorf("duplicate model ID found: '%s' and '%s' (case insensitive)", existingID, model.ID)
		}
		seenIDs[normalizedID] = model.ID
	}
	return nil
}

// normalizeID converts an ID to uppercase for case-insensitive comparison.
func normalizeID(id string) string {
	return strings.ToUpper(id)
}
