package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"neurochat/internal/history"
	"neurochat/internal/services"
	"neurochat/pkg/chattypes"
)

// ProviderSettings builds settings for kind, or for the configured default
// provider when kind is empty.
func (c *Config) ProviderSettings(kind string) chattypes.ProviderSettings {
	k := c.Provider
	if kind != "" {
		k = chattypes.ParseProviderKind(kind)
	}

	switch k {
	case chattypes.ProviderOfficial:
		return chattypes.OfficialSettings{
			APIKey:        c.Official.APIKey,
			BaseURL:       c.Official.BaseURL,
			Model:         c.Official.Model,
			ThinkingLevel: c.Official.ThinkingLevel,
		}
	case chattypes.ProviderOpenAICompatible:
		return chattypes.OpenAICompatibleSettings{
			BaseURL:         c.Compatible.BaseURL,
			APIKey:          c.Compatible.APIKey,
			Model:           c.Compatible.Model,
			ProviderType:    c.Compatible.Type,
			MaxTokens:       c.Compatible.MaxTokens,
			ThinkingEnabled: c.Compatible.ThinkingEnabled,
			ThinkingBudget:  c.Compatible.ThinkingBudget,
			RequestTimeout:  c.Compatible.RequestTimeout,
			Binding:         activeBinding(c.Compatible.Configs, c.Compatible.ActiveConfig),
			Bindings:        c.Compatible.Configs,
		}
	case chattypes.ProviderGrok:
		return chattypes.GrokSettings{Model: c.Grok.Model}
	default:
		s := chattypes.WebClientSettings{
			AccountIndices: c.Web.Accounts,
			Model:          c.Web.Model,
			Binding:        activeBinding(c.Web.Configs, c.Web.ActiveConfig),
			Bindings:       c.Web.Configs,
		}
		if len(s.AccountIndices) == 0 {
			s.AccountIndices = []int{0}
		}
		return s
	}
}

// activeBinding returns the binding named id, or the first one when id is
// empty.
func activeBinding(configs []chattypes.ModelBinding, id string) *chattypes.ModelBinding {
	for i := range configs {
		if id == "" || configs[i].ID == id {
			b := configs[i]
			return &b
		}
	}
	return nil
}

// Preprocessing returns the OCR settings, or nil when extraction is off.
func (c *Config) Preprocessing() *chattypes.DocumentPreprocessing {
	if !c.OCR.Enabled {
		return nil
	}
	return &chattypes.DocumentPreprocessing{
		Enabled: true,
		BaseURL: c.OCR.BaseURL,
		APIKey:  c.OCR.APIKey,
		Model:   c.OCR.Model,
	}
}

// OpenHistory opens the configured backend and wraps it in a Store. The
// returned close function releases the backend.
func (c *Config) OpenHistory(ctx context.Context) (*history.Store, func() error, error) {
	noop := func() error { return nil }
	h := c.History

	switch h.Backend {
	case "memory":
		return history.NewStore(history.NewMemoryKV(h.Policy.QuotaBytes), h.Policy), noop, nil
	case "redis":
		kv, err := history.OpenRedisKV(ctx, h.RedisAddr, h.RedisPassword, h.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis history: %w", err)
		}
		return history.NewStore(kv, h.Policy), kv.Close, nil
	case "sqlite", "postgres":
		dsn := h.DSN
		if dsn == "" {
			if h.Backend == "postgres" {
				return nil, nil, fmt.Errorf("history.dsn is required for the postgres backend")
			}
			if err := os.MkdirAll(c.ConfigDir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create config directory: %w", err)
			}
			dsn = filepath.Join(c.ConfigDir, "history.db")
		}
		kv, err := history.OpenSQLKV(ctx, h.Backend, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s history: %w", h.Backend, err)
		}
		return history.NewStore(kv, h.Policy), kv.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", h.Backend)
	}
}

// NewDispatcher wires the web and Grok sessions from c into a dispatcher.
func (c *Config) NewDispatcher(httpClient *http.Client) (*services.Dispatcher, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	catalog := services.NewModelCatalogService()
	if err := catalog.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}

	transport := services.NewHTTPWebTransport(c.Web.Cookies, catalog.WebHeaders(), httpClient)
	if c.Web.BaseURL != "" {
		transport.BaseURL = c.Web.BaseURL
	}
	grok := services.NewGrokClient(c.Grok.Cookie, httpClient)
	if c.Grok.BaseURL != "" {
		grok.BaseURL = c.Grok.BaseURL
	}

	return services.NewDispatcher(
		services.WithHTTPClient(httpClient),
		services.WithModelCatalog(catalog),
		services.WithWebClient(services.NewWebClient(transport, nil)),
		services.WithGrokClient(grok),
	)
}
