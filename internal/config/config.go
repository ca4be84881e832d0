// Package config loads neurochat settings from flags, the environment,
// .env files and an optional neurochat.yaml.
//
// Precedence, highest first: bound flags, process environment
// (NEUROCHAT_*), .env files (local over config dir), neurochat.yaml, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"neurochat/internal/history"
	"neurochat/pkg/chattypes"
)

// EnvPrefix prefixes every environment variable neurochat reads.
const EnvPrefix = "NEUROCHAT"

const (
	configName   = "neurochat"
	cookieEnvKey = EnvPrefix + "_WEB_COOKIE_"
)

// Config is the typed view over all configuration sources.
type Config struct {
	LogLevel string
	LogFile  string
	TestMode bool

	// Provider is the provider used when a command does not pick one.
	Provider chattypes.ProviderKind

	Official   OfficialConfig
	Compatible CompatibleConfig
	OCR        OCRConfig
	Web        WebConfig
	Grok       GrokConfig
	History    HistoryConfig
	Server     ServerConfig

	// ConfigDir is where neurochat.yaml, .env and the default SQLite file live.
	ConfigDir string
}

// OfficialConfig holds the official API credentials.
type OfficialConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	ThinkingLevel string
}

// CompatibleConfig holds the OpenAI/Claude-compatible endpoint settings.
type CompatibleConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	Type            chattypes.CompatibleType
	MaxTokens       int
	ThinkingEnabled bool
	ThinkingBudget  int
	RequestTimeout  time.Duration

	// Configs are named model bindings; ActiveConfig picks the default one
	// (the first when empty).
	Configs      []chattypes.ModelBinding
	ActiveConfig string
}

// OCRConfig enables attachment text extraction before dispatch.
type OCRConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Model   string
}

// WebConfig lists the signed-in web accounts and their cookies.
type WebConfig struct {
	Accounts     []int
	Cookies      map[int]string
	Model        string
	BaseURL      string
	Configs      []chattypes.ModelBinding
	ActiveConfig string
}

// GrokConfig holds the Grok session cookie.
type GrokConfig struct {
	Cookie  string
	Model   string
	BaseURL string
}

// HistoryConfig selects the history backend and its eviction constants.
type HistoryConfig struct {
	Backend       string // memory, sqlite, postgres or redis
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Policy        history.Policy
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string
}

// Options locates configuration files. Empty fields use the user's home
// config dir and the working directory.
type Options struct {
	ConfigDir string
	WorkDir   string
}

// SetDefaults registers every known key on v.
func SetDefaults(v *viper.Viper) {
	policy := history.DefaultPolicy()

	v.SetDefault("log-level", "")
	v.SetDefault("log-file", "")
	v.SetDefault("test-mode", false)
	v.SetDefault("provider", string(chattypes.ProviderWebClient))

	v.SetDefault("official.api_key", "")
	v.SetDefault("official.base_url", "")
	v.SetDefault("official.model", "")
	v.SetDefault("official.thinking_level", "")

	v.SetDefault("compatible.base_url", "")
	v.SetDefault("compatible.api_key", "")
	v.SetDefault("compatible.model", "")
	v.SetDefault("compatible.type", string(chattypes.CompatibleOpenAI))
	v.SetDefault("compatible.max_tokens", 0)
	v.SetDefault("compatible.thinking_enabled", false)
	v.SetDefault("compatible.thinking_budget", 0)
	v.SetDefault("compatible.request_timeout", time.Duration(0))
	v.SetDefault("compatible.config", "")

	v.SetDefault("ocr.enabled", false)
	v.SetDefault("ocr.base_url", "")
	v.SetDefault("ocr.api_key", "")
	v.SetDefault("ocr.model", "")

	v.SetDefault("web.accounts", []int{})
	v.SetDefault("web.model", "")
	v.SetDefault("web.base_url", "")
	v.SetDefault("web.config", "")

	v.SetDefault("grok.cookie", "")
	v.SetDefault("grok.model", "")
	v.SetDefault("grok.base_url", "")

	v.SetDefault("history.backend", "sqlite")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.redis_addr", "localhost:6379")
	v.SetDefault("history.redis_password", "")
	v.SetDefault("history.redis_db", 0)
	v.SetDefault("history.max_conversations", policy.MaxConversations)
	v.SetDefault("history.soft_limit_ratio", policy.SoftLimitRatio)
	v.SetDefault("history.cleanup_target_ratio", policy.CleanupTargetRatio)
	v.SetDefault("history.storage_threshold_ratio", policy.StorageThresholdRatio)
	v.SetDefault("history.quota_bytes", policy.QuotaBytes)

	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// Load reads every source into v and returns the typed configuration.
// v may already carry bound flags.
func Load(v *viper.Viper, opts Options) (*Config, error) {
	configDir, err := resolveConfigDir(opts.ConfigDir)
	if err != nil {
		return nil, err
	}
	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(workDir)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	dotenv, err := loadDotEnv(filepath.Join(configDir, ".env"), filepath.Join(workDir, ".env"))
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfigMap(dotEnvConfigMap(v.AllKeys(), dotenv)); err != nil {
		return nil, fmt.Errorf("failed to merge .env values: %w", err)
	}

	cfg := &Config{
		LogLevel:  v.GetString("log-level"),
		LogFile:   v.GetString("log-file"),
		TestMode:  v.GetBool("test-mode"),
		Provider:  chattypes.ParseProviderKind(v.GetString("provider")),
		ConfigDir: configDir,
		Official: OfficialConfig{
			APIKey:        v.GetString("official.api_key"),
			BaseURL:       v.GetString("official.base_url"),
			Model:         v.GetString("official.model"),
			ThinkingLevel: strings.ToLower(v.GetString("official.thinking_level")),
		},
		Compatible: CompatibleConfig{
			BaseURL:         v.GetString("compatible.base_url"),
			APIKey:          v.GetString("compatible.api_key"),
			Model:           v.GetString("compatible.model"),
			Type:            chattypes.CompatibleType(strings.ToLower(v.GetString("compatible.type"))),
			MaxTokens:       v.GetInt("compatible.max_tokens"),
			ThinkingEnabled: v.GetBool("compatible.thinking_enabled"),
			ThinkingBudget:  v.GetInt("compatible.thinking_budget"),
			RequestTimeout:  v.GetDuration("compatible.request_timeout"),
			ActiveConfig:    v.GetString("compatible.config"),
		},
		OCR: OCRConfig{
			Enabled: v.GetBool("ocr.enabled"),
			BaseURL: v.GetString("ocr.base_url"),
			APIKey:  v.GetString("ocr.api_key"),
			Model:   v.GetString("ocr.model"),
		},
		Web: WebConfig{
			Model:        v.GetString("web.model"),
			BaseURL:      v.GetString("web.base_url"),
			ActiveConfig: v.GetString("web.config"),
		},
		Grok: GrokConfig{
			Cookie:  v.GetString("grok.cookie"),
			Model:   v.GetString("grok.model"),
			BaseURL: v.GetString("grok.base_url"),
		},
		History: HistoryConfig{
			Backend:       strings.ToLower(v.GetString("history.backend")),
			DSN:           v.GetString("history.dsn"),
			RedisAddr:     v.GetString("history.redis_addr"),
			RedisPassword: v.GetString("history.redis_password"),
			RedisDB:       v.GetInt("history.redis_db"),
			Policy: history.Policy{
				MaxConversations:      v.GetInt("history.max_conversations"),
				SoftLimitRatio:        v.GetFloat64("history.soft_limit_ratio"),
				CleanupTargetRatio:    v.GetFloat64("history.cleanup_target_ratio"),
				StorageThresholdRatio: v.GetFloat64("history.storage_threshold_ratio"),
				QuotaBytes:            v.GetInt64("history.quota_bytes"),
			},
		},
		Server: ServerConfig{Addr: v.GetString("server.addr")},
	}

	if err := v.UnmarshalKey("compatible.configs", &cfg.Compatible.Configs); err != nil {
		return nil, fmt.Errorf("invalid compatible.configs: %w", err)
	}
	if err := v.UnmarshalKey("web.configs", &cfg.Web.Configs); err != nil {
		return nil, fmt.Errorf("invalid web.configs: %w", err)
	}

	accounts, err := parseAccounts(v.GetStringSlice("web.accounts"))
	if err != nil {
		return nil, err
	}
	cfg.Web.Accounts = accounts

	cookies, err := webCookies(v.GetStringMapString("web.cookies"), dotenv, os.Environ())
	if err != nil {
		return nil, err
	}
	cfg.Web.Cookies = cookies
	if len(cfg.Web.Accounts) == 0 {
		cfg.Web.Accounts = sortedAccounts(cookies)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown history backend %q (want memory, sqlite, postgres or redis)", c.History.Backend)
	}
	switch c.Compatible.Type {
	case "", chattypes.CompatibleOpenAI, chattypes.CompatibleClaude:
	default:
		return fmt.Errorf("unknown compatible provider type %q", c.Compatible.Type)
	}
	switch c.Official.ThinkingLevel {
	case "", "off", "low", "medium", "high":
	default:
		return fmt.Errorf("unknown thinking level %q", c.Official.ThinkingLevel)
	}
	if err := validateBindings("compatible", c.Compatible.Configs, c.Compatible.ActiveConfig); err != nil {
		return err
	}
	if err := validateBindings("web", c.Web.Configs, c.Web.ActiveConfig); err != nil {
		return err
	}
	if c.History.Policy.MaxConversations < 0 || c.History.Policy.QuotaBytes < 0 {
		return fmt.Errorf("history limits must not be negative")
	}
	for _, a := range c.Web.Accounts {
		if a < 0 {
			return fmt.Errorf("invalid web account index %d", a)
		}
	}
	return nil
}

func validateBindings(section string, configs []chattypes.ModelBinding, active string) error {
	seen := make(map[string]bool, len(configs))
	for i, b := range configs {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return fmt.Errorf("%s.configs[%d] has no id", section, i)
		}
		if strings.Contains(id, "::") {
			return fmt.Errorf("%s.configs[%d] id %q must not contain \"::\"", section, i, id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate %s config id %q", section, id)
		}
		seen[id] = true
	}
	if active != "" && !seen[active] {
		return fmt.Errorf("%s.config %q does not name a configured binding", section, active)
	}
	return nil
}

func resolveConfigDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", configName), nil
}

// loadDotEnv parses the given .env files in order; later files win.
// Missing files are skipped.
func loadDotEnv(paths ...string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read .env file %s: %w", path, err)
		}
		envMap, err := godotenv.Unmarshal(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse .env file %s: %w", path, err)
		}
		for key, value := range envMap {
			merged[key] = value
		}
	}
	return merged, nil
}

// envName is the environment variable viper consults for key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// dotEnvConfigMap turns .env entries for known keys into a nested map that
// can be merged into the config layer.
func dotEnvConfigMap(keys []string, dotenv map[string]string) map[string]any {
	out := make(map[string]any)
	for _, key := range keys {
		value, ok := dotenv[envName(key)]
		if !ok {
			continue
		}
		parts := strings.Split(key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out
}

// webCookies merges cookies from the config file, then .env, then the
// process environment (NEUROCHAT_WEB_COOKIE_<account>).
func webCookies(fromFile map[string]string, dotenv map[string]string, environ []string) (map[int]string, error) {
	cookies := make(map[int]string)
	set := func(account, cookie string) error {
		n, err := strconv.Atoi(strings.TrimSpace(account))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid web account index %q", account)
		}
		if cookie = strings.TrimSpace(cookie); cookie != "" {
			cookies[n] = cookie
		}
		return nil
	}

	for account, cookie := range fromFile {
		if err := set(account, cookie); err != nil {
			return nil, err
		}
	}
	for key, cookie := range dotenv {
		if account, ok := strings.CutPrefix(key, cookieEnvKey); ok {
			if err := set(account, cookie); err != nil {
				return nil, err
			}
		}
	}
	for _, kv := range environ {
		key, cookie, _ := strings.Cut(kv, "=")
		if account, ok := strings.CutPrefix(key, cookieEnvKey); ok {
			if err := set(account, cookie); err != nil {
				return nil, err
			}
		}
	}
	return cookies, nil
}

// parseAccounts accepts "0 1", "0,1" or a YAML list.
func parseAccounts(values []string) ([]int, error) {
	var accounts []int
	for _, v := range values {
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			n, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("invalid web account index %q", field)
			}
			accounts = append(accounts, n)
		}
	}
	return accounts, nil
}

func sortedAccounts(cookies map[int]string) []int {
	accounts := make([]int, 0, len(cookies))
	for n := range cookies {
		accounts = append(accounts, n)
	}
	sort.Ints(accounts)
	return accounts
}
