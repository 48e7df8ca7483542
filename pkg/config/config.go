package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation problem reported by Validate.
var ErrInvalid = errors.New("invalid configuration")

var urlPattern = regexp.MustCompile(`^https?://`)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Providers   []ProviderConfig  `mapstructure:"providers"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Store       StoreConfig       `mapstructure:"store"`
	Server      ServerConfig      `mapstructure:"server"`
	Gateways    GatewaysConfig    `mapstructure:"gateways"`
	Log         LogConfig         `mapstructure:"log"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LLMConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	Model              string        `mapstructure:"model"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	ProposeTemperature float64       `mapstructure:"propose_temperature"`
	DecideTemperature  float64       `mapstructure:"decide_temperature"`
	// ContentParts forces typed-part message content. When unset it is
	// detected from the model name and base URL.
	ContentParts *bool `mapstructure:"content_parts"`
}

// ProviderConfig describes one tool provider. Any "{{credential}}" token in
// Args, Env values, URL or Header values is replaced with the provider's
// current credential when the connection is dialed.
type ProviderConfig struct {
	Name       string            `mapstructure:"name"`
	Transport  string            `mapstructure:"transport"`
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	URL        string            `mapstructure:"url"`
	Headers    map[string]string `mapstructure:"headers"`
	Credential string            `mapstructure:"credential"`
	Disabled   bool              `mapstructure:"disabled"`
}

type CredentialsConfig struct {
	File string `mapstructure:"file"`
	// RotationPool names the pool in the credentials file that is rotated
	// on quota or authorization failures.
	RotationPool string `mapstructure:"rotation_pool"`
}

type AgentConfig struct {
	ContentMaxIterations  int           `mapstructure:"content_max_iterations"`
	ResearchMaxIterations int           `mapstructure:"research_max_iterations"`
	SummaryLimit          int           `mapstructure:"summary_limit"`
	PublishTool           string        `mapstructure:"publish_tool"`
	MediaArgument         string        `mapstructure:"media_argument"`
	SuccessMarkers        []string      `mapstructure:"success_markers"`
	MediaTimeout          time.Duration `mapstructure:"media_timeout"`
	DryRun                bool          `mapstructure:"dry_run"`
	DenyTools             []string      `mapstructure:"deny_tools"`
	PromptsDir            string        `mapstructure:"prompts_dir"`
	Placeholders          []string      `mapstructure:"placeholders"`
}

type BatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type GatewaysConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
}

type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
	Enabled bool   `mapstructure:"enabled"`
}

type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Enabled    bool   `mapstructure:"enabled"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	EventsDir string `mapstructure:"events_dir"`
}

// Load reads configuration from an optional .env file, an optional config
// file and SCRIBE_* environment variables. An empty path searches for
// scribe.{yaml,json,toml} in the working directory and ./config.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("scribe")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "SCRIBE_LLM_API_KEY", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "SCRIBE_LLM_BASE_URL", "OPENAI_BASE_URL")
	_ = v.BindEnv("llm.model", "SCRIBE_LLM_MODEL", "DEFAULT_MODEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "scribe")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_tokens", 32000)
	v.SetDefault("llm.propose_temperature", 0.8)
	v.SetDefault("llm.decide_temperature", 0.3)

	v.SetDefault("credentials.file", "credentials.yaml")
	v.SetDefault("credentials.rotation_pool", "tavily")

	v.SetDefault("agent.content_max_iterations", 10)
	v.SetDefault("agent.research_max_iterations", 5)
	v.SetDefault("agent.summary_limit", 1000)
	v.SetDefault("agent.publish_tool", "publish_content")
	v.SetDefault("agent.media_argument", "images")
	v.SetDefault("agent.success_markers", []string{"success", "成功", "published"})
	v.SetDefault("agent.media_timeout", 10*time.Second)
	v.SetDefault("agent.dry_run", false)
	v.SetDefault("agent.prompts_dir", "./prompts")

	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.poll_interval", 30*time.Second)

	v.SetDefault("store.path", "scribe.db")
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.events_dir", "logs")
}

// DefaultProviders is the provider set used when none is configured: a
// hosted search provider bound to the rotation pool, a page reader and a
// local publisher reachable over streamable HTTP.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:       "search",
			Transport:  "stdio",
			Command:    "npx",
			Args:       []string{"-y", "mcp-remote", "https://mcp.tavily.com/mcp/?tavilyApiKey={{credential}}"},
			Credential: "tavily",
		},
		{
			Name:       "reader",
			Transport:  "stdio",
			Command:    "npx",
			Args:       []string{"jina-mcp-tools"},
			Env:        map[string]string{"JINA_API_KEY": "{{credential}}"},
			Credential: "jina",
		},
		{
			Name:      "publisher",
			Transport: "streamable_http",
			URL:       "http://localhost:18060/mcp",
		},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if !urlPattern.MatchString(c.LLM.BaseURL) {
		errs = append(errs, fmt.Errorf("llm.base_url %q must start with http:// or https://", c.LLM.BaseURL))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d].name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		switch p.Transport {
		case "stdio":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("provider %q: command is required for stdio", p.Name))
			}
		case "streamable_http":
			if !urlPattern.MatchString(p.URL) {
				errs = append(errs, fmt.Errorf("provider %q: url %q must start with http:// or https://", p.Name, p.URL))
			}
		case "builtin":
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown transport %q", p.Name, p.Transport))
		}
	}
	if c.Batch.Concurrency < 1 {
		errs = append(errs, errors.New("batch.concurrency must be at least 1"))
	}
	if c.Agent.ContentMaxIterations < 1 || c.Agent.ResearchMaxIterations < 1 {
		errs = append(errs, errors.New("agent iteration budgets must be at least 1"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// EnabledProviders returns providers that are not disabled.
func (c *Config) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Mask renders a secret for logs, keeping the first and last four characters.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
