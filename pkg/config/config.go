// Package config loads gateway configuration from environment variables, an
// optional YAML file, and per-persona documents, mirroring the layered
// loading the teacher repo performs for its own workspace-relative config
// (env vars via caarlos0/env, defaults resolved against a workspace root).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/sipeed/beacon/pkg/beaconerr"
)

// DmPolicy is the DM admission policy the Pairing Gate (C7) enforces.
type DmPolicy string

const (
	DmPolicyOpen      DmPolicy = "open"
	DmPolicyAllowlist DmPolicy = "allowlist"
	DmPolicyPairing   DmPolicy = "pairing"
)

// TelegramConfig holds Telegram adapter credentials.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token" env:"BEACON_TELEGRAM_BOT_TOKEN"`
	WebhookURL  string `yaml:"webhook_url" env:"BEACON_TELEGRAM_WEBHOOK_URL"`
	WebhookPath string `yaml:"webhook_path" env:"BEACON_TELEGRAM_WEBHOOK_PATH" envDefault:"/api/webhooks/telegram"`
}

// DiscordConfig holds Discord adapter credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token" env:"BEACON_DISCORD_BOT_TOKEN"`
}

// SlackConfig holds Slack adapter credentials.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token" env:"BEACON_SLACK_BOT_TOKEN"`
	SigningSecret string `yaml:"signing_secret" env:"BEACON_SLACK_SIGNING_SECRET"`
	WebhookPath   string `yaml:"webhook_path" env:"BEACON_SLACK_WEBHOOK_PATH" envDefault:"/api/webhooks/slack"`
}

// LarkConfig holds Lark/Feishu adapter credentials.
type LarkConfig struct {
	AppID     string `yaml:"app_id" env:"BEACON_LARK_APP_ID"`
	AppSecret string `yaml:"app_secret" env:"BEACON_LARK_APP_SECRET"`
}

// DingTalkConfig holds DingTalk stream-mode adapter credentials.
type DingTalkConfig struct {
	ClientID     string `yaml:"client_id" env:"BEACON_DINGTALK_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"BEACON_DINGTALK_CLIENT_SECRET"`
}

// TencentConfig holds Tencent (QQ) bot adapter credentials.
type TencentConfig struct {
	AppID     string `yaml:"app_id" env:"BEACON_TENCENT_APP_ID"`
	AppSecret string `yaml:"app_secret" env:"BEACON_TENCENT_APP_SECRET"`
	Token     string `yaml:"token" env:"BEACON_TENCENT_TOKEN"`
}

// MSTeamsConfig holds the Microsoft Teams / Graph client-credentials triple
// used to mint short-lived bearer tokens for outbound sends.
type MSTeamsConfig struct {
	TenantID     string `yaml:"tenant_id" env:"BEACON_TEAMS_TENANT_ID"`
	ClientID     string `yaml:"client_id" env:"BEACON_TEAMS_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"BEACON_TEAMS_CLIENT_SECRET"`
}

// ChannelsConfig groups every per-channel credential block.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	Lark     LarkConfig     `yaml:"lark"`
	DingTalk DingTalkConfig `yaml:"dingtalk"`
	Tencent  TencentConfig  `yaml:"tencent"`
	MSTeams  MSTeamsConfig  `yaml:"msteams"`
}

// EventsConfig configures the Iggy HTTP event bus publisher (C9).
type EventsConfig struct {
	Host           string `yaml:"host" env:"IGGY_HOST" envDefault:"localhost"`
	HTTPPort       int    `yaml:"http_port" env:"IGGY_HTTP_PORT" envDefault:"3000"`
	Username       string `yaml:"username" env:"IGGY_USERNAME" envDefault:"iggy"`
	Password       string `yaml:"password" env:"IGGY_PASSWORD" envDefault:"iggy"`
	OrganizationID string `yaml:"organization_id" env:"BEACON_ORGANIZATION_ID" envDefault:"default"`
}

// HookConfig names which handlers fire at which of the three hook points.
type HookConfig struct {
	MessageReceived []string `yaml:"message_received"`
	BeforeAgent     []string `yaml:"before_agent"`
	AfterAgent      []string `yaml:"after_agent"`
}

// ProvidersConfig holds inference backend credentials and routing.
type ProvidersConfig struct {
	CloudMode            bool   `yaml:"cloud_mode" env:"BEACON_CLOUD_MODE"`
	SynapseURL           string `yaml:"synapse_url" env:"BEACON_SYNAPSE_URL"`
	SynapseAPIURL        string `yaml:"synapse_api_url" env:"BEACON_SYNAPSE_API_URL"`
	SynapseGatewaySecret string `yaml:"synapse_gateway_secret" env:"BEACON_SYNAPSE_GATEWAY_SECRET"`
	AnthropicAPIKey      string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey         string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	EmbeddingModel       string `yaml:"embedding_model" env:"BEACON_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
}

// Config is the root gateway configuration, loaded by Load.
type Config struct {
	Persona          string          `yaml:"persona" env:"BEACON_PERSONA"`
	Port             int             `yaml:"port" env:"BEACON_PORT" envDefault:"18789"`
	DisableVoice     bool            `yaml:"disable_voice" env:"BEACON_DISABLE_VOICE" envDefault:"true"`
	LLMModel         string          `yaml:"llm_model" env:"BEACON_LLM_MODEL" envDefault:"claude-sonnet-4-5-20250929"`
	DataDir          string          `yaml:"data_dir" env:"BEACON_DATA_DIR" envDefault:"./data"`
	PersonaCacheDir  string          `yaml:"persona_cache_dir" env:"BEACON_PERSONA_CACHE_DIR"`
	KnowledgeCacheDir string         `yaml:"knowledge_cache_dir" env:"BEACON_KNOWLEDGE_CACHE_DIR"`
	CompactThreshold int             `yaml:"compact_threshold" env:"BEACON_COMPACT_THRESHOLD" envDefault:"40"`
	CompactFraction  float64         `yaml:"compact_fraction" env:"BEACON_COMPACT_FRACTION" envDefault:"0.5"`
	CompactFlushMemory bool          `yaml:"compact_flush_memory" env:"BEACON_COMPACT_FLUSH_MEMORY"`
	DmPolicy         DmPolicy        `yaml:"dm_policy" env:"BEACON_DM_POLICY" envDefault:"open"`
	AdminAPIKey      string          `yaml:"admin_api_key" env:"BEACON_ADMIN_API_KEY"`
	MetricsEnabled   bool            `yaml:"metrics_enabled" env:"BEACON_METRICS_ENABLED" envDefault:"true"`
	Channels         ChannelsConfig  `yaml:"channels"`
	Events           EventsConfig    `yaml:"events"`
	Hooks            HookConfig      `yaml:"hooks"`
	Providers        ProvidersConfig `yaml:"providers"`
}

// DBPath returns the path to the gateway's SQL database file (§6).
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "beacon.db")
}

// WorkspacePath returns the root directory skills, specialists and vector
// indexes are resolved under, matching the teacher's cfg.WorkspacePath().
func (c *Config) WorkspacePath() string {
	return c.DataDir
}

// Load reads configuration from an optional YAML file at path (skipped if
// path is empty or missing) and then overlays environment variables, which
// always take precedence. Returns a *beaconerr.Error of KindConfiguration on
// any parse failure.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, beaconerr.ConfigError(fmt.Sprintf("parsing config file %s", path), err)
			}
		} else if !os.IsNotExist(err) {
			return nil, beaconerr.ConfigError(fmt.Sprintf("reading config file %s", path), err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, beaconerr.ConfigError("parsing environment variables", err)
	}

	if cfg.PersonaCacheDir == "" {
		cfg.PersonaCacheDir = filepath.Join(cfg.DataDir, "personas")
	}
	if cfg.KnowledgeCacheDir == "" {
		cfg.KnowledgeCacheDir = filepath.Join(cfg.DataDir, "knowledge")
	}

	switch cfg.DmPolicy {
	case DmPolicyOpen, DmPolicyAllowlist, DmPolicyPairing:
	case "":
		cfg.DmPolicy = DmPolicyOpen
	default:
		return nil, beaconerr.ConfigError(fmt.Sprintf("invalid dm_policy %q", cfg.DmPolicy), nil)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, beaconerr.ConfigError("creating data_dir", err)
	}

	return cfg, nil
}
