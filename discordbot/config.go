//nolint:lll // struct tags can't be split
package discordbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "DISCORDBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "DISCORDBOT"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "discordbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultModelProvider            = ProviderAIStudio
	DefaultModelAttemptTimeout      = 180 * time.Second
	DefaultModelDefaultIndex        = 0
	DefaultModelWelcomeGoodbyeIndex = 1
	DefaultModelRequestsPerMinute   = 0
	DefaultTTSModel                 = "gemini-2.5-flash-preview-tts"
	DefaultTTSVoice                 = "Kore"
	DefaultModelLogLevel            = slog.LevelInfo

	DefaultHistoryStrategy     = HistoryReplyChain
	DefaultHistoryWindowSize   = 10
	DefaultHistoryCacheSize    = 1000
	DefaultHistoryCacheTTL     = 6 * time.Hour
	DefaultMaxImageBytes       = 10 << 20
	DefaultImageFetchTimeout   = 30 * time.Second
	DefaultTimeoutDuration     = 5 * time.Minute
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentGuildMembers |
		discordgo.IntentMessageContent

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	discordMaxMessageLength  = 2000

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

const (
	ProviderAIStudio = "ai_studio"
	ProviderOpenAI   = "openai"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the bot's top-level configuration. A running [Bot] never
// mutates a Config it was given; a reload builds a new one and swaps it in.
type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" validate:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect to the
	// database and discord before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" validate:"min=0"`

	// ShutdownTimeout is the time to allow in-flight triggers to finish
	// before connections are closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" validate:"required"`
	Model   *ModelConfig   `yaml:"model" mapstructure:"model" json:"model" validate:"required"`
	Prompts *PromptConfig  `yaml:"prompts" mapstructure:"prompts" json:"prompts" validate:"required"`
	History *HistoryConfig `yaml:"history" mapstructure:"history" json:"history" validate:"required"`
	Modules *ModulesConfig `yaml:"modules" mapstructure:"modules" json:"modules" validate:"required"`
	Timeout *TimeoutConfig `yaml:"timeout" mapstructure:"timeout" json:"timeout" validate:"required"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api" validate:"required"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Redacted returns c as nested maps keyed by JSON field name, with
// secrets replaced. It's used for the config API and `config` command.
func (c *Config) Redacted() map[string]any {
	m, _ := slogValueToAny(structToSlogValue(c)).(map[string]any)
	return m
}

// Validate checks struct-level constraints. Roster problems are not
// validated here; the model invoker reports them per request.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" validate:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// OwnerID is the user allowed to run /reload
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// BotName is matched against message content when the bot has no
	// guild nickname to match.
	BotName string `yaml:"bot_name" mapstructure:"bot_name" json:"bot_name"`

	// RegisterCommands overwrites the application commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

// ModelConfig configures the generative backend and the model roster.
type ModelConfig struct {
	// Provider selects the backend: 'ai_studio' (Gemini) or 'openai'
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" validate:"oneof=ai_studio openai"`

	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// BaseURL overrides the provider's API endpoint (openai-compatible servers)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Roster is the ordered list of models tried for a single request.
	Roster []string `yaml:"roster" mapstructure:"roster" json:"roster"`

	// DefaultIndex is the roster index mention/reply triggers start at
	DefaultIndex int `yaml:"default_index" mapstructure:"default_index" json:"default_index" validate:"min=0"`

	// WelcomeGoodbyeIndex is the roster index welcome and goodbye
	// messages start at
	WelcomeGoodbyeIndex int `yaml:"welcome_goodbye_index" mapstructure:"welcome_goodbye_index" json:"welcome_goodbye_index" validate:"min=0"`

	// AttemptTimeout bounds a single model attempt
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout" json:"attempt_timeout" validate:"min=1s"`

	// Search enables the backend's search tool, where supported
	Search bool `yaml:"search" mapstructure:"search" json:"search"`

	// RequestsPerMinute caps backend requests. 0=unlimited
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" json:"requests_per_minute" validate:"min=0"`

	TTSModel string `yaml:"tts_model" mapstructure:"tts_model" json:"tts_model"`
	TTSVoice string `yaml:"tts_voice" mapstructure:"tts_voice" json:"tts_voice"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// PromptConfig holds the system instruction and its per-flow fragments.
type PromptConfig struct {
	System  string `yaml:"system" mapstructure:"system" json:"system"`
	Welcome string `yaml:"welcome" mapstructure:"welcome" json:"welcome"`
	Goodbye string `yaml:"goodbye" mapstructure:"goodbye" json:"goodbye"`

	// Emoji is appended after the emoji list when [ModulesConfig.Emojis] is set
	Emoji string `yaml:"emoji" mapstructure:"emoji" json:"emoji"`
}

// HistoryConfig selects how prior conversation is gathered.
type HistoryConfig struct {
	Strategy HistoryStrategy `yaml:"strategy" mapstructure:"strategy" json:"strategy" validate:"oneof=reply_chain window"`

	// WindowSize is the number of prior messages used by the window strategy
	WindowSize int `yaml:"window_size" mapstructure:"window_size" json:"window_size" validate:"min=0"`

	// IncludeTimestamps prefixes each fragment with a timestamp line
	IncludeTimestamps bool `yaml:"include_timestamps" mapstructure:"include_timestamps" json:"include_timestamps"`

	// CacheSize is the number of recently seen messages kept for reply lookups
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" json:"cache_size" validate:"min=1"`

	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl" validate:"min=0"`

	// MaxImageBytes skips attachments larger than this
	MaxImageBytes int64 `yaml:"max_image_bytes" mapstructure:"max_image_bytes" json:"max_image_bytes" validate:"min=0"`

	ImageFetchTimeout time.Duration `yaml:"image_fetch_timeout" mapstructure:"image_fetch_timeout" json:"image_fetch_timeout" validate:"min=0"`
}

// ModulesConfig toggles optional features.
type ModulesConfig struct {
	Main    bool `yaml:"main" mapstructure:"main" json:"main"`
	Welcome bool `yaml:"welcome" mapstructure:"welcome" json:"welcome"`
	Goodbye bool `yaml:"goodbye" mapstructure:"goodbye" json:"goodbye"`
	Timeout bool `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	Voice   bool `yaml:"voice" mapstructure:"voice" json:"voice"`
	Emojis  bool `yaml:"emojis" mapstructure:"emojis" json:"emojis"`
}

// TimeoutConfig configures the timeout keyword trigger.
type TimeoutConfig struct {
	Duration time.Duration `yaml:"duration" mapstructure:"duration" json:"duration" validate:"min=1s"`
	Reason   string        `yaml:"reason" mapstructure:"reason" json:"reason"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" validate:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" validate:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	AdminUsername string `yaml:"admin_username" mapstructure:"admin_username" json:"admin_username"`

	// AdminPasswordHash is an argon2id hash, as printed by `hash-password`
	AdminPasswordHash string `yaml:"admin_password_hash" mapstructure:"admin_password_hash" json:"admin_password_hash" log:"[redacted]"`

	// Configuration for SSL/TLS. Plain HTTP is served when no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"`

	// Development relaxes cookie SameSite and enables pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			RegisterCommands:  true,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		},
		Model: &ModelConfig{
			Provider:            DefaultModelProvider,
			DefaultIndex:        DefaultModelDefaultIndex,
			WelcomeGoodbyeIndex: DefaultModelWelcomeGoodbyeIndex,
			AttemptTimeout:      DefaultModelAttemptTimeout,
			RequestsPerMinute:   DefaultModelRequestsPerMinute,
			TTSModel:            DefaultTTSModel,
			TTSVoice:            DefaultTTSVoice,
			LogLevel:            newLevelVar(DefaultModelLogLevel),
		},
		Prompts: &PromptConfig{},
		History: &HistoryConfig{
			Strategy:          DefaultHistoryStrategy,
			WindowSize:        DefaultHistoryWindowSize,
			CacheSize:         DefaultHistoryCacheSize,
			CacheTTL:          DefaultHistoryCacheTTL,
			MaxImageBytes:     DefaultMaxImageBytes,
			ImageFetchTimeout: DefaultImageFetchTimeout,
		},
		Modules: &ModulesConfig{
			Main:    true,
			Welcome: true,
			Goodbye: true,
		},
		Timeout: &TimeoutConfig{
			Duration: DefaultTimeoutDuration,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// adoptLevels copies the levels of c into the LevelVars held by prev and
// then points c at prev's LevelVars, so loggers built against the previous
// config follow the reloaded levels.
func (c *Config) adoptLevels(prev *Config) {
	if prev == nil {
		return
	}
	swap := func(dst **slog.LevelVar, old *slog.LevelVar) {
		if old == nil {
			return
		}
		if *dst != nil {
			old.Set((*dst).Level())
		}
		*dst = old
	}
	swap(&c.LogLevel, prev.LogLevel)
	swap(&c.DatabaseLogLevel, prev.DatabaseLogLevel)
	if c.Discord != nil && prev.Discord != nil {
		swap(&c.Discord.LogLevel, prev.Discord.LogLevel)
		swap(&c.Discord.DiscordGoLogLevel, prev.Discord.DiscordGoLogLevel)
	}
	if c.Model != nil && prev.Model != nil {
		swap(&c.Model.LogLevel, prev.Model.LogLevel)
	}
	if c.API != nil && prev.API != nil {
		swap(&c.API.LogLevel, prev.API.LogLevel)
	}
}
