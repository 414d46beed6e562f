package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"

	"github.com/UrBoiTom/DiscordBot/discordbot"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = discordbot.DefaultConfig()
	configFile string
)

// Keys holding lists. From the environment these are space-separated.
var stringSliceKeys = []string{
	"model.roster",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:           "discordbot [flags]",
	Short:         "A discord bot that replies with text from a roster of language models",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(configFile, false)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

var (
	levelVarType    = reflect.TypeOf(slog.LevelVar{})
	levelVarPtrType = reflect.TypeOf(&slog.LevelVar{})
)

// LevelVarHookFunc decodes level names ("debug", "INFO", "warn+2") into
// *slog.LevelVar fields. mapstructure asks for the element type when the
// field already holds a LevelVar, so both forms are handled.
func LevelVarHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarPtrType && t != levelVarType {
			return data, nil
		}
		lvl := &slog.LevelVar{}
		if err := lvl.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, fmt.Errorf("invalid log level: %q", data)
		}
		return lvl, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// isStructuredConfig reports whether path should be read by viper as a
// yaml/json/toml document rather than loaded into the environment.
func isStructuredConfig(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}

// loadConfig builds a Config from defaults, an optional config file and
// the environment. A dotenv file doesn't override variables that are
// already set, unless overload is true (used on reload, when the
// environment already holds the file's previous values).
func loadConfig(path string, overload bool) (*discordbot.Config, error) {
	v := viper.New()

	switch {
	case path == "":
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("error loading .env: %v", err)
		}
	case isStructuredConfig(path):
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	default:
		load := godotenv.Load
		if overload {
			load = godotenv.Overload
		}
		if err := load(path); err != nil {
			return nil, fmt.Errorf("loading env file %q: %w", path, err)
		}
	}

	setDefaults(v)

	envPrefix := os.Getenv(discordbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = discordbot.DefaultEnvPrefix
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range stringSliceKeys {
		v.Set(key, v.GetStringSlice(key))
	}

	config := discordbot.DefaultConfig()
	defaults := levelVars(discordbot.DefaultConfig())
	fields := levelVars(config)
	for _, lv := range fields {
		*lv = nil
	}
	err := v.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelVarHookFunc(),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	for i, lv := range fields {
		if *lv == nil {
			*lv = *defaults[i]
		}
	}
	return config, nil
}

// levelVars returns the address of every LevelVar field in c, in a fixed
// order.
func levelVars(c *discordbot.Config) []**slog.LevelVar {
	return []**slog.LevelVar{
		&c.LogLevel,
		&c.DatabaseLogLevel,
		&c.Discord.LogLevel,
		&c.Discord.DiscordGoLogLevel,
		&c.Model.LogLevel,
		&c.API.LogLevel,
	}
}

// configLoader re-reads the config file used at startup.
func configLoader(path string) discordbot.ConfigLoader {
	return func(_ context.Context) (*discordbot.Config, error) {
		return loadConfig(path, true)
	}
}

// setDefaults registers every config key with viper, so each one can be
// set from the environment.
func setDefaults(v *viper.Viper) {
	d := discordbot.DefaultConfig()

	v.SetDefault("database", d.Database)
	v.SetDefault("database_type", d.DatabaseType)
	v.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	v.SetDefault("database_log_level", d.DatabaseLogLevel.Level().String())
	v.SetDefault("log_level", d.LogLevel.Level().String())
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	// Discord
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.application_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.owner_id", "")
	v.SetDefault("discord.bot_name", "")
	v.SetDefault("discord.register_commands", d.Discord.RegisterCommands)
	v.SetDefault("discord.custom_status", "")
	v.SetDefault("discord.log_level", d.Discord.LogLevel.Level().String())
	v.SetDefault(
		"discord.discordgo_log_level",
		d.Discord.DiscordGoLogLevel.Level().String(),
	)
	v.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))

	// Model
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.roster", []string{})
	v.SetDefault("model.default_index", d.Model.DefaultIndex)
	v.SetDefault("model.welcome_goodbye_index", d.Model.WelcomeGoodbyeIndex)
	v.SetDefault("model.attempt_timeout", d.Model.AttemptTimeout)
	v.SetDefault("model.search", d.Model.Search)
	v.SetDefault("model.requests_per_minute", d.Model.RequestsPerMinute)
	v.SetDefault("model.tts_model", d.Model.TTSModel)
	v.SetDefault("model.tts_voice", d.Model.TTSVoice)
	v.SetDefault("model.log_level", d.Model.LogLevel.Level().String())

	// Prompts
	v.SetDefault("prompts.system", "")
	v.SetDefault("prompts.welcome", "")
	v.SetDefault("prompts.goodbye", "")
	v.SetDefault("prompts.emoji", "")

	// History
	v.SetDefault("history.strategy", string(d.History.Strategy))
	v.SetDefault("history.window_size", d.History.WindowSize)
	v.SetDefault("history.include_timestamps", d.History.IncludeTimestamps)
	v.SetDefault("history.cache_size", d.History.CacheSize)
	v.SetDefault("history.cache_ttl", d.History.CacheTTL)
	v.SetDefault("history.max_image_bytes", d.History.MaxImageBytes)
	v.SetDefault("history.image_fetch_timeout", d.History.ImageFetchTimeout)

	// Modules
	v.SetDefault("modules.main", d.Modules.Main)
	v.SetDefault("modules.welcome", d.Modules.Welcome)
	v.SetDefault("modules.goodbye", d.Modules.Goodbye)
	v.SetDefault("modules.timeout", d.Modules.Timeout)
	v.SetDefault("modules.voice", d.Modules.Voice)
	v.SetDefault("modules.emojis", d.Modules.Emojis)

	// Timeout keyword
	v.SetDefault("timeout.duration", d.Timeout.Duration)
	v.SetDefault("timeout.reason", "")

	// API
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.listen_network", d.API.ListenNetwork)
	v.SetDefault("api.secret", "")
	v.SetDefault("api.admin_username", "")
	v.SetDefault("api.admin_password_hash", "")
	v.SetDefault("api.ssl.cert", "")
	v.SetDefault("api.ssl.key", "")
	v.SetDefault("api.ssl.tls_min_version", d.API.SSL.TLSMinVersion)
	v.SetDefault("api.log_level", d.API.LogLevel.Level().String())
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.read_header_timeout", d.API.ReadHeaderTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	v.SetDefault("api.session_max_age", d.API.SessionMaxAge)
	v.SetDefault("api.development", d.API.Development)

	// API: CORS
	v.SetDefault("api.cors.allow_origins", d.API.CORS.AllowOrigins)
	v.SetDefault("api.cors.allow_methods", d.API.CORS.AllowMethods)
	v.SetDefault("api.cors.allow_headers", d.API.CORS.AllowHeaders)
	v.SetDefault("api.cors.expose_headers", d.API.CORS.ExposeHeaders)
	v.SetDefault("api.cors.allow_credentials", d.API.CORS.AllowCredentials)
	v.SetDefault("api.cors.max_age", d.API.CORS.MaxAge)
}

//nolint:gochecknoinits
func init() {
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use: a .env file, or yaml/json/toml",
	)
}
