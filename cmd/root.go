package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/keabot/keabot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = keabot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "keabot [flags]",
	Short: "Discord bot tracking gold reactions and serving tagged images",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
	SilenceUsage: true,
}

// logLevelKeys are the settings decoded into *slog.LevelVar fields.
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// setLogLevels replaces each log level name in viper with a
// *slog.LevelVar, which is what Config expects.
func setLogLevels() error {
	for _, key := range logLevelKeys {
		name, ok := viper.Get(key).(string)
		if !ok {
			continue
		}
		lvl, err := levelStringToLevelVar(name)
		if err != nil {
			return fmt.Errorf("error parsing %s: %w", key, err)
		}
		viper.Set(key, lvl)
	}
	return nil
}

func levelStringToLevelVar(name string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(name)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

// loadConfig unmarshals viper's settings into config.
func loadConfig(config *keabot.Config) error {
	if err := setLogLevels(); err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	err := viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields. mapstructure may hand the hook either the
// pointer type or the dereferenced slog.LevelVar, so both are matched.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	levelVarType := reflect.TypeOf(slog.LevelVar{})
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		return levelStringToLevelVar(data.(string))
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func envPrefix() string {
	if prefix := os.Getenv(keabot.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return keabot.DefaultEnvPrefix
}

func initConfig() {
	envFile := configFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && configFile != "" {
		log.Printf("error loading env file %s: %v", configFile, err)
	}

	viper.SetDefault("database", "")
	viper.SetDefault("database_type", keabot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", keabot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", keabot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("data_dir", keabot.DefaultDataDir)

	viper.SetDefault("log_level", keabot.DefaultLogLevel.String())
	viper.SetDefault("log_file", "")
	viper.SetDefault("log_file_max_size", keabot.DefaultLogFileMaxSize)
	viper.SetDefault("log_file_max_backups", keabot.DefaultLogFileMaxBackups)
	viper.SetDefault("log_file_compress", false)

	viper.SetDefault("startup_timeout", keabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", keabot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.token_file", "")
	viper.SetDefault("discord.command_prefix", keabot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.gold_emoji", keabot.DefaultDiscordGoldEmoji)
	viper.SetDefault("discord.error_message", keabot.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.custom_status", keabot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.log_level", keabot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		keabot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(keabot.DefaultDiscordGatewayIntent))

	// Media config
	viper.SetDefault("media.max_attachments", keabot.DefaultMediaMaxAttachments)
	viper.SetDefault("media.max_attachment_size", keabot.DefaultMediaMaxAttachmentSize)
	viper.SetDefault("media.allowed_types", keabot.DefaultMediaAllowedTypes)
	viper.SetDefault("media.download_timeout", keabot.DefaultMediaDownloadTimeout)
	viper.SetDefault(
		"media.download_concurrency",
		keabot.DefaultMediaDownloadConcurrency,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", keabot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", keabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.requests_per_second", keabot.DefaultAPIRequestsPerSecond)
	viper.SetDefault("api.request_burst", keabot.DefaultAPIRequestBurst)
	viper.SetDefault("api.read_timeout", keabot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", keabot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", keabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", keabot.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", keabot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", keabot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", keabot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", keabot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", keabot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", keabot.DefaultAPICORSAllowCredentials)

	prefix := envPrefix()
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// the bot's old deployments only set DISCORD_TOKEN
	if err := viper.BindEnv(
		"discord.token",
		prefix+"_DISCORD_TOKEN",
		"DISCORD_TOKEN",
	); err != nil {
		log.Fatalf("error binding discord token: %v", err)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default: .env, if present)",
	)
}
