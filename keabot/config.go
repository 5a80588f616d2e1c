//nolint:lll // struct tags can't be split
package keabot

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "KEABOT_ENV_PREFIX"
	DefaultEnvPrefix      = "KB"
	DefaultDatabaseType   = "sqlite"
	DefaultDataDir        = "data"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout       = 30 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultLogFileMaxSize        = 50
	DefaultLogFileMaxBackups     = 7

	DefaultDiscordCommandPrefix = "!"
	DefaultDiscordGoldEmoji     = "gold"
	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordCustomStatus  = "hoarding gold"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent

	DefaultMediaMaxAttachments      = 30
	DefaultMediaMaxAttachmentSize   = 100 * 1024 * 1024
	DefaultMediaDownloadTimeout     = 2 * time.Minute
	DefaultMediaDownloadConcurrency = 4
	DefaultLeaderboardSize          = 5
	MaxLeaderboardSize              = 25

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPIRequestsPerSecond    = 10
	DefaultAPIRequestBurst         = 20
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 30 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"
)

var structValidator = validator.New()

var (
	DefaultMediaAllowedTypes = []string{"audio", "image", "video"}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
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
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path. When empty and
	// using SQLite, defaults to <data_dir>/db/keabot.sqlite3
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DataDir is the root directory for stored media (<data_dir>/images)
	// and, by default, the SQLite database
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogFile, if set, receives a copy of all log output, rotated
	// once it reaches LogFileMaxSize megabytes
	LogFile           string `yaml:"log_file" mapstructure:"log_file" json:"log_file"`
	LogFileMaxSize    int    `yaml:"log_file_max_size" mapstructure:"log_file_max_size" json:"log_file_max_size" binding:"min=0"`
	LogFileMaxBackups int    `yaml:"log_file_max_backups" mapstructure:"log_file_max_backups" json:"log_file_max_backups" binding:"min=0"`
	LogFileCompress   bool   `yaml:"log_file_compress" mapstructure:"log_file_compress" json:"log_file_compress"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the bot's gateway connection and commands
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Media configures admission control for uploaded attachments
	Media *MediaConfig `yaml:"media" mapstructure:"media" json:"media"`

	// API configures the read-only HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]" json:"-" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DatabasePath returns the configured database, or the default SQLite
// path under DataDir.
func (c Config) DatabasePath() string {
	if c.Database == "" && c.DatabaseType == dbTypeSQLite {
		return filepath.Join(c.DataDir, "db", "keabot.sqlite3")
	}
	return c.Database
}

// MediaDir returns the directory stored media is written to.
func (c Config) MediaDir() string {
	return filepath.Join(c.DataDir, "images")
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// TokenFile is read for the token when Token is empty
	TokenFile string `yaml:"token_file" mapstructure:"token_file" json:"token_file"`

	// CommandPrefix marks a message as a bot command (ex: "!" for "!score")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// GoldEmoji is the name of the custom emoji that counts as gold
	GoldEmoji string `yaml:"gold_emoji" mapstructure:"gold_emoji" json:"gold_emoji" binding:"required"`

	// ErrorMessage is sent in reply to a command that failed unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// CustomStatus is set on the bot's presence after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// LoadToken reads TokenFile into Token, if Token isn't already set.
func (c *DiscordConfig) LoadToken() error {
	if c.Token != "" || c.TokenFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return fmt.Errorf("error reading discord token file: %w", err)
	}
	c.Token = strings.TrimSpace(string(data))
	if c.Token == "" {
		return errors.New("discord token file is empty")
	}
	return nil
}

// MediaConfig sets limits on attachments accepted by addimage.
type MediaConfig struct {
	// Maximum number of attachments accepted in a single message
	MaxAttachments int `yaml:"max_attachments" mapstructure:"max_attachments" json:"max_attachments" binding:"min=1"`

	// Maximum size, in bytes, of a single attachment
	MaxAttachmentSize int64 `yaml:"max_attachment_size" mapstructure:"max_attachment_size" json:"max_attachment_size" binding:"min=1"`

	// Accepted content type prefixes (ex: "image" accepts "image/png")
	AllowedTypes []string `yaml:"allowed_types" mapstructure:"allowed_types" json:"allowed_types" binding:"min=1"`

	// Limit for downloading all attachments in one message
	DownloadTimeout time.Duration `yaml:"download_timeout" mapstructure:"download_timeout" json:"download_timeout" binding:"min=1s"`

	// Number of attachments downloaded concurrently
	DownloadConcurrency int `yaml:"download_concurrency" mapstructure:"download_concurrency" json:"download_concurrency" binding:"min=1"`
}

// APIConfig configures the read-only API server
type APIConfig struct {
	// Enabled starts the API server alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret, if set, must be sent as a bearer token on /api requests
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Requests per second allowed across all /api routes
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=0"`

	// Burst size for RequestsPerSecond
	RequestBurst int `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"min=0"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Development enables pprof endpoints and a permissive CORS policy
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
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

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DataDir:               DefaultDataDir,
		LogLevel:              mainLogLevel,
		LogFileMaxSize:        DefaultLogFileMaxSize,
		LogFileMaxBackups:     DefaultLogFileMaxBackups,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultDiscordCommandPrefix,
			GoldEmoji:         DefaultDiscordGoldEmoji,
			ErrorMessage:      DefaultDiscordErrorMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Media: &MediaConfig{
			MaxAttachments:      DefaultMediaMaxAttachments,
			MaxAttachmentSize:   DefaultMediaMaxAttachmentSize,
			AllowedTypes:        append([]string(nil), DefaultMediaAllowedTypes...),
			DownloadTimeout:     DefaultMediaDownloadTimeout,
			DownloadConcurrency: DefaultMediaDownloadConcurrency,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			RequestsPerSecond: DefaultAPIRequestsPerSecond,
			RequestBurst:      DefaultAPIRequestBurst,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

// Validate checks the config's `binding` constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Discord == nil {
		errs = append(errs, errors.New("discord config is required"))
	}
	if c.Media == nil {
		errs = append(errs, errors.New("media config is required"))
	}
	if c.API == nil {
		errs = append(errs, errors.New("api config is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return structValidator.Struct(c)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
