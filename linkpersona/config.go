//nolint:lll // struct tags can't be split
package linkpersona

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "LINKPERSONA_ENV_PREFIX"
	DefaultEnvPrefix   = "LP"

	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "linkpersona.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// DefaultMaxHistory bounds each channel's retained conversation
	// history. Appends past the bound evict the oldest entries.
	DefaultMaxHistory = 20

	// DefaultContextLimit is how many recent history entries are sent to
	// the LLM per persona-chat request. Always <= DefaultMaxHistory.
	DefaultContextLimit = 10

	// DefaultCommandCooldown is the per-user wait between accepted
	// slash commands.
	DefaultCommandCooldown = 60 * time.Second

	DefaultPersonasDir = "personas"

	DefaultArticleMaxChars     = 2000
	DefaultFetcherTimeout      = 10 * time.Second
	DefaultFetcherMaxBodyBytes = 1 << 20
	DefaultFetcherUserAgent    = "Mozilla/5.0 (compatible; linkpersona/1.0; +https://github.com/ecweston/linkpersona)"

	DefaultLLMProvider          = ProviderOpenAI
	DefaultLLMTimeout           = 60 * time.Second
	DefaultLLMRequestsPerSecond = 1
	DefaultLLMTemperature       = 1.0
	DefaultLLMTopP              = 0.9
	DefaultLLMMaxTokens         = 500
	DefaultLLMFrequencyPenalty  = 0.3
	DefaultLLMPresencePenalty   = 0.2
	DefaultLLMReferer           = "https://github.com/ecweston/linkpersona"
	DefaultLLMTitle             = "Link Persona Bot"

	DefaultSummaryMinChars = 100
	DefaultSummaryMaxChars = 150

	DiscordSlashCommandPersona             = "persona"
	DiscordSlashCommandDebate              = "debate"
	DiscordSlashCommandStats               = "stats"
	DefaultDiscordPersonaOptionDescription = "Persona ID to use, or 'reset' to restore the default voice"
	DefaultDiscordDebateOptionDescription  = "URL of the article to debate"
	DefaultDiscordErrorMessage             = "sorry, something went wrong!"
	DefaultDiscordRateLimitMessage         = "not so fast! wait a little before your next command"
	DefaultDiscordCustomStatus             = "drop me a link!"
	DefaultDiscordStartupMessage           = "I'm here!"
	discordMaxMessageLength                = 2000

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentMessageContent

	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultLLMLogLevel       = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
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
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// PersonasDir is the directory holding persona YAML files
	PersonasDir string `yaml:"personas_dir" mapstructure:"personas_dir" json:"personas_dir" binding:"required"`

	// WatchPersonas reloads the persona registry when files under
	// PersonasDir change
	WatchPersonas bool `yaml:"watch_personas" mapstructure:"watch_personas" json:"watch_personas"`

	// Conversation bounds per-channel state and the command cooldown
	Conversation *ConversationConfig `yaml:"conversation" mapstructure:"conversation" json:"conversation"`

	// Fetcher configures article retrieval
	Fetcher *FetcherConfig `yaml:"fetcher" mapstructure:"fetcher" json:"fetcher"`

	// LLM configures the chat completion provider
	LLM *LLMConfig `yaml:"llm" mapstructure:"llm" json:"llm"`

	// Summary sets the target length of generated summaries
	Summary SummaryConfig `yaml:"summary" mapstructure:"summary" json:"summary"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ConversationConfig bounds the conversation store and the command
// limiter.
type ConversationConfig struct {
	// MaxHistory is the per-channel history bound. Oldest entries are
	// evicted first.
	MaxHistory int `yaml:"max_history" mapstructure:"max_history" json:"max_history"`

	// ContextLimit is how many recent entries are sent to the LLM per
	// chat request. Must not exceed MaxHistory.
	ContextLimit int `yaml:"context_limit" mapstructure:"context_limit" json:"context_limit"`

	// CommandCooldown is the per-user wait between accepted commands.
	CommandCooldown time.Duration `yaml:"command_cooldown" mapstructure:"command_cooldown" json:"command_cooldown"`
}

func validateConversationConfig(field reflect.Value) any {
	if value, ok := field.Interface().(ConversationConfig); ok {
		if value.MaxHistory <= 0 {
			return "max_history must be > 0"
		}
		if value.ContextLimit <= 0 {
			return "context_limit must be > 0"
		}
		if value.ContextLimit > value.MaxHistory {
			return "context_limit must be <= max_history"
		}
		if value.CommandCooldown < 0 {
			return "command_cooldown must be >= 0"
		}
	}
	return nil
}

// FetcherConfig configures article retrieval and extraction.
type FetcherConfig struct {
	// Timeout for the entire fetch, including redirects
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// ArticleMaxChars truncates extracted article text, bounding LLM cost
	ArticleMaxChars int `yaml:"article_max_chars" mapstructure:"article_max_chars" json:"article_max_chars"`

	// MaxBodyBytes caps how much of a response body is read
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" json:"max_body_bytes"`

	// UserAgent sent with fetch requests
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent"`
}

// LLMConfig configures the chat completion provider. Provider presets
// fill in BaseURL and Model when they're left empty.
type LLMConfig struct {
	// Provider selects base URL and model presets
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" binding:"oneof=openai qwen openrouter custom"`

	// API token for the provider
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the provider preset endpoint
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// Model overrides the provider preset model
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	Temperature      float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature"`
	TopP             float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p"`
	MaxTokens        int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens"`
	FrequencyPenalty float32 `yaml:"frequency_penalty" mapstructure:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float32 `yaml:"presence_penalty" mapstructure:"presence_penalty" json:"presence_penalty"`

	// Timeout bounds each completion request when the caller's context
	// carries no deadline
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// RequestsPerSecond paces requests to the provider
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second"`

	// Referer and Title are attribution headers sent to OpenRouter
	Referer string `yaml:"referer" mapstructure:"referer" json:"referer"`
	Title   string `yaml:"title" mapstructure:"title" json:"title"`

	// LLM base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// SummaryConfig sets the target character range for generated summaries.
type SummaryConfig struct {
	MinChars int `yaml:"min_chars" mapstructure:"min_chars" json:"min_chars"`
	MaxChars int `yaml:"max_chars" mapstructure:"max_chars" json:"max_chars"`
}

func validateSummaryConfig(field reflect.Value) any {
	if value, ok := field.Interface().(SummaryConfig); ok {
		if value.MinChars <= 0 {
			return "min_chars must be > 0"
		}
		if value.MaxChars < value.MinChars {
			return "max_chars must be >= min_chars"
		}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, the bot sends this message to NotificationChannelID
	// whenever it connects to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// NotificationChannelID receives the startup message
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// CustomStatus is shown as the bot's activity
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Development enables more permissive CORS behavior
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

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
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	llmLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	llmLogLevel.Set(DefaultLLMLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		PersonasDir:           DefaultPersonasDir,
		WatchPersonas:         true,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Conversation: &ConversationConfig{
			MaxHistory:      DefaultMaxHistory,
			ContextLimit:    DefaultContextLimit,
			CommandCooldown: DefaultCommandCooldown,
		},
		Fetcher: &FetcherConfig{
			Timeout:         DefaultFetcherTimeout,
			ArticleMaxChars: DefaultArticleMaxChars,
			MaxBodyBytes:    DefaultFetcherMaxBodyBytes,
			UserAgent:       DefaultFetcherUserAgent,
		},
		LLM: &LLMConfig{
			Provider:          DefaultLLMProvider,
			Temperature:       DefaultLLMTemperature,
			TopP:              DefaultLLMTopP,
			MaxTokens:         DefaultLLMMaxTokens,
			FrequencyPenalty:  DefaultLLMFrequencyPenalty,
			PresencePenalty:   DefaultLLMPresencePenalty,
			Timeout:           DefaultLLMTimeout,
			RequestsPerSecond: DefaultLLMRequestsPerSecond,
			Referer:           DefaultLLMReferer,
			Title:             DefaultLLMTitle,
			LogLevel:          llmLogLevel,
		},
		Summary: SummaryConfig{
			MinChars: DefaultSummaryMinChars,
			MaxChars: DefaultSummaryMaxChars,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
