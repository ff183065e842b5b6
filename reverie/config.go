//nolint:lll // struct tags can't be split
package reverie

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "REVERIE_ENV_PREFIX"
	DefaultEnvPrefix   = "REVERIE"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "reverie.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultGeminiPrimaryModel          = "gemini-1.5-flash"
	DefaultGeminiMaxRequestsPerSecond  = 1
	DefaultGeminiLogLevel              = slog.LevelInfo
	DefaultGenerationMaxOutputTokens   = 1500
	DefaultGenerationTemperature       = 0.8
	DefaultGenerationTopP              = 0.95
	DefaultGenerationTopK              = 40
	DefaultModelRetryDelay             = time.Minute
	DefaultMaxHistorySize              = 15
	DefaultMaxNarratives               = 10
	DefaultContextWindow               = 5
	DefaultFallbackContextWindow       = 3
	DefaultSummaryWindow               = 9
	DefaultMinSummaryTurns             = 2
	DefaultAutoSummaryThreshold        = 5
	DefaultAutoSummaryCooldown         = 10 * time.Minute
	DefaultAutoSummaryJobQueueSize     = 25
	DefaultAutoSummaryTimeout          = 2 * time.Minute

	DiscordSlashCommandChat   = "chat"
	DiscordSlashCommandMemory = "memory"
	DiscordSlashCommandClear  = "clear"

	DefaultDiscordChatOptionDescription = "What would you like to say?"
	DefaultDiscordErrorMessage          = "sorry, something went wrong!"
	DefaultDiscordBusyMessage           = "I'm still thinking about your last message!"
	DefaultDiscordCustomStatus          = "/chat with me!"
	DefaultDiscordStartupMessage        = "I'm here!"
	DefaultDiscordLogLevel              = slog.LevelWarn
	DefaultDiscordgoLogLevel            = slog.LevelWarn
	DefaultDiscordGatewayIntent         = discordgo.IntentsAllWithoutPrivileged

	// discordMaxMessageLength is the hard Discord limit on a single
	// message; replies longer than this are segmented before delivery.
	discordMaxMessageLength = 2000
)

var defaultFallbackModels = []string{"gemini-1.0-pro", "gemini-1.5-pro"}

// Config is the top-level configuration for the bot.
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Gemini holds the configuration for the upstream Gemini API
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// Chat configures conversation state: history/narrative bounds,
	// summarization triggers and prompt context windows
	Chat *ChatConfig `yaml:"chat" mapstructure:"chat" json:"chat"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`
}

// GeminiConfig configures the upstream generative language API client.
type GeminiConfig struct {
	// APIKey is the Gemini API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"-" log:"[redacted]" binding:"required"`

	// PrimaryModel is the model tried first for every request. It's the
	// only model given structured multi-turn history.
	PrimaryModel string `yaml:"primary_model" mapstructure:"primary_model" json:"primary_model" binding:"required"`

	// FallbackModels are tried in order when the primary model fails.
	// These receive prior history flattened into the prompt text.
	FallbackModels []string `yaml:"fallback_models" mapstructure:"fallback_models" json:"fallback_models"`

	// RetryDelay is how long a model is suspended after a rate-limit
	// rejection that doesn't carry an explicit retry delay
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay" binding:"min=1s"`

	// MaxRequestsPerSecond sets the rate limit for Gemini API requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// LogLevel sets the log level for the Gemini client
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Generation holds sampling parameters applied to every request
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation" json:"generation"`
}

// GenerationConfig holds the sampling parameters sent with every
// generation request. These are a tuning choice, not a correctness
// contract - but they're configured here rather than hardcoded per call.
type GenerationConfig struct {
	MaxOutputTokens int32   `yaml:"max_output_tokens" mapstructure:"max_output_tokens" json:"max_output_tokens" binding:"min=1"`
	Temperature     float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	TopP            float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p" binding:"min=0,max=1"`
	TopK            int32   `yaml:"top_k" mapstructure:"top_k" json:"top_k" binding:"min=1"`
}

// ChatConfig configures conversation state and summarization.
type ChatConfig struct {
	// CharacterDir is a directory of per-character JSON profiles. May be
	// empty, in which case only the builtin default character exists.
	CharacterDir string `yaml:"character_dir" mapstructure:"character_dir" json:"character_dir"`

	// DefaultCharacter is the character used when a turn doesn't name one.
	// Empty means the builtin default.
	DefaultCharacter string `yaml:"default_character" mapstructure:"default_character" json:"default_character"`

	// MaxHistorySize bounds per-user history. The oldest turn is evicted
	// on append once this is exceeded.
	MaxHistorySize int `yaml:"max_history_size" mapstructure:"max_history_size" json:"max_history_size" binding:"min=1"`

	// MaxNarratives bounds the per-user narrative collection
	MaxNarratives int `yaml:"max_narratives" mapstructure:"max_narratives" json:"max_narratives" binding:"min=1"`

	// ContextWindow is the number of recent turns given to the primary
	// model as structured chat history
	ContextWindow int `yaml:"context_window" mapstructure:"context_window" json:"context_window" binding:"min=1"`

	// FallbackContextWindow is the number of recent turns flattened into
	// the prompt for fallback models
	FallbackContextWindow int `yaml:"fallback_context_window" mapstructure:"fallback_context_window" json:"fallback_context_window" binding:"min=1"`

	// SummaryWindow is the number of trailing turns summarized into a narrative
	SummaryWindow int `yaml:"summary_window" mapstructure:"summary_window" json:"summary_window" binding:"min=2"`

	// MinSummaryTurns is the minimum history length required before a
	// narrative can be generated
	MinSummaryTurns int `yaml:"min_summary_turns" mapstructure:"min_summary_turns" json:"min_summary_turns" binding:"min=1"`

	// AutoSummaryThreshold is the history length at which a background
	// narrative is generated
	AutoSummaryThreshold int `yaml:"auto_summary_threshold" mapstructure:"auto_summary_threshold" json:"auto_summary_threshold" binding:"min=1"`

	// AutoSummaryCooldown is the minimum interval between background
	// narrative generations for one user
	AutoSummaryCooldown time.Duration `yaml:"auto_summary_cooldown" mapstructure:"auto_summary_cooldown" json:"auto_summary_cooldown" binding:"min=1s"`
}

// DiscordConfig configures the Discord integration.
type DiscordConfig struct {
	// Token is the Discord bot token
	Token string `yaml:"token" mapstructure:"token" json:"-" log:"[redacted]" binding:"required"`

	// ApplicationID is the Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID, when set, registers slash commands against a single guild
	// instead of globally (global registration can take up to an hour)
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// LogLevel sets the log level for the bot's Discord activity
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel sets the log level for the discordgo library itself
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// GatewayIntents sets the intents for the Discord gateway connection
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// StartupMessage is set as the bot's custom status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`
}

// DefaultConfig returns a Config with all default values set.
func DefaultConfig() *Config {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultLogLevel)

	databaseLogLevel := &slog.LevelVar{}
	databaseLogLevel.Set(DefaultDatabaseLogLevel)

	geminiLogLevel := &slog.LevelVar{}
	geminiLogLevel.Set(DefaultGeminiLogLevel)

	discordLogLevel := &slog.LevelVar{}
	discordLogLevel.Set(DefaultDiscordLogLevel)

	discordgoLogLevel := &slog.LevelVar{}
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      databaseLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              logLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Gemini: &GeminiConfig{
			PrimaryModel:         DefaultGeminiPrimaryModel,
			FallbackModels:       defaultFallbackModels,
			RetryDelay:           DefaultModelRetryDelay,
			MaxRequestsPerSecond: DefaultGeminiMaxRequestsPerSecond,
			LogLevel:             geminiLogLevel,
			Generation: GenerationConfig{
				MaxOutputTokens: DefaultGenerationMaxOutputTokens,
				Temperature:     DefaultGenerationTemperature,
				TopP:            DefaultGenerationTopP,
				TopK:            DefaultGenerationTopK,
			},
		},
		Chat: &ChatConfig{
			MaxHistorySize:        DefaultMaxHistorySize,
			MaxNarratives:         DefaultMaxNarratives,
			ContextWindow:         DefaultContextWindow,
			FallbackContextWindow: DefaultFallbackContextWindow,
			SummaryWindow:         DefaultSummaryWindow,
			MinSummaryTurns:       DefaultMinSummaryTurns,
			AutoSummaryThreshold:  DefaultAutoSummaryThreshold,
			AutoSummaryCooldown:   DefaultAutoSummaryCooldown,
		},
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
	}
}

// Validate checks the configuration against its binding tags.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.SetTagName("binding")
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
