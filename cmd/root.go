package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/reveriebot/reverie/reverie"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = reverie.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "reverie [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func levelStringToLevelVar(level string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(strings.ToUpper(level))
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
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
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", reverie.DefaultDatabase)
	viper.SetDefault("database_type", reverie.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		reverie.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		reverie.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", reverie.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", reverie.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", reverie.DefaultShutdownTimeout)

	// Gemini config
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.primary_model", reverie.DefaultGeminiPrimaryModel)
	viper.SetDefault("gemini.fallback_models", cfg.Gemini.FallbackModels)
	viper.SetDefault("gemini.retry_delay", reverie.DefaultModelRetryDelay)
	viper.SetDefault(
		"gemini.max_requests_per_second",
		reverie.DefaultGeminiMaxRequestsPerSecond,
	)
	viper.SetDefault("gemini.log_level", reverie.DefaultGeminiLogLevel.String())
	viper.SetDefault(
		"gemini.generation.max_output_tokens",
		reverie.DefaultGenerationMaxOutputTokens,
	)
	viper.SetDefault(
		"gemini.generation.temperature",
		reverie.DefaultGenerationTemperature,
	)
	viper.SetDefault("gemini.generation.top_p", reverie.DefaultGenerationTopP)
	viper.SetDefault("gemini.generation.top_k", reverie.DefaultGenerationTopK)

	// Chat config
	viper.SetDefault("chat.character_dir", "")
	viper.SetDefault("chat.default_character", "")
	viper.SetDefault("chat.max_history_size", reverie.DefaultMaxHistorySize)
	viper.SetDefault("chat.max_narratives", reverie.DefaultMaxNarratives)
	viper.SetDefault("chat.context_window", reverie.DefaultContextWindow)
	viper.SetDefault(
		"chat.fallback_context_window",
		reverie.DefaultFallbackContextWindow,
	)
	viper.SetDefault("chat.summary_window", reverie.DefaultSummaryWindow)
	viper.SetDefault("chat.min_summary_turns", reverie.DefaultMinSummaryTurns)
	viper.SetDefault(
		"chat.auto_summary_threshold",
		reverie.DefaultAutoSummaryThreshold,
	)
	viper.SetDefault(
		"chat.auto_summary_cooldown",
		reverie.DefaultAutoSummaryCooldown,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		reverie.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		reverie.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		reverie.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", reverie.DefaultDiscordCustomStatus)

	envPrefix := os.Getenv(reverie.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = reverie.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"gemini.fallback_models",
		viper.GetStringSlice("gemini.fallback_models"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"gemini.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"load environment variables from this file",
	)
}
