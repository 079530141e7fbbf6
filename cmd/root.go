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

	"github.com/ecweston/linkpersona/linkpersona"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = linkpersona.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "linkpersona [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", linkpersona.DefaultDatabase)
	viper.SetDefault("database_type", linkpersona.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		linkpersona.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		linkpersona.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("personas_dir", linkpersona.DefaultPersonasDir)
	viper.SetDefault("watch_personas", true)

	viper.SetDefault("log_level", linkpersona.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", linkpersona.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", linkpersona.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", linkpersona.DefaultShutdownTimeout)

	// Conversation config
	viper.SetDefault("conversation.max_history", linkpersona.DefaultMaxHistory)
	viper.SetDefault(
		"conversation.context_limit",
		linkpersona.DefaultContextLimit,
	)
	viper.SetDefault(
		"conversation.command_cooldown",
		linkpersona.DefaultCommandCooldown,
	)

	// Article fetcher config
	viper.SetDefault("fetcher.timeout", linkpersona.DefaultFetcherTimeout)
	viper.SetDefault(
		"fetcher.article_max_chars",
		linkpersona.DefaultArticleMaxChars,
	)
	viper.SetDefault(
		"fetcher.max_body_bytes",
		linkpersona.DefaultFetcherMaxBodyBytes,
	)
	viper.SetDefault("fetcher.user_agent", linkpersona.DefaultFetcherUserAgent)

	// LLM config
	viper.SetDefault("llm.provider", linkpersona.DefaultLLMProvider)
	viper.SetDefault("llm.token", "")
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.temperature", linkpersona.DefaultLLMTemperature)
	viper.SetDefault("llm.top_p", linkpersona.DefaultLLMTopP)
	viper.SetDefault("llm.max_tokens", linkpersona.DefaultLLMMaxTokens)
	viper.SetDefault(
		"llm.frequency_penalty",
		linkpersona.DefaultLLMFrequencyPenalty,
	)
	viper.SetDefault(
		"llm.presence_penalty",
		linkpersona.DefaultLLMPresencePenalty,
	)
	viper.SetDefault("llm.timeout", linkpersona.DefaultLLMTimeout)
	viper.SetDefault(
		"llm.requests_per_second",
		linkpersona.DefaultLLMRequestsPerSecond,
	)
	viper.SetDefault("llm.referer", linkpersona.DefaultLLMReferer)
	viper.SetDefault("llm.title", linkpersona.DefaultLLMTitle)
	viper.SetDefault("llm.log_level", linkpersona.DefaultLLMLogLevel.String())

	// Summary config
	viper.SetDefault("summary.min_chars", linkpersona.DefaultSummaryMinChars)
	viper.SetDefault("summary.max_chars", linkpersona.DefaultSummaryMaxChars)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		linkpersona.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		linkpersona.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		linkpersona.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		linkpersona.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.custom_status",
		linkpersona.DefaultDiscordCustomStatus,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", linkpersona.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.development", false)

	viper.SetDefault("api.read_timeout", linkpersona.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		linkpersona.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", linkpersona.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", linkpersona.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		linkpersona.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		linkpersona.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		linkpersona.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", linkpersona.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		linkpersona.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(linkpersona.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = linkpersona.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("llm.log_level"))
	if err != nil {
		log.Fatalf("error parsing llm log level: %v", err)
	}
	viper.Set("llm.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
