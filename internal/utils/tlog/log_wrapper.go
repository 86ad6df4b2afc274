package tlog

import (
	"os"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Logger struct {
	Audit zerolog.Logger
	HTTP  zerolog.Logger
	App   zerolog.Logger
}

var (
	Audit zerolog.Logger = zerolog.Nop()
	HTTP  zerolog.Logger = zerolog.Nop()
	App   zerolog.Logger = zerolog.Nop()
)

func NewLogger(cfg config.LogConfig) *Logger {
	baseLogger := log.With().
		Timestamp().
		Caller().
		Logger().
		Level(parseLogLevel(cfg.Level))

	if !cfg.Json {
		baseLogger = baseLogger.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	return &Logger{
		Audit: createLogger("audit", cfg.Streams.Audit, baseLogger),
		HTTP:  createLogger("http", cfg.Streams.HTTP, baseLogger),
		App:   createLogger("app", cfg.Streams.App, baseLogger),
	}
}

func NewSimpleLogger() *Logger {
	return NewLogger(config.LogConfig{
		Level: "info",
		Json:  false,
		Streams: config.LogStreams{
			HTTP:  config.LogStreamConfig{Enabled: true},
			App:   config.LogStreamConfig{Enabled: true},
			Audit: config.LogStreamConfig{Enabled: false},
		},
	})
}

// Init publishes the streams as the package level loggers.
func (l *Logger) Init() {
	zerolog.TimeFieldFormat = time.RFC3339
	Audit = l.Audit
	HTTP = l.HTTP
	App = l.App
}

func createLogger(component string, streamCfg config.LogStreamConfig, baseLogger zerolog.Logger) zerolog.Logger {
	if !streamCfg.Enabled {
		return zerolog.Nop()
	}
	subLogger := baseLogger.With().Str("log_stream", component).Logger()
	// override level if specified, otherwise use base level
	if streamCfg.Level != "" {
		subLogger = subLogger.Level(parseLogLevel(streamCfg.Level))
	}
	return subLogger
}

func parseLogLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Err(err).Str("level", level).Msg("Invalid log level, defaulting to info")
		parsedLevel = zerolog.InfoLevel
	}
	return parsedLevel
}
