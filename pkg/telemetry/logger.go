package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger shared by the runner and the CLI. Every
// line passes through the secret masker before it reaches the sink.
type Logger struct {
	zlog zerolog.Logger
}

type loggerKey struct{}

// NewLogger opens the configured sink. masker may be nil.
func NewLogger(cfg LoggingConfig, masker *Masker) (*Logger, error) {
	sink, err := openSink(cfg.Output)
	if err != nil {
		return nil, err
	}
	if masker != nil {
		sink = masker.Writer(sink)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format == "console" {
		sink = zerolog.ConsoleWriter{
			Out:        sink,
			TimeFormat: time.TimeOnly,
			NoColor:    cfg.Output != "stdout" && cfg.Output != "stderr",
		}
	}

	zctx := zerolog.New(sink).Level(level(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger()}, nil
}

func openSink(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func level(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// Component tags lines with the subsystem that wrote them.
func (l *Logger) Component(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", name) })
}

// WithRunID tags lines with a run.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithStepID tags lines with a step key in job/step form.
func (l *Logger) WithStepID(stepID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("step_id", stepID) })
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// Zerolog exposes the underlying logger to packages that take a zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or an unmasked stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}
