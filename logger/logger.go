package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger on stdout tagged with the app and environment.
func New(app, env string) *slog.Logger {
	return NewWithWriter(os.Stdout, app, env, levelFor(env))
}

func NewWithWriter(w io.Writer, app, env string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(h).With(
		slog.String("app", app),
		slog.String("env", env),
	)
}

func levelFor(env string) slog.Level {
	switch strings.ToLower(env) {
	case "dev", "local", "test":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
