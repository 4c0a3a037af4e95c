// Package logger provides the daemon's single shared structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Init sets up the global logger. level falls back to "warn" (the
// configuration default) for anything unrecognised. logFile, if non-empty,
// is appended to in addition to stdout.
func Init(level string, logFile string) error {
	logLevel, ok := levels[level]
	if !ok {
		logLevel = slog.LevelWarn
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

func init() {
	// Safe default so packages can log before Init runs (e.g. in tests).
	Log = slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }
