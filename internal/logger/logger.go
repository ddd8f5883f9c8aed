// Package logger implements gateway-wide structured logging: a package-level
// slog.Logger configurable for text or JSON output, optional file rotation
// via lumberjack, and the severity ordering the gateway's error taxonomy
// relies on (NameTooLong/NotEmpty log at Debug; everything else the
// Dispatcher surfaces to a caller logs at Error; compensating operations log
// at Warn and are never surfaced).
//
// Reconstructed from the teacher's own logger package test expectations
// (text/json formats, TRACE..OFF severities, lumberjack-backed file
// rotation) since no source file for that package was retrieved alongside
// its tests.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/googlecloudplatform/gcsfuse-gateway/cfg"
)

// Custom severities, ordered the same way cfg.LogSeverity ranks them.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

var severityNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type loggerFactory struct {
	file      *os.File
	sysWriter io.Writer
	format    string
	level     *slog.LevelVar
}

var defaultLoggerFactory = &loggerFactory{
	sysWriter: os.Stderr,
	format:    "text",
	level:     func() *slog.LevelVar { v := new(slog.LevelVar); v.Set(LevelInfo); return v }(),
}

var defaultLogger = slog.New(defaultLoggerFactory.handler())

// Init (re)builds the default logger from a resolved Logging config,
// opening a rotated file writer via lumberjack when a file path is set.
func Init(cfg cfg.LoggingConfig) error {
	defaultLoggerFactory.format = cfg.Format
	setLoggingLevel(cfg.Severity, defaultLoggerFactory.level)

	if cfg.FilePath != "" {
		defaultLoggerFactory.sysWriter = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.LogRotate.MaxFileSizeMB,
			MaxBackups: cfg.LogRotate.BackupFileCount,
			Compress:   cfg.LogRotate.Compress,
		}
	}

	defaultLogger = slog.New(defaultLoggerFactory.handler())
	return nil
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	switch cfg.LogSeverity(severity) {
	case cfg.SeverityTrace:
		level.Set(LevelTrace)
	case cfg.SeverityDebug:
		level.Set(LevelDebug)
	case cfg.SeverityInfo:
		level.Set(LevelInfo)
	case cfg.SeverityWarning:
		level.Set(LevelWarn)
	case cfg.SeverityError:
		level.Set(LevelError)
	case cfg.SeverityOff:
		level.Set(LevelOff)
	default:
		level.Set(LevelInfo)
	}
}

func (f *loggerFactory) handler() slog.Handler {
	return newSeverityHandler(f.sysWriter, f.level, f.format)
}

// severityHandler formats records either as the teacher's
// `time="..." severity=X message="..."` text line or as a JSON object with
// a {seconds,nanos} timestamp, translating slog's built-in levels to the
// gateway's named severities.
type severityHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	format string
	attrs  []slog.Attr
}

func newSeverityHandler(w io.Writer, level *slog.LevelVar, format string) *severityHandler {
	return &severityHandler{w: w, level: level, format: format}
}

func (h *severityHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *severityHandler) Handle(_ context.Context, r slog.Record) error {
	sev, ok := severityNames[r.Level]
	if !ok {
		sev = r.Level.String()
	}

	var line string
	switch h.format {
	case "json":
		obj := map[string]any{
			"timestamp": map[string]int64{
				"seconds": r.Time.Unix(),
				"nanos":   int64(r.Time.Nanosecond()),
			},
			"severity": sev,
			"message":  h.renderMessage(r),
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		line = string(b) + "\n"
	default:
		line = fmt.Sprintf("time=%q severity=%s message=%q\n", r.Time.Format("2006/01/02 15:04:05.000000"), sev, h.renderMessage(r))
	}

	_, err := io.WriteString(h.w, line)
	return err
}

func (h *severityHandler) renderMessage(r slog.Record) string {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	for _, a := range h.attrs {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}
	return msg
}

func (h *severityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *severityHandler) WithGroup(_ string) slog.Handler {
	return h
}

// SetFormat switches the default logger's output format ("text" or "json"),
// rebuilding the handler.
func SetFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.handler())
}

func log(level slog.Level, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprint(args...))
}

func logf(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// WithFields returns a structured slog.Logger sharing the default logger's
// handler, for call sites (the dispatcher, the event loop) that want typed
// key/value fields rather than a formatted message. Per the error handling
// design, callers should log gwerrors.NameTooLong/NotEmpty at Debug and
// everything else surfaced to the kernel at Error.
func WithFields(args ...any) *slog.Logger {
	return defaultLogger.With(args...)
}

// Default returns the process-wide logger, for packages constructed at
// startup (the event loop, the dispatcher) before any per-request context is
// available.
func Default() *slog.Logger { return defaultLogger }
