// Package message defines the diagnostic messages indexers hand back to the
// caller at the end of a sync.
package message

import (
	"context"
	"fmt"
	"log/slog"
)

// Type is the message kind.
type Type string

// TypeLog is the only kind indexers emit.
const TypeLog Type = "LOG"

// Level is the severity of a log message.
type Level string

const (
	LevelFatal Level = "FATAL"
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
	LevelTrace Level = "TRACE"
)

// Log is the payload of a log message.
type Log struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Message is a single diagnostic message. Its wire format is owned by the
// caller; the JSON tags match the line-delimited form the CLI prints.
type Message struct {
	Type Type `json:"type"`
	Log  *Log `json:"log,omitempty"`
}

// New creates a log message.
func New(level Level, text string) Message {
	return Message{Type: TypeLog, Log: &Log{Level: level, Message: text}}
}

// Info creates an INFO log message.
func Info(format string, args ...any) Message {
	return New(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn creates a WARN log message.
func Warn(format string, args ...any) Message {
	return New(LevelWarn, fmt.Sprintf(format, args...))
}

// Error creates an ERROR log message.
func Error(format string, args ...any) Message {
	return New(LevelError, fmt.Sprintf(format, args...))
}

// String returns "LEVEL: text".
func (m Message) String() string {
	if m.Log == nil {
		return string(m.Type)
	}
	return fmt.Sprintf("%s: %s", m.Log.Level, m.Log.Message)
}

// SlogLevel maps the message level onto slog.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelFatal, LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug, LevelTrace:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Emit writes messages to a structured logger.
func Emit(ctx context.Context, logger *slog.Logger, msgs []Message) {
	for _, m := range msgs {
		if m.Log == nil {
			continue
		}
		logger.Log(ctx, m.Log.Level.SlogLevel(), m.Log.Message, slog.String("source", "post_sync"))
	}
}
