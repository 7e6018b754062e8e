// Package logging wraps a process-wide zap logger with the context keys
// every signaling-core log line carries: correlation id, room, breakout
// room, and participant, so a single grep reconstructs a runner's
// lifecycle across modules.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey  contextKey = "correlation_id"
	RoomIDKey         contextKey = "room_id"
	BreakoutRoomIDKey contextKey = "breakout_room_id"
	ParticipantIDKey  contextKey = "participant_id"
	UserIDKey         contextKey = "user_id"
	ModuleIDKey       contextKey = "module_id"
)

// Initialize sets up the global logger based on the environment.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// WithRoom returns a context carrying the room (and optional breakout)
// id for every subsequent log call.
func WithRoom(ctx context.Context, room string, breakout string) context.Context {
	ctx = context.WithValue(ctx, RoomIDKey, room)
	if breakout != "" {
		ctx = context.WithValue(ctx, BreakoutRoomIDKey, breakout)
	}
	return ctx
}

// WithParticipant returns a context carrying the participant id.
func WithParticipant(ctx context.Context, participant string) context.Context {
	return context.WithValue(ctx, ParticipantIDKey, participant)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}
	if brid, ok := ctx.Value(BreakoutRoomIDKey).(string); ok {
		fields = append(fields, zap.String("breakout_room_id", brid))
	}
	if pid, ok := ctx.Value(ParticipantIDKey).(string); ok {
		fields = append(fields, zap.String("participant_id", pid))
	}
	if uid, ok := ctx.Value(UserIDKey).(string); ok {
		fields = append(fields, zap.String("user_id", uid))
	}
	if mid, ok := ctx.Value(ModuleIDKey).(string); ok {
		fields = append(fields, zap.String("module_id", mid))
	}

	fields = append(fields, zap.String("service", "signaling-core"))

	return fields
}

// RedactEmail masks the local part of an email address.
func RedactEmail(email string) string {
	if len(email) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range email {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + email[atIndex:]
	}
	return "***"
}

// RedactDisplayName truncates a display name to its first rune plus a
// placeholder, for logs that must not carry full PII at info level.
func RedactDisplayName(name string) string {
	for _, r := range name {
		return string(r) + "***"
	}
	return ""
}
