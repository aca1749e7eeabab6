package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New initializes a *slog.Logger backed by a zap core.
// Level can be debug, info, warn or error; format is json or console.
func New(level, format string) *slog.Logger {
	return slog.New(NewHandler(level, format, zapcore.Lock(os.Stdout)))
}

// NewHandler builds the slog handler over a zap core writing to ws.
func NewHandler(level, format string, ws zapcore.WriteSyncer) slog.Handler {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "time"

	var enc zapcore.Encoder
	if strings.EqualFold(format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(parseLevel(level)))
	return zapslog.NewHandler(core, zapslog.WithCaller(false))
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
