package utils

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger replaces the global zap logger. format "json" selects the JSON
// encoder, anything else the coloured console encoder.
func InitLogger(level, format string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
	zap.ReplaceGlobals(zap.New(core))
	return nil
}

// L returns the process logger.
func L() *zap.Logger {
	return zap.L()
}

func Info(format string, a ...interface{}) {
	zap.L().Info(fmt.Sprintf(format, a...))
}

func Success(format string, a ...interface{}) {
	zap.L().Info(fmt.Sprintf(format, a...), zap.Bool("ok", true))
}

func Warn(format string, a ...interface{}) {
	zap.L().Warn(fmt.Sprintf(format, a...))
}

func Error(format string, a ...interface{}) {
	zap.L().Error(fmt.Sprintf(format, a...))
}

func Section(title string) {
	zap.L().Info(fmt.Sprintf("══════════ %s ══════════", title))
}
