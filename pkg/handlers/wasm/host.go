package wasm

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

type loggerKey struct{}

func withLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// logLevels maps the level argument of env.log.
var logLevels = []zerolog.Level{zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel}

// registerHostFunctions adds the functions modules may import from "env".
func registerHostFunctions(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	return builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			lvl := zerolog.InfoLevel
			if int(level) < len(logLevels) {
				lvl = logLevels[level]
			}
			logger := loggerFrom(ctx)
			logger.WithLevel(lvl).Msg(string(msg))
		}).
		Export("log")
}
