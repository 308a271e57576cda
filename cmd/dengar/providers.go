package main

import (
	"log/slog"

	"github.com/harunnryd/dengar/pkg/configutil"
	"github.com/harunnryd/dengar/pkg/dengar"
	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/providers/command"
	"github.com/harunnryd/dengar/pkg/providers/deepgram"
	"github.com/harunnryd/dengar/pkg/providers/mock"
	"github.com/harunnryd/dengar/pkg/providers/whisperhttp"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

var mockSchema = configutil.Schema{Optional: []string{"texts", "language", "delay", "fail_on"}}

func registerProviders(reg *dengar.ProviderRegistry) {
	reg.RegisterEngine("deepgram", func(settings map[string]any, log *slog.Logger) (transcribe.Engine, error) {
		var cfg deepgram.Config
		if err := configutil.Build("engine.settings", settings, deepgram.Schema, &cfg); err != nil {
			return nil, err
		}
		return deepgram.New(cfg, log)
	})
	reg.RegisterEngine("whisper_http", func(settings map[string]any, log *slog.Logger) (transcribe.Engine, error) {
		var cfg whisperhttp.Config
		if err := configutil.Build("engine.settings", settings, whisperhttp.Schema, &cfg); err != nil {
			return nil, err
		}
		return whisperhttp.New(cfg, log)
	})
	reg.RegisterEngine("command", func(settings map[string]any, log *slog.Logger) (transcribe.Engine, error) {
		var cfg command.Config
		if err := configutil.Build("engine.settings", settings, command.Schema, &cfg); err != nil {
			return nil, err
		}
		return command.New(cfg, log), nil
	})
	reg.RegisterEngine("mock", func(settings map[string]any, _ *slog.Logger) (transcribe.Engine, error) {
		var cfg mock.EngineConfig
		if err := configutil.Build("engine.settings", settings, mockSchema, &cfg); err != nil {
			return nil, err
		}
		return mock.NewEngine(cfg), nil
	})

	reg.RegisterFanout("redis", func(settings map[string]any, log *slog.Logger) (fanout.Publisher, error) {
		var cfg fanout.RedisConfig
		if err := configutil.Build("fanout.settings", settings, fanout.RedisSchema, &cfg); err != nil {
			return nil, err
		}
		return fanout.NewRedisPublisher(cfg, log)
	})
}
