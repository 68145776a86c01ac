package cli

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	Debug bool
	JSON  bool
}

func (c *LogConfig) SetFlags(f Flags) {
	if f == nil {
		f = &StdFlags{}
	}
	f.BoolVar(&c.Debug, "debug", false, "Log debug messages, including 9p traces")
	f.BoolVar(&c.JSON, "json", false, "Log as JSON lines instead of console text")
}

// NewLogger builds a logger writing to stderr.
func (c *LogConfig) NewLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if c.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Development = false
		cfg.DisableStacktrace = true
	}
	if c.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
