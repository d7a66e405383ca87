package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger. An empty verbosity means info. Encoding is
// "json" or "console"; empty means json.
func New(verbosity, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbosity == "" {
		verbosity = "info"
	}
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if encoding == "console" {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	} else if encoding != "" && encoding != "json" {
		config.Encoding = encoding
	}
	config.DisableStacktrace = !level.Enabled(zap.DebugLevel)
	return config.Build()
}
