package bootstrap

import (
	"grid_trader/internal/core"
	"grid_trader/pkg/logging"
)

// InitLogger builds the application logger from configuration and installs it
// as the package-level default
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}

	logging.SetGlobalLogger(logger)
	return logger, nil
}
