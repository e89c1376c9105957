// Package conf provides configuration management for forcedaq.
package conf

import "github.com/forcedaq/forcedaq/internal/logger"

// GetLogger returns the config package logger. It is looked up on every
// call so it follows a central logger installed after package init.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
