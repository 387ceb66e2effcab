// Package util holds process-level helpers shared by the command.
package util

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// UserHome returns the current user's home directory, falling back to $HOME
// and then the working directory so that containers without a passwd entry
// still start.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("user_home_from_env")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("user_home_from_working_dir")
		return wd
	}
	return "."
}

// DataDir is the default directory for keys, the user store and config.
func DataDir() string {
	return filepath.Join(UserHome(), ".go-shield")
}
