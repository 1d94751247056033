package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/knockd/
//   - Linux:   $XDG_DATA_HOME/knockd or ~/.local/share/knockd/
//   - Windows: %APPDATA%\knockd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "knockd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "knockd")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "knockd")
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "knockd")
		}
		return filepath.Join(homeDir(), ".local", "share", "knockd")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
// macOS and Windows share the data directory.
func PlatformConfigDir() string {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return PlatformDataDir()
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "knockd")
	}
	return filepath.Join(homeDir(), ".config", "knockd")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// SupportedConfigFormats lists the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory, then the config directory,
// for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
