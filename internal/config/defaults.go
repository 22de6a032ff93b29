package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/scribed/
//   - Linux:   ~/.local/share/scribed/
//   - Windows: %APPDATA%\scribed\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "scribed")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "scribed")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "scribed")
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "scribed")
		}
		return filepath.Join(homeDir(), ".local", "share", "scribed")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
// SCRIBED_CONFIG_DIR overrides it.
func PlatformConfigDir() string {
	if dir := os.Getenv("SCRIBED_CONFIG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "scribed")
		}
		return filepath.Join(homeDir(), ".config", "scribed")
	}
}

// PlatformRuntimeDir returns the directory holding the daemon socket.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "scribed")
		}
	}
	return filepath.Join(os.TempDir(), "scribed-"+strconv.Itoa(os.Getuid()))
}

func defaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "scribed.sock")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory and the config directory
// for a config file. Returns "" if none is found.
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
