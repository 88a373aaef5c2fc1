// Package locator computes where the detached repository lives on disk.
package locator

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/schaermu/vaultbak/internal/errs"
)

// AppName names the per-user cache directory.
const AppName = "vaultbak"

// Env captures the platform inputs Resolve depends on.
type Env struct {
	GOOS         string
	Home         string
	XDGCacheHome string
	LocalAppData string
}

// EnvFromOS reads Env from the running process. A missing home directory
// is left empty and reported by Resolve only when it is actually needed.
func EnvFromOS() Env {
	home, _ := os.UserHomeDir()
	return Env{
		GOOS:         runtime.GOOS,
		Home:         home,
		XDGCacheHome: os.Getenv("XDG_CACHE_HOME"),
		LocalAppData: os.Getenv("LOCALAPPDATA"),
	}
}

// Resolve returns the repository directory for identifier. A non-empty
// override is returned verbatim; the caller decides how to anchor a
// relative override. Otherwise the result is <cache root>/<identifier>.git.
func Resolve(env Env, identifier, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if identifier == "" {
		return "", errs.NewConfigError("vault.id", "", "is required to compute the default repository path")
	}

	root, err := CacheRoot(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, identifier+".git"), nil
}

// CacheRoot returns the per-platform cache directory for the application.
func CacheRoot(env Env) (string, error) {
	switch env.GOOS {
	case "darwin", "ios":
		if env.Home == "" {
			return "", errNoHome()
		}
		return filepath.Join(env.Home, "Library", "Caches", AppName), nil

	case "windows":
		base := env.LocalAppData
		if base == "" {
			if env.Home == "" {
				return "", errs.NewConfigError("LOCALAPPDATA", "", "neither LOCALAPPDATA nor the user profile directory is set")
			}
			base = filepath.Join(env.Home, "AppData", "Local")
		}
		return filepath.Join(base, AppName, "Cache"), nil

	default:
		// XDG requires an absolute path; relative values are ignored.
		if env.XDGCacheHome != "" && filepath.IsAbs(env.XDGCacheHome) {
			return filepath.Join(env.XDGCacheHome, AppName), nil
		}
		if env.Home == "" {
			return "", errNoHome()
		}
		return filepath.Join(env.Home, ".cache", AppName), nil
	}
}

func errNoHome() error {
	return errs.NewConfigError("HOME", "", "home directory cannot be determined")
}
