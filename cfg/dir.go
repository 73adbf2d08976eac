// Package cfg resolves the on-disk locations p3tap uses for persistent
// state. The only persistent state the core owns is the sessions
// directory (spec.md §6); everything else is left to external
// collaborators.
package cfg

import (
	"os"
	"path/filepath"
	"runtime"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// AppName is used to namespace the per-OS application-support directory.
const AppName = "p3tap"

// SessionsDir returns the directory p3tap's session manager journals
// captures into, following the platform convention named in spec.md §6:
//
//   - macOS:   ~/Library/Application Support/<AppName>/sessions/
//   - Windows: %APPDATA%/<AppName>/sessions/
//   - other:   ~/.local/share/<appname>/sessions/
//
// It does not create the directory; callers needing it to exist should
// use their filesystem abstraction (e.g. afero.Fs.MkdirAll) so the
// behavior is testable against an in-memory filesystem.
func SessionsDir() (string, error) {
	base, err := appDataDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve application data directory")
	}
	return filepath.Join(base, "sessions"), nil
}

func appDataDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.Wrap(err, "failed to find home directory")
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName), nil
	case "windows":
		return windowsAppDataDir(home)
	default:
		return filepath.Join(home, ".local", "share", lowercase(AppName)), nil
	}
}

func windowsAppDataDir(home string) (string, error) {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, AppName), nil
	}
	return filepath.Join(home, "AppData", "Roaming", AppName), nil
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
