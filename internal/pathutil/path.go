// Package pathutil expands user-supplied filesystem paths before they are
// opened.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv resolves environment variable references and a leading
// tilde in p. Components that cannot be resolved are left in place so the
// caller's open or stat reports the original path.
func ExpandUserAndEnv(p string) string {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if len(p) == 1 {
		return home
	}
	if p[1] == '/' || p[1] == '\\' {
		return filepath.Join(home, p[2:])
	}
	return p
}
