// Package pathutil expands user-supplied filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands shell-style components in p: environment
// variable tokens via os.ExpandEnv ($HOME, ${HOME}) and a leading "~/"
// or "~\" to the current user's home directory. The result is not made
// absolute; callers retain control over relative-path handling.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}
