package loader

import (
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// FileURLToPath converts a file:// URL into a local path. Anything that is
// not a file URL is returned unchanged.
func FileURLToPath(ref string) (string, error) {
	if !strings.HasPrefix(ref, "file:") {
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing file url %q: %w", ref, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file url %q: remote host %q not supported", ref, u.Host)
	}

	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return "", fmt.Errorf("file url %q: empty path", ref)
	}

	if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}
