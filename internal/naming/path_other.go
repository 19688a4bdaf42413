//go:build !windows

package naming

import "os"

// ShortPath returns p unchanged; only Windows needs 8.3 path normalization.
func ShortPath(p string) (string, error) {
	return p, nil
}

func mkdirAll(p string) error {
	return os.MkdirAll(p, 0o755)
}
