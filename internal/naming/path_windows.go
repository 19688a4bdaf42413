//go:build windows

package naming

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// ShortPath converts an existing path to its 8.3 short form so deep run
// directories stay under MAX_PATH.
func ShortPath(p string) (string, error) {
	ptr, err := windows.UTF16PtrFromString(p)
	if err != nil {
		return "", err
	}
	n, err := windows.GetShortPathName(ptr, nil, 0)
	if err != nil {
		return "", fmt.Errorf("short path for %s: %w", p, err)
	}
	buf := make([]uint16, n)
	n, err = windows.GetShortPathName(ptr, &buf[0], n)
	if err != nil {
		return "", fmt.Errorf("short path for %s: %w", p, err)
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func mkdirAll(p string) error {
	return os.MkdirAll(p, 0o755)
}
