package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Local copies files and directory trees on the local filesystem.
type Local struct{}

// Download copies locator (a path or file:// URL) to dst.
func (l *Local) Download(ctx context.Context, locator, dst string) (int64, error) {
	src := LocalPath(locator)
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return CopyFile(src, dst)
	}
	return CopyTree(ctx, src, dst)
}

// LocalPath strips a file:// scheme.
func LocalPath(locator string) string {
	if !strings.HasPrefix(locator, "file://") {
		return locator
	}
	u, err := url.Parse(locator)
	if err != nil {
		return strings.TrimPrefix(locator, "file://")
	}
	return filepath.FromSlash(u.Path)
}

// CopyTree copies the directory src into dst, creating dst.
func CopyTree(ctx context.Context, src, dst string) (int64, error) {
	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		n, err := CopyFile(path, target)
		total += n
		return err
	})
	return total, err
}

// CopyFile copies one file, creating parent directories of dst.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", src, err)
	}
	return n, nil
}
