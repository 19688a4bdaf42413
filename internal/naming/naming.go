// Package naming provides identifier sanitization, content fingerprints and
// host path normalization shared by the builder, materializer and orchestrator.
package naming

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Namespace is the fixed UUID5 namespace for dataset and input fingerprints.
// Changing it changes every materialized dataset node id.
var Namespace = uuid.MustParse("6f1e8b43-94a4-5f3c-9a0d-2b7c51f0e8d1")

// maxFileNameLen bounds a sanitized file name component.
const maxFileNameLen = 100

// Fingerprint returns the UUID5 of kind and locator under Namespace.
func Fingerprint(kind, locator string) string {
	return uuid.NewSHA1(Namespace, []byte(kind+"\x00"+locator)).String()
}

// StableID derives a deterministic id from parts, used to map in-memory
// instance ids to graph node ids.
func StableID(parts ...string) string {
	return uuid.NewSHA1(Namespace, []byte(strings.Join(parts, "/"))).String()[:8]
}

// VariableName turns s into a lower-case identifier: runs of characters that
// are not letters, digits or '_' become a single '_', and a leading digit is
// prefixed with '_'.
func VariableName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(strings.ToLower(s)) {
		if r == '_' || unicode.IsLetter(r) && r < unicode.MaxASCII || unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
			lastUnderscore = r == '_'
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// FileName makes s safe as a single path component on every OS.
func FileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 0x20, r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(strings.TrimSpace(b.String()), ". ")
	if out == "" {
		out = "_"
	}
	if isReservedWindowsName(out) {
		out = "_" + out
	}
	if len(out) > maxFileNameLen {
		out = truncateUTF8(out, maxFileNameLen)
	}
	return out
}

// NodeDirName is the per-node working directory name: the sanitized
// display name joined with the node id. Only the display name is
// shortened, so the id always survives.
func NodeDirName(displayName, id string) string {
	id = FileName(id)
	budget := maxFileNameLen - len(id) - 1
	if budget <= 0 {
		return truncateUTF8(id, maxFileNameLen)
	}
	return truncateUTF8(FileName(displayName), budget) + "_" + id
}

func isReservedWindowsName(s string) bool {
	base := strings.ToUpper(strings.TrimSuffix(s, filepath.Ext(s)))
	switch base {
	case "CON", "PRN", "AUX", "NUL":
		return true
	}
	if len(base) == 4 && (strings.HasPrefix(base, "COM") || strings.HasPrefix(base, "LPT")) {
		return base[3] >= '1' && base[3] <= '9'
	}
	return false
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// EnsureDir creates dir and any missing parents and returns the form of the
// path the orchestrator should use: the short path on Windows, dir itself
// elsewhere.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := mkdirAll(abs); err != nil {
		return "", err
	}
	return ShortPath(abs)
}
