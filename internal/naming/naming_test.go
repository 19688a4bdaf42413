package naming

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVariableName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Train Model", "train_model"},
		{"  score--v2 ", "score_v2"},
		{"2nd step", "_2nd_step"},
		{"already_ok", "already_ok"},
		{"!!!", "_"},
	}
	for _, tt := range tests {
		if got := VariableName(tt.in); got != tt.want {
			t.Errorf("VariableName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a/b:c", "a_b_c"},
		{"trailing. ", "trailing"},
		{"CON", "_CON"},
		{"com1.txt", "_com1.txt"},
		{"tab\there", "tab_here"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := FileName(tt.in); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("é", 80)
	got := FileName(long)
	if len(got) > maxFileNameLen {
		t.Errorf("len = %d, want <= %d", len(got), maxFileNameLen)
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncation split a rune")
	}
}

func TestNodeDirName(t *testing.T) {
	if got := NodeDirName("train/model", "ab12"); got != "train_model_ab12" {
		t.Errorf("got %q", got)
	}
}

func TestNodeDirNameKeepsIDForLongNames(t *testing.T) {
	long := strings.Repeat("preprocess_step_", 8)
	a := NodeDirName(long, "a1b2c3d4")
	b := NodeDirName(long, "e5f6a7b8")
	if a == b {
		t.Fatalf("distinct nodes share directory %q", a)
	}
	for _, got := range []string{a, b} {
		if len(got) > maxFileNameLen {
			t.Errorf("len(%q) = %d, want <= %d", got, len(got), maxFileNameLen)
		}
	}
	if !strings.HasSuffix(a, "_a1b2c3d4") {
		t.Errorf("id missing from %q", a)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("uri_file", "https://x/y.csv")
	b := Fingerprint("uri_file", "https://x/y.csv")
	c := Fingerprint("uri_folder", "https://x/y.csv")
	if a != b {
		t.Errorf("fingerprint not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Error("kind does not affect fingerprint")
	}
	if len(a) != 36 {
		t.Errorf("not a uuid: %s", a)
	}
}

func TestEnsureDirCreatesParents(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b", "c")
	got, err := EnsureDir(dir)
	if err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(got)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
}
