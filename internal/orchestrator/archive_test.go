package orchestrator

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestTarRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta"), 0o644)

	var buf bytes.Buffer
	if err := writeTar(&buf, src, "/pipekit/run/outputs"); err != nil {
		t.Fatal(err)
	}

	// The archive must start with the parent directories.
	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	if len(names) < 3 || names[0] != "pipekit/" || names[1] != "pipekit/run/" || names[2] != "pipekit/run/outputs/" {
		t.Fatalf("entries = %q", names)
	}

	dst := t.TempDir()
	if err := extractTar(bytes.NewReader(buf.Bytes()), dst, 3); err != nil {
		t.Fatal(err)
	}
	for rel, want := range map[string]string{"a.txt": "alpha", "sub/b.txt": "beta"} {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil || string(got) != want {
			t.Errorf("%s = %q, %v", rel, got, err)
		}
	}
}

func TestExtractTarRejectsEscapes(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "out/../../../evil.txt", Mode: 0o644, Size: 1})
	tw.Write([]byte("x"))
	tw.Close()

	dst := filepath.Join(t.TempDir(), "dst")
	if err := extractTar(&buf, dst, 1); err == nil {
		t.Fatal("escaping entry was extracted")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dst), "evil.txt")); err == nil {
		t.Error("file written outside destination")
	}
}

func TestExtractTarRejectsSymlinkEscapes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := t.TempDir()

	tests := []struct {
		name string
		link string
	}{
		{"absolute target", outside},
		{"relative target", "../../" + filepath.Base(outside)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "data/", Mode: 0o755})
			tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "data/link", Linkname: tt.link})
			tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "data/link/pwn.txt", Mode: 0o644, Size: 1})
			tw.Write([]byte("x"))
			tw.Close()

			dst := filepath.Join(t.TempDir(), "dst")
			if err := extractTar(&buf, dst, 1); err == nil {
				t.Fatal("symlink escaping the destination was extracted")
			}
			if _, err := os.Stat(filepath.Join(outside, "pwn.txt")); err == nil {
				t.Error("file written outside destination")
			}
		})
	}
}

func TestExtractTarRefusesExistingSymlinkParent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	outside := t.TempDir()
	dst := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dst, "link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "data/link/pwn.txt", Mode: 0o644, Size: 1})
	tw.Write([]byte("x"))
	tw.Close()

	if err := extractTar(&buf, dst, 1); err == nil {
		t.Fatal("wrote through an existing symlink")
	}
	if _, err := os.Stat(filepath.Join(outside, "pwn.txt")); err == nil {
		t.Error("file written outside destination")
	}
}

func TestExtractTarKeepsInternalSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "data/model.bin", Mode: 0o644, Size: 2})
	tw.Write([]byte("ok"))
	tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "data/latest", Linkname: "model.bin"})
	tw.Close()

	dst := t.TempDir()
	if err := extractTar(&buf, dst, 1); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "latest"))
	if err != nil || string(got) != "ok" {
		t.Errorf("latest = %q, %v", got, err)
	}
}

func TestExtractTarSingleFile(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "out.txt", Mode: 0o644, Size: 5})
	tw.Write([]byte("score"))
	tw.Close()

	dst := filepath.Join(t.TempDir(), "results", "out.txt")
	if err := extractTar(&buf, dst, 1); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "score" {
		t.Errorf("out.txt = %q, %v", got, err)
	}
}

func TestArchiveName(t *testing.T) {
	for in, want := range map[string]string{
		"/data":                  "data",
		"C:/pipekit/run/outputs": "pipekit/run/outputs",
		`C:\models`:              "models",
	} {
		if got := archiveName(in); got != want {
			t.Errorf("archiveName(%q) = %q, want %q", in, got, want)
		}
	}
}
