package orchestrator

import (
	"reflect"
	"strings"
	"testing"

	"github.com/me/pipekit/pkg/model"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{line: "python train.py --lr 0.1", want: []string{"python", "train.py", "--lr", "0.1"}},
		{line: `echo 'a b' "c d"`, want: []string{"echo", "a b", "c d"}},
		{line: `echo "say \"hi\""`, want: []string{"echo", `say "hi"`}},
		{line: `echo a\ b`, want: []string{"echo", "a b"}},
		{line: `echo ''`, want: []string{"echo", ""}},
		{line: "  spaced\tout  ", want: []string{"spaced", "out"}},
		{line: `echo 'open`, wantErr: true},
		{line: `echo trailing\`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := tokenize(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("tokenize(%q) succeeded, want error", tt.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("tokenize(%q): %v", tt.line, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("tokenize(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestArgvExpandsPlaceholders(t *testing.T) {
	vars := commandVars{
		inputs:  map[string]string{"data": "/run/inputs/data"},
		outputs: map[string]string{"model": "/run/outputs/model"},
		params:  map[string]string{"lr": "0.01"},
	}

	got, err := argv(model.Command{Line: `train --data {inputs.data} --out "{outputs.model}" --lr={parameters.lr} {inputs.extra}`}, vars)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"train", "--data", "/run/inputs/data", "--out", "/run/outputs/model", "--lr=0.01", ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %q, want %q", got, want)
	}

	if _, err := argv(model.Command{Args: []string{"x", "{outputs.nope}"}}, vars); err == nil || !strings.Contains(err.Error(), `unknown output "nope"`) {
		t.Errorf("unknown output err = %v", err)
	}
	if _, err := argv(model.Command{Args: []string{"{parameters.nope}"}}, vars); err == nil {
		t.Error("unknown parameter accepted")
	}
	if _, err := argv(model.Command{}, vars); err == nil {
		t.Error("empty command accepted")
	}
}

func TestCondaWrap(t *testing.T) {
	posix := condaWrap([]string{"python", "my script.py", "it's"}, "ml env", "linux")
	if posix[0] != "bash" || posix[1] != "-c" {
		t.Fatalf("posix wrap = %q", posix)
	}
	wantTail := `conda activate 'ml env'; python 'my script.py' 'it'"'"'s'`
	if !strings.HasSuffix(posix[2], wantTail) {
		t.Errorf("posix script = %q, want suffix %q", posix[2], wantTail)
	}

	win := condaWrap([]string{"python", "my script.py"}, "ml", "windows")
	want := []string{"cmd", "/c", `conda activate ml && python "my script.py"`}
	if !reflect.DeepEqual(win, want) {
		t.Errorf("windows wrap = %q, want %q", win, want)
	}
}

func TestPosixQuote(t *testing.T) {
	for in, want := range map[string]string{
		"plain/path.txt": "plain/path.txt",
		"":               "''",
		"a b":            "'a b'",
		"$HOME":          "'$HOME'",
	} {
		if got := posixQuote(in); got != want {
			t.Errorf("posixQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName("run/1", "node:a b"); got != "pipekit-run-1-node-a-b" {
		t.Errorf("containerName = %q", got)
	}
}
