package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/me/pipekit/pkg/model"
)

var placeholderRE = regexp.MustCompile(`\{(inputs|outputs|parameters)\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// commandVars holds the values substituted into a command.
type commandVars struct {
	inputs  map[string]string
	outputs map[string]string
	params  map[string]string
}

// expand replaces {inputs.x}, {outputs.x} and {parameters.x}. An unbound
// optional input expands to the empty string.
func (v commandVars) expand(s string) (string, error) {
	var firstErr error
	out := placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRE.FindStringSubmatch(m)
		kind, name := sub[1], sub[2]
		switch kind {
		case "inputs":
			return v.inputs[name]
		case "outputs":
			if p, ok := v.outputs[name]; ok {
				return p
			}
		case "parameters":
			if p, ok := v.params[name]; ok {
				return p
			}
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("command references unknown %s %q", strings.TrimSuffix(kind, "s"), name)
		}
		return m
	})
	return out, firstErr
}

// argv expands a command into argument form. String-form commands are split
// with POSIX shell quoting rules before expansion so substituted paths stay
// single arguments.
func argv(cmd model.Command, vars commandVars) ([]string, error) {
	tokens := cmd.Args
	if len(tokens) == 0 {
		var err error
		tokens, err = tokenize(cmd.Line)
		if err != nil {
			return nil, err
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	out := make([]string, len(tokens))
	for i, t := range tokens {
		s, err := vars.expand(t)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// condaWrap prefixes an activation sequence for env.
func condaWrap(args []string, env, goos string) []string {
	if goos == "windows" {
		quoted := make([]string, len(args))
		for i, a := range args {
			quoted[i] = windowsQuote(a)
		}
		return []string{"cmd", "/c", "conda activate " + windowsQuote(env) + " && " + strings.Join(quoted, " ")}
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = posixQuote(a)
	}
	script := `. "$(conda info --base)/etc/profile.d/conda.sh"; conda activate ` + posixQuote(env) + "; " + strings.Join(quoted, " ")
	return []string{"bash", "-c", script}
}

// tokenize splits a command line like a POSIX shell without expansion.
func tokenize(line string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		inTok  bool
		quote  rune
		escape bool
	)
	for _, r := range line {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escape = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escape, inTok = true, true
		case r == '\'' || r == '"':
			quote, inTok = r, true
		case r == ' ' || r == '\t' || r == '\n':
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in command %q", quote, line)
	}
	if escape {
		return nil, fmt.Errorf("trailing backslash in command %q", line)
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

var posixSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func posixQuote(s string) string {
	if posixSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func windowsQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"&|<>^") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
