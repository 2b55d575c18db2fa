package pipeline

import (
	"fmt"
	"strings"
)

// Stage is one parsed element of a pipeline specification string: a stage
// name plus its key=value parameters (spec.md §4.1 grammar).
type Stage struct {
	Name   string
	Params map[string]string
}

// Param returns the stage's value for key and whether it was present.
func (s Stage) Param(key string) (string, bool) {
	v, ok := s.Params[strings.ToLower(key)]
	return v, ok
}

// CanonicalStages is the default stage order used whenever a spec string is
// empty or fails to parse (spec.md §4.1).
func CanonicalStages() []Stage {
	names := []string{"build", "plane_validate", "temporal", "spatial", "fusion", "confidence"}
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Params: map[string]string{}}
	}
	return stages
}

// ParseSpec parses a pipeline specification string per spec.md §4.1's
// grammar:
//
//	spec  := STAGE ("," STAGE)*
//	STAGE := IDENT [ "(" PARAM ("," PARAM)* ")" ]
//	PARAM := KEY "=" VALUE
//
// Whitespace around tokens is ignored. Identifiers and keys are lowercased;
// values preserve case. Any grammar violation (unmatched paren, missing
// "=", empty key/value, empty spec) is a parse error; callers fall back to
// CanonicalStages on error, per spec.
func ParseSpec(spec string) ([]Stage, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("pipeline: empty spec")
	}

	var stages []Stage
	for _, tok := range splitTopLevel(spec, ',') {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("pipeline: empty stage token")
		}
		stage, err := parseStage(tok)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func parseStage(tok string) (Stage, error) {
	open := strings.IndexByte(tok, '(')
	if open < 0 {
		name := strings.ToLower(strings.TrimSpace(tok))
		if name == "" {
			return Stage{}, fmt.Errorf("pipeline: empty stage name")
		}
		return Stage{Name: name, Params: map[string]string{}}, nil
	}
	if !strings.HasSuffix(tok, ")") {
		return Stage{}, fmt.Errorf("pipeline: unmatched paren in %q", tok)
	}
	name := strings.ToLower(strings.TrimSpace(tok[:open]))
	if name == "" {
		return Stage{}, fmt.Errorf("pipeline: empty stage name in %q", tok)
	}
	body := tok[open+1 : len(tok)-1]
	params := map[string]string{}
	if strings.TrimSpace(body) != "" {
		for _, p := range splitTopLevel(body, ',') {
			p = strings.TrimSpace(p)
			if p == "" {
				return Stage{}, fmt.Errorf("pipeline: empty param in %q", tok)
			}
			eq := strings.IndexByte(p, '=')
			if eq < 0 {
				return Stage{}, fmt.Errorf("pipeline: missing '=' in param %q", p)
			}
			key := strings.ToLower(strings.TrimSpace(p[:eq]))
			val := strings.TrimSpace(p[eq+1:])
			if key == "" || val == "" {
				return Stage{}, fmt.Errorf("pipeline: empty key or value in param %q", p)
			}
			params[key] = val
		}
	}
	return Stage{Name: name, Params: params}, nil
}

// splitTopLevel splits s on sep, ignoring separators nested inside
// parentheses (so a stage's own comma-separated params don't get split at
// the spec level).
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		default:
			if s[i] == sep && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
