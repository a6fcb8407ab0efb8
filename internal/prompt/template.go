// Package prompt renders the text templates sent to the language model.
//
// Templates use single-brace placeholders ({question}); a literal brace is
// written doubled ({{ or }}). Rendering is a pure function of the template
// and the supplied variables.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{|\}\}|\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Template is an immutable prompt with named placeholders.
type Template struct {
	text      string
	variables []string
}

// New parses text and records its placeholders in order of first use.
func New(text string) *Template {
	seen := make(map[string]bool)
	var vars []string
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		vars = append(vars, name)
	}
	return &Template{text: text, variables: vars}
}

// Text returns the raw template source.
func (t *Template) Text() string { return t.text }

// InputVariables returns the placeholder names the template expects.
func (t *Template) InputVariables() []string {
	out := make([]string, len(t.variables))
	copy(out, t.variables)
	return out
}

// Render substitutes vars into the template. Every placeholder must have a
// value; extra variables are ignored.
func (t *Template) Render(vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(t.text, func(match string) string {
		switch match {
		case "{{":
			return "{"
		case "}}":
			return "}"
		}
		name := match[1 : len(match)-1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("prompt: missing value for %s", strings.Join(dedupe(missing), ", "))
	}
	return out, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && sorted[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
