// Package render turns alerts into operator-facing text. Each embedded
// templates/<name>.tmpl becomes a template addressed by <name>.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const ext = ".tmpl"

var funcs = template.FuncMap{
	"join": strings.Join,
	// fixed prints a measurement with two decimals, matching the sample log.
	"fixed": func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) },
}

// Engine holds the parsed alert and e-mail templates.
type Engine struct {
	set map[string]*template.Template
}

// New parses every embedded template.
func New() (*Engine, error) {
	paths, err := fs.Glob(templatesFS, "templates/*"+ext)
	if err != nil {
		return nil, err
	}

	e := &Engine{set: make(map[string]*template.Template, len(paths))}
	for _, p := range paths {
		src, err := templatesFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(path.Base(p), ext)
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		e.set[name] = t
	}
	return e, nil
}

// Names lists the available templates in sorted order.
func (e *Engine) Names() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.set))
	for name := range e.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name can be rendered.
func (e *Engine) Has(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.set[name]
	return ok
}

// Render executes name with data and trims surrounding whitespace.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil {
		return "", errors.New("nil engine")
	}
	t, ok := e.set[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
