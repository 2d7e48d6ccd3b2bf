// Package prompts holds the LLM prompt templates used by the pipeline.
//
// Templates use {name} placeholders. Only the variables a template declares
// are substituted, so literal braces elsewhere in the text (Python dict
// examples, JSON) pass through untouched.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template names.
const (
	StructAnalyze     = "struct_analyze"
	MetricsPlan       = "metrics_plan"
	MetricsCodeGen    = "metrics_code_gen"
	DataAnalyze       = "data_analyze"
	FinalReport       = "final_report"
	VisualizationCode = "visualization_code"
)

//go:embed prompts.yaml
var builtin []byte

// ErrUnknownTemplate is returned for names not in the catalog.
var ErrUnknownTemplate = errors.New("unknown prompt template")

type Template struct {
	Description string   `yaml:"description"`
	Vars        []string `yaml:"vars"`
	Text        string   `yaml:"text"`
}

type file struct {
	Templates map[string]Template `yaml:"templates"`
}

// Catalog is a read-only set of templates.
type Catalog struct {
	templates map[string]Template
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts.yaml: %v", err))
	}
	return c
}

// Load returns the embedded catalog with templates from overridePath
// replacing built-ins key by key. An empty path yields Default().
func Load(overridePath string) (*Catalog, error) {
	c := Default()
	if strings.TrimSpace(overridePath) == "" {
		return c, nil
	}
	b, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	over, err := parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", overridePath, err)
	}
	for name, t := range over.templates {
		if len(t.Vars) == 0 {
			if base, ok := c.templates[name]; ok {
				t.Vars = base.Vars
			}
		}
		if err := t.validate(name); err != nil {
			return nil, fmt.Errorf("%s: %w", overridePath, err)
		}
		c.templates[name] = t
	}
	return c, nil
}

func parse(b []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	c := &Catalog{templates: make(map[string]Template, len(f.Templates))}
	for name, t := range f.Templates {
		if len(t.Vars) > 0 {
			if err := t.validate(name); err != nil {
				return nil, err
			}
		}
		c.templates[name] = t
	}
	return c, nil
}

func (t Template) validate(name string) error {
	if strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("template %q: empty text", name)
	}
	for _, v := range t.Vars {
		if !strings.Contains(t.Text, "{"+v+"}") {
			return fmt.Errorf("template %q: placeholder {%s} not used in text", name, v)
		}
	}
	return nil
}

// Names lists template names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.templates))
	for k := range c.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Get returns the raw template.
func (c *Catalog) Get(name string) (Template, error) {
	t, ok := c.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return t, nil
}

// Placeholders lists the variables the template requires.
func (c *Catalog) Placeholders(name string) ([]string, error) {
	t, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), t.Vars...), nil
}

// Render substitutes vars into the named template. Every declared
// placeholder must be supplied; extra vars are ignored.
func (c *Catalog) Render(name string, vars map[string]string) (string, error) {
	t, err := c.Get(name)
	if err != nil {
		return "", err
	}
	pairs := make([]string, 0, 2*len(t.Vars))
	var missing []string
	for _, v := range t.Vars {
		val, ok := vars[v]
		if !ok {
			missing = append(missing, v)
			continue
		}
		pairs = append(pairs, "{"+v+"}", val)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("render %s: missing variables: %s", name, strings.Join(missing, ", "))
	}
	return strings.NewReplacer(pairs...).Replace(t.Text), nil
}
