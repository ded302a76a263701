// Package prompts holds the LLM prompt templates as embedded markdown
// files with YAML frontmatter. Users can override any template by placing
// a file of the same name under ~/.config/sadguard/prompts/.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

// yamlFormat pins the frontmatter delimiters and unmarshaler so template
// metadata is always parsed as YAML, never TOML or JSON.
var yamlFormat = frontmatter.NewFormat("---", "---", yaml.Unmarshal)

//go:embed *.md
var builtinFS embed.FS

// Prompt is a loaded template plus its frontmatter metadata.
type Prompt struct {
	Name        string
	Description string
	// Questions the reviewer must answer, used by the iterative loops.
	Questions []string

	tmpl *template.Template
}

type meta struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Questions   []string `yaml:"questions"`
}

// Load returns the prompt for the given file name. A user override at
// ~/.config/sadguard/prompts/<name> wins over the embedded default.
func Load(name string) (*Prompt, error) {
	data, err := read(name)
	if err != nil {
		return nil, fmt.Errorf("loading prompt template %s: %w", name, err)
	}

	var m meta
	body, err := frontmatter.Parse(strings.NewReader(string(data)), &m, yamlFormat)
	if err != nil {
		// No frontmatter: the whole file is the template body.
		body = data
	}

	tmpl, err := template.New(name).Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template %s: %w", name, err)
	}

	p := &Prompt{
		Name:        m.Name,
		Description: m.Description,
		Questions:   m.Questions,
		tmpl:        tmpl,
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

func read(name string) ([]byte, error) {
	if configDir, err := os.UserConfigDir(); err == nil {
		userPath := filepath.Join(configDir, "sadguard", "prompts", name)
		if data, err := os.ReadFile(userPath); err == nil {
			return data, nil
		}
	}
	return builtinFS.ReadFile(name)
}

// Render executes the prompt body with the given data map.
func (p *Prompt) Render(data map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing prompt template %s: %w", p.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Execute loads a template and renders it in one step.
func Execute(name string, data map[string]string) (string, error) {
	p, err := Load(name)
	if err != nil {
		return "", err
	}
	return p.Render(data)
}

// List returns the names of all embedded prompt templates.
func List() ([]string, error) {
	entries, err := builtinFS.ReadDir(".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
