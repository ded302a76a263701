// Package recipe resolves the sandbox build recipe for a cloned
// workspace: the pair (.sadguard/Dockerfile, .sadguard/wrapper.sh). A
// repository that ships both files controls its own sandbox; anything
// else gets a generated recipe based on simple language detection.
package recipe

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const (
	// DirName is the recipe directory inside a workspace.
	DirName = ".sadguard"
	// DockerfileName and WrapperName are the two recipe files.
	DockerfileName = "Dockerfile"
	WrapperName    = "wrapper.sh"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Recipe describes how the sandbox image is built and what it runs.
type Recipe struct {
	Language   string
	BaseImage  string
	InstallCmd string
	TestCmd    string
	// Dir is the absolute path of the .sadguard directory.
	Dir string
	// Generated is false when the repository supplied its own recipe.
	Generated bool
}

// DockerfilePath returns the workspace-relative path of the Dockerfile,
// as the container build API expects it.
func (r *Recipe) DockerfilePath() string {
	return filepath.Join(DirName, DockerfileName)
}

// Resolve returns the recipe for the workspace at dir. User-supplied
// recipe files are used verbatim (the wrapper is made executable);
// otherwise both files are rendered from the built-in templates. A
// partial recipe (only one of the two files) is treated as absent and
// regenerated.
func Resolve(dir string) (*Recipe, error) {
	sgDir := filepath.Join(dir, DirName)
	dockerfile := filepath.Join(sgDir, DockerfileName)
	wrapper := filepath.Join(sgDir, WrapperName)

	if exists(dockerfile) && exists(wrapper) {
		if err := os.Chmod(wrapper, 0o755); err != nil {
			return nil, fmt.Errorf("marking wrapper executable: %w", err)
		}
		return &Recipe{Dir: sgDir, Generated: false}, nil
	}

	r := detect(dir)
	r.Dir = sgDir
	r.Generated = true

	if err := os.MkdirAll(sgDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", DirName, err)
	}
	if err := render("Dockerfile.tmpl", dockerfile, 0o644, r); err != nil {
		return nil, err
	}
	if err := render("wrapper.sh.tmpl", wrapper, 0o755, r); err != nil {
		return nil, err
	}
	return r, nil
}

func detect(dir string) *Recipe {
	if exists(filepath.Join(dir, "package.json")) {
		r := &Recipe{
			Language:   "node",
			BaseImage:  "node:18-bullseye",
			InstallCmd: "npm install",
			TestCmd:    "npm test",
		}
		if script := npmTestScript(filepath.Join(dir, "package.json")); script != "" {
			r.TestCmd = script
		}
		return r
	}

	r := &Recipe{
		Language:   "python",
		BaseImage:  "python:3.10-slim",
		InstallCmd: "pip install .",
		TestCmd:    "pytest -v tests/test_app.py",
	}
	if exists(filepath.Join(dir, "requirements.txt")) {
		r.InstallCmd = "pip install -r requirements.txt"
	}
	return r
}

// npmTestScript returns scripts.test from package.json, or "" when the
// file is unreadable or carries no test script.
func npmTestScript(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return pkg.Scripts["test"]
}

func render(tmplName, dest string, perm os.FileMode, r *Recipe) error {
	data, err := templateFS.ReadFile("templates/" + tmplName)
	if err != nil {
		return fmt.Errorf("reading template %s: %w", tmplName, err)
	}
	tmpl, err := template.New(tmplName).Parse(string(data))
	if err != nil {
		return fmt.Errorf("parsing template %s: %w", tmplName, err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, r); err != nil {
		return fmt.Errorf("rendering %s: %w", tmplName, err)
	}
	// O_CREATE only applies perm to new files; an existing partial file
	// must still end up executable.
	return os.Chmod(dest, perm)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
