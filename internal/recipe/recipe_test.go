package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveNodeProject(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"x","scripts":{"test":"jest --ci"}}`)

	r, err := Resolve(dir)
	require.NoError(t, err)

	assert.True(t, r.Generated)
	assert.Equal(t, "node", r.Language)
	assert.Equal(t, "node:18-bullseye", r.BaseImage)
	assert.Equal(t, "npm install", r.InstallCmd)
	assert.Equal(t, "jest --ci", r.TestCmd)

	df, err := os.ReadFile(filepath.Join(dir, DirName, DockerfileName))
	require.NoError(t, err)
	assert.Contains(t, string(df), "FROM node:18-bullseye")
	assert.Contains(t, string(df), "RUN npm install")

	wrapper, err := os.ReadFile(filepath.Join(dir, DirName, WrapperName))
	require.NoError(t, err)
	assert.Contains(t, string(wrapper), "jest --ci")
	assert.Contains(t, string(wrapper), "## Code Output")
}

func TestResolveNodeWithoutTestScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"x"}`)

	r, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, "npm test", r.TestCmd)
}

func TestResolvePythonWithRequirements(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "flask\n")

	r, err := Resolve(dir)
	require.NoError(t, err)

	assert.Equal(t, "python", r.Language)
	assert.Equal(t, "python:3.10-slim", r.BaseImage)
	assert.Equal(t, "pip install -r requirements.txt", r.InstallCmd)
	assert.Equal(t, "pytest -v tests/test_app.py", r.TestCmd)
}

func TestResolvePyprojectOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[project]\nname = \"x\"\n")

	r, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, "python", r.Language)
	assert.Equal(t, "pip install .", r.InstallCmd)
}

func TestResolveDefaultsToPython(t *testing.T) {
	dir := t.TempDir()

	r, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, "python", r.Language)
	assert.Equal(t, "python:3.10-slim", r.BaseImage)
}

func TestResolveKeepsProvidedRecipe(t *testing.T) {
	dir := t.TempDir()
	dfContent := "FROM scratch\n"
	wrapperContent := "#!/bin/sh\necho custom\n"
	writeFile(t, dir, filepath.Join(DirName, DockerfileName), dfContent)
	wrapperPath := writeFile(t, dir, filepath.Join(DirName, WrapperName), wrapperContent)

	r, err := Resolve(dir)
	require.NoError(t, err)

	assert.False(t, r.Generated)

	df, err := os.ReadFile(filepath.Join(dir, DirName, DockerfileName))
	require.NoError(t, err)
	assert.Equal(t, dfContent, string(df))

	wrapper, err := os.ReadFile(wrapperPath)
	require.NoError(t, err)
	assert.Equal(t, wrapperContent, string(wrapper))

	// Provided wrapper must end up executable.
	info, err := os.Stat(wrapperPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

func TestResolvePartialRecipeRegenerated(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, filepath.Join(DirName, DockerfileName), "FROM scratch\n")
	writeFile(t, dir, "requirements.txt", "requests\n")

	r, err := Resolve(dir)
	require.NoError(t, err)
	assert.True(t, r.Generated)

	df, err := os.ReadFile(filepath.Join(dir, DirName, DockerfileName))
	require.NoError(t, err)
	assert.Contains(t, string(df), "python:3.10-slim")
}

func TestGeneratedWrapperIsExecutable(t *testing.T) {
	dir := t.TempDir()

	_, err := Resolve(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, DirName, WrapperName))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

func TestDockerfilePath(t *testing.T) {
	r := &Recipe{}
	assert.Equal(t, filepath.Join(DirName, DockerfileName), r.DockerfilePath())
}
