package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convomesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range buildRootCmd().Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"run", "serve", "validate", "workflows", "providers", "schema"} {
		assert.True(t, names[name], name)
	}
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
runner:
  default_workflow: screened
workflows:
  - name: screened
    response: generation
    nodes:
      - stage: compliance
      - stage: generation
        after: [compliance]
`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "screened")

	bad := writeConfig(t, `
workflows:
  - name: loop
    response: generation
    nodes:
      - stage: generation
        after: [generation]
`)
	_, err = execute(t, "validate", "--config", bad)
	assert.Error(t, err)
}

func TestWorkflows(t *testing.T) {
	out, err := execute(t, "workflows")
	require.NoError(t, err)
	assert.Equal(t, "basic\nchat\nquick\n", out)

	out, err = execute(t, "workflows", "quick")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow: quick")
}

func TestProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := writeConfig(t, `
providers:
  - provider: openai
    model: gpt-4o-mini
    priority: 1
`)
	out, err := execute(t, "providers", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "openai/gpt-4o-mini")
	assert.Contains(t, out, "api_key=set")
}

func TestSchema(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"providers"`)
}
