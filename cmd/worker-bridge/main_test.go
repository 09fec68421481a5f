package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDepsCommand_PrintsParsedPlan(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
dependencies:
  - dashboard
  - https://example.org/wheels/panel-1.0-py3-none-any.whl
  - pyodide-http==0.1.0
log:
  level: error
  format: json
`), 0o644))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "deps"})
	require.NoError(t, cmd.Execute())

	var got struct {
		Dependencies []dependencyView `yaml:"dependencies"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.Dependencies, 3)
	require.Equal(t, "dashboard", got.Dependencies[0].Name)
	require.Equal(t, "panel", got.Dependencies[1].Name)
	require.Equal(t, "pyodide-http", got.Dependencies[2].Module)
	require.Equal(t, "0.1.0", got.Dependencies[2].Version)
}

func TestRunCommand_StdioSession(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(script, []byte(`require("dashboard").markdown("hi").servable();`), 0o644))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("{\"type\":\"rendered\"}\n{\"type\":\"patch\",\"patch\":\"[]\"}\n"))
	cmd.SetArgs([]string{"--log-level", "error", "--log-format", "json", "--script", script, "run"})
	require.NoError(t, cmd.Execute())

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		types = append(types, msg.Type)
	}
	require.Equal(t, []string{"status", "status", "status", "status", "render", "idle"}, types)
}

func TestRoot_InvalidConfigFails(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--log-level", "loud", "deps"})
	require.Error(t, cmd.Execute())
}
