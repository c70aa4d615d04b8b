package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
combiner:
  id: signalk-value-combiner
  paths:
    - description: House bank
      input:
        - electrical.batteries.1.current
        - electrical.batteries.2.current
      output: electrical.batteries.house.current
    - input: [electrical.solar.voltage, electrical.solar.current]
      output: electrical.solar.power
      operation: multiplication
      policy: strict
source:
  endpoint: ws://localhost:3000/signalk/v1/stream
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execValidate(t *testing.T, path, format string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", "--config", path, "--format", format})
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidate_Text(t *testing.T) {
	out, err := execValidate(t, writeConfig(t, validConfig), "text")
	require.NoError(t, err)

	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "electrical.batteries.house.current = electrical.batteries.1.current + electrical.batteries.2.current [lenient]  # House bank")
	assert.Contains(t, out, "electrical.solar.power = electrical.solar.voltage * electrical.solar.current [strict]")
	assert.Contains(t, out, "sink:   signalk ws://localhost:3000/signalk/v1/stream")
}

func TestValidate_JSON(t *testing.T) {
	out, err := execValidate(t, writeConfig(t, validConfig), "json")
	require.NoError(t, err)

	var res ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Len(t, res.Paths, 2)
	assert.Equal(t, "lenient", res.Policy)
}

func TestValidate_NoPaths(t *testing.T) {
	out, err := execValidate(t, writeConfig(t, "combiner:\n  paths: []\n"), "text")
	require.NoError(t, err)
	assert.Contains(t, out, "no paths configured")
}

func TestValidate_Invalid(t *testing.T) {
	bad := `
combiner:
  paths:
    - input: [only.one]
      output: x
`
	out, err := execValidate(t, writeConfig(t, bad), "text")
	require.Error(t, err)
	assert.Contains(t, out, "✗")
	assert.Contains(t, out, "paths[0]")
}

func TestValidate_MissingFile(t *testing.T) {
	out, err := execValidate(t, filepath.Join(t.TempDir(), "nope.yaml"), "json")
	require.Error(t, err)

	var res ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "read file")
}
