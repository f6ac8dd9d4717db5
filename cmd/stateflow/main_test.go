package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/pipeline"
)

const checkDefinition = `
name: check-source
start_at: Check
states:
  Check:
    type: task
    step: validate-input
    next: Mark
  Mark:
    type: pass
    result: {ready: true}
    next: Stamp
  Stamp:
    type: task
    step: time
    parameters: {output: checkedAt}
    next: Done
  Done: {type: succeed}
`

type cliEnv struct {
	dir        string
	configPath string
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", filepath.Join(dir, "home"))
	configPath := filepath.Join(dir, "config.toml")
	body := strings.Join([]string{
		"[store]",
		`backend = "file"`,
		`path = "` + filepath.ToSlash(filepath.Join(dir, "runs")) + `"`,
		"[logging]",
		`level = "error"`,
		"[notifications]",
		"log = false",
		"[pipeline]",
		`object_root = "` + filepath.ToSlash(filepath.Join(dir, "objects")) + `"`,
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	return &cliEnv{dir: dir, configPath: configPath}
}

func (e *cliEnv) writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	env := setupCLI(t)
	good := env.writeFile(t, "good.yaml", checkDefinition)
	bad := env.writeFile(t, "bad.yaml", "name: broken\nstart_at: Missing\nstates:\n  A: {type: succeed}\n")

	out, err := env.run(t, "validate", good)
	require.NoError(t, err)
	require.Contains(t, out, "check-source, 4 states, start Check")

	out, err = env.run(t, "validate", good, bad)
	require.ErrorContains(t, err, "1 of 2 definitions invalid")
	require.Contains(t, out, bad)
}

func TestRunStatusAndList(t *testing.T) {
	env := setupCLI(t)
	def := env.writeFile(t, "check.yaml", checkDefinition)

	out, err := env.run(t, "run", def, "--json", "--key", "b/clip.mp4",
		"-i", "srcBucket=b", "-i", "srcVideo=clip.mp4")
	require.NoError(t, err)

	var run stateflow.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	require.Equal(t, stateflow.RunSucceeded, run.Status)
	require.Equal(t, true, run.Context["ready"])
	require.Equal(t, "b", run.Context["destBucket"])
	require.NotEmpty(t, run.Context["checkedAt"])
	require.Len(t, run.History, 4)

	out, err = env.run(t, "status", "--key", "b/clip.mp4")
	require.NoError(t, err)
	require.Contains(t, out, run.ID)
	require.Contains(t, out, "Mark")

	out, err = env.run(t, "list", "--json")
	require.NoError(t, err)
	var summaries []*stateflow.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, run.ID, summaries[0].ID)

	_, err = env.run(t, "status", "run_missing")
	require.ErrorContains(t, err, "not found")
}

func TestRunReportsFailedRun(t *testing.T) {
	env := setupCLI(t)
	def := env.writeFile(t, "check.yaml", checkDefinition)

	out, err := env.run(t, "run", def, "-i", "srcBucket=b", "-i", "srcVideo=notes.txt")
	require.ErrorContains(t, err, "failed")
	require.Contains(t, out, "unsupported container")
}

func TestIngestUnsupportedSourceFails(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "ingest", "--bucket", "media", "--key", "notes.txt")
	require.Error(t, err)
	require.Contains(t, out, pipeline.ObjectKey("media", "notes.txt", ""))
	require.Contains(t, out, "failed")

	out, err = env.run(t, "list", "--status", "failed")
	require.NoError(t, err)
	require.Contains(t, out, "vod-ingest")

	_, err = env.run(t, "ingest")
	require.ErrorContains(t, err, "--bucket and --key")
}

func TestResumeAndExpireWithNothingPending(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "resume")
	require.NoError(t, err)
	require.Contains(t, out, "No runs to resume")

	out, err = env.run(t, "expire-joins")
	require.NoError(t, err)
	require.Contains(t, out, "No overdue joins")
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLI(t)

	out, err := env.run(t, "config", "validate")
	require.NoError(t, err)
	require.Contains(t, out, "Configuration valid")

	target := filepath.Join(env.dir, "nested", "config.toml")
	out, err = env.run(t, "config", "init", "--path", target)
	require.NoError(t, err)
	require.Contains(t, out, "Wrote sample configuration")
	_, err = os.Stat(target)
	require.NoError(t, err)

	_, err = env.run(t, "config", "init", "--path", target)
	require.ErrorContains(t, err, "already exists")

	out, err = env.run(t, "config", "show")
	require.NoError(t, err)
	require.Regexp(t, `backend = ['"]file['"]`, out)
}

func TestParseInputs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"srcBucket": "a", "height": 480}`), 0o644))

	input, err := parseInputs(file, []string{"srcBucket=b", "archive=false", "height=720", "ratio=1.5", "name=clip"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"srcBucket": "b",
		"archive":   false,
		"height":    float64(720),
		"ratio":     1.5,
		"name":      "clip",
	}, input)

	_, err = parseInputs("", []string{"novalue"})
	require.Error(t, err)
}
