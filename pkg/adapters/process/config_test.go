package process_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/sluice"
	"github.com/aretw0/sluice/pkg/adapters/process"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
name: qc
stages:
  - name: parse
    watches: [raw_upload]
    outputs: [parsed]
    schema:
      raw_upload: nonempty
    command: sh
    args: ["-c", "printf '{\"parsed\": 21}'"]
    timeout: 2s
    policy:
      max_attempts: 2
      base_delay: 10ms
      cool_down: 1m
  - name: double
    watches: parsed
    reads: [factor]
    optional: factor
    outputs: [result]
    command: sh
    args: ["-c", "printf '{\"result\": 42}'"]
`

func TestParsePipeline(t *testing.T) {
	p, err := process.ParsePipeline([]byte(pipelineYAML), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "qc", p.Name)
	require.Len(t, p.Stages, 2)

	parse := p.Stages[0]
	assert.Equal(t, []string{"raw_upload"}, parse.Watches)
	assert.Equal(t, 2*time.Second, parse.Timeout)
	assert.Equal(t, 2, parse.Policy.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, parse.Policy.BaseDelay)
	assert.Equal(t, time.Minute, parse.Policy.CoolDown)
	assert.Equal(t, map[string]string{"raw_upload": "nonempty"}, parse.Schema)

	double := p.Stages[1]
	assert.Equal(t, []string{"parsed"}, double.Watches)
	assert.Equal(t, []string{"factor"}, double.Optional)
}

func TestParsePipeline_Errors(t *testing.T) {
	_, err := process.ParsePipeline([]byte("stages:\n  - command: sh\n"), "yaml")
	assert.ErrorContains(t, err, "missing name")

	_, err = process.ParsePipeline([]byte("stages:\n  - name: a\n"), "yaml")
	assert.ErrorContains(t, err, "missing command")

	_, err = process.ParsePipeline([]byte("stages:\n  - name: a\n    command: sh\n    colour: red\n"), "yaml")
	assert.Error(t, err, "unknown fields are rejected")

	_, err = process.ParsePipeline([]byte(`{"stages": [`), "json")
	assert.Error(t, err)
}

func TestLoadPipeline_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"stages":[{"name":"a","command":"sh","watches":["x"],"outputs":["y"],"policy":{"max_delay":"1s"}}]}`), 0o644))

	p, err := process.LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name, "name defaults to the file name")
	assert.Equal(t, time.Second, p.Stages[0].Policy.MaxDelay)

	_, err = process.LoadPipeline(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPipeline_BuildRejectsBadSchema(t *testing.T) {
	p := &process.Pipeline{Stages: []process.StageConfig{{
		Name: "a", Command: "sh", Schema: map[string]string{"x": "complex128"},
	}}}
	_, err := p.Build(process.NewRunner())
	assert.ErrorContains(t, err, "unsupported type")
}

func TestPipeline_RunsInEngine(t *testing.T) {
	requireShell(t)
	p, err := process.ParsePipeline([]byte(pipelineYAML), "yaml")
	require.NoError(t, err)
	stages, err := p.Build(process.NewRunner())
	require.NoError(t, err)

	eng, err := sluice.New(sluice.WithStages(stages...))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer eng.Close(ctx)

	_, err = eng.Trigger(ctx, "raw_upload", "data")
	require.NoError(t, err)
	require.NoError(t, eng.Wait(ctx))

	v, ok, err := eng.Read(ctx, "result")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok, err = eng.Read(ctx, domain.ErrorKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
