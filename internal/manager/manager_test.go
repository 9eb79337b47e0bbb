package manager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soochol/comfy-remote/internal/comfytest"
	"github.com/soochol/comfy-remote/internal/connector"
	"github.com/soochol/comfy-remote/internal/executor"
	"github.com/soochol/comfy-remote/internal/workflow"
)

const sampleDoc = `{
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "old.safetensors"}, "_meta": {"title": "Load Checkpoint"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat", "clip": ["4", 1]}, "_meta": {"title": "Prompt"}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "run", "images": ["6", 0]}}
}`

func loaded(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(opts...)
	require.NoError(t, m.LoadBytes([]byte(sampleDoc)))
	return m
}

func remoteRun(srv *comfytest.Server) executor.RunContext {
	return executor.RunContext{
		Mode:         executor.ModeRemote,
		BaseURL:      srv.URL(),
		PollInterval: 10 * time.Millisecond,
	}
}

func TestPatchThenCompile(t *testing.T) {
	m := loaded(t)

	count, err := m.SetByTitle("Load Checkpoint", "ckpt_name", "sdxl.safetensors")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	payload, err := m.Compile()
	require.NoError(t, err)
	entry, ok := payload.Entry("4")
	require.True(t, ok)
	got, ok := entry.Input("ckpt_name")
	require.True(t, ok)
	require.Equal(t, "sdxl.safetensors", got)
}

func TestPatchConnectionRejected(t *testing.T) {
	m := loaded(t)
	err := m.SetByID("6", "clip", "not-a-wire")
	require.ErrorIs(t, err, workflow.ErrInvalidPatch)
}

func TestNoWorkflowLoaded(t *testing.T) {
	m := New()
	require.Error(t, m.SetByID("1", "seed", 1))
	_, err := m.Compile()
	require.Error(t, err)
	_, err = m.Execute(context.Background(), executor.RunContext{Mode: executor.ModeRemote, BaseURL: "http://x"})
	require.Error(t, err)
}

func TestExecute_SuccessWritesManifest(t *testing.T) {
	srv := comfytest.New(comfytest.Outcome{
		State:          "success",
		PollsUntilDone: 1,
		Outputs: map[string][]comfytest.Image{
			"9": {{Filename: "run_00001_.png", Subfolder: "day1", Type: "output"}},
		},
	})
	defer srv.Close()

	manifestDir := t.TempDir()
	var events []connector.Event
	m := loaded(t,
		WithManifestDir(manifestDir),
		WithOnEvent(func(ev connector.Event) { events = append(events, ev) }),
	)

	result, err := m.Execute(context.Background(), remoteRun(srv))
	require.NoError(t, err)
	require.Equal(t, executor.StateSuccess, result.State)
	require.Len(t, result.Artifacts, 1)
	require.NotEmpty(t, events)

	matches, err := filepath.Glob(filepath.Join(manifestDir, "run-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "success", doc["state"])
	require.Equal(t, result.PromptID, doc["prompt_id"])
	arts := doc["artifacts"].([]any)
	require.Len(t, arts, 1)
	require.Equal(t, "run_00001_.png", arts[0].(map[string]any)["filename"])
}

// A workflow that fails on the server is a completed run with an error
// state, not a client error.
func TestExecute_WorkflowErrorIsResult(t *testing.T) {
	srv := comfytest.New(comfytest.Outcome{
		State:        "error",
		ErrorNode:    "4",
		ErrorMessage: "value_not_in_list: ckpt_name 'missing.safetensors' not in list",
	})
	defer srv.Close()

	m := loaded(t)
	result, err := m.Execute(context.Background(), remoteRun(srv))
	require.NoError(t, err)
	require.Equal(t, executor.StateError, result.State)
	require.Contains(t, result.ErrorDetail, "value_not_in_list")
	require.Empty(t, result.Artifacts)
	require.Len(t, srv.Submissions(), 1)
}

func TestExecute_CompileErrorStopsBeforeSubmit(t *testing.T) {
	srv := comfytest.New(comfytest.Outcome{State: "success"})
	defer srv.Close()

	m := loaded(t)
	require.NoError(t, m.SetByID("9", "filename_prefix", "/etc/passwd"))

	_, err := m.Execute(context.Background(), remoteRun(srv))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsafe output path")
	require.Empty(t, srv.Submissions())
}

func TestExecute_UnreachableServer(t *testing.T) {
	m := loaded(t)
	rc := executor.RunContext{
		Mode:         executor.ModeRemote,
		BaseURL:      "http://127.0.0.1:1",
		PollInterval: 10 * time.Millisecond,
	}
	_, err := m.Execute(context.Background(), rc)
	require.Error(t, err)
	var cerr *connector.Error
	require.True(t, errors.As(err, &cerr))
}
