package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/soochol/comfy-remote/internal/executor"
)

// manifest is the on-disk record of one run, enough to locate every
// artifact later without re-querying the server.
type manifest struct {
	PromptID    string             `json:"prompt_id"`
	State       string             `json:"state"`
	ErrorDetail string             `json:"error_detail,omitempty"`
	Mode        string             `json:"mode"`
	BaseURL     string             `json:"base_url,omitempty"`
	ClientID    string             `json:"client_id"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	EventCount  int                `json:"event_count"`
	Artifacts   []manifestArtifact `json:"artifacts"`
}

type manifestArtifact struct {
	NodeID    string `json:"node_id"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type"`
	URL       string `json:"url"`
}

func writeManifest(dir string, result *executor.Result, rc executor.RunContext, started time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating manifest dir: %w", err)
	}

	doc := manifest{
		PromptID:    result.PromptID,
		State:       string(result.State),
		ErrorDetail: result.ErrorDetail,
		Mode:        string(rc.Mode),
		BaseURL:     rc.BaseURL,
		ClientID:    rc.ClientID,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		EventCount:  len(result.Events),
		Artifacts:   []manifestArtifact{},
	}
	for _, a := range result.Artifacts {
		doc.Artifacts = append(doc.Artifacts, manifestArtifact{
			NodeID:    a.NodeID,
			Filename:  a.Filename,
			Subfolder: a.Subfolder,
			Type:      a.Type,
			URL:       a.URL,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(dir, "run-"+result.PromptID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	return path, nil
}
