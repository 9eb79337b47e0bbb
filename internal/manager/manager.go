// Package manager ties the pipeline together: load a workflow document,
// patch parameters, compile, execute on a local or remote server, and
// record the run. It is the surface the CLI drives.
package manager

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soochol/comfy-remote/internal/compiler"
	"github.com/soochol/comfy-remote/internal/connector"
	"github.com/soochol/comfy-remote/internal/executor"
	"github.com/soochol/comfy-remote/internal/workflow"
)

// Manager holds one loaded workflow and the machinery to run it. Not safe
// for concurrent use; one manager drives one workflow at a time.
type Manager struct {
	catalog     *workflow.Catalog
	loader      *workflow.Loader
	compiler    *compiler.Compiler
	onEvent     func(connector.Event)
	manifestDir string

	graph *workflow.Graph
}

// Option configures a Manager.
type Option func(*Manager)

// WithCatalog substitutes a class catalog, usually one hydrated from a
// live server's schema.
func WithCatalog(c *workflow.Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithOnEvent observes execution events as they stream in.
func WithOnEvent(fn func(connector.Event)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// WithManifestDir writes a JSON run manifest into dir after each run.
func WithManifestDir(dir string) Option {
	return func(m *Manager) { m.manifestDir = dir }
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.catalog == nil {
		m.catalog = workflow.NewCatalog()
	}
	m.loader = workflow.NewLoader(m.catalog)
	m.compiler = compiler.New(m.catalog)
	return m
}

// Catalog returns the class catalog in use.
func (m *Manager) Catalog() *workflow.Catalog { return m.catalog }

// Load reads the workflow document at path, accepting both the API prompt
// format and the editor format.
func (m *Manager) Load(path string) error {
	g, err := m.loader.LoadFile(path)
	if err != nil {
		return err
	}
	m.graph = g
	slog.Info("workflow loaded", "path", path, "nodes", g.Len())
	return nil
}

// LoadBytes parses an in-memory workflow document.
func (m *Manager) LoadBytes(data []byte) error {
	g, err := m.loader.Load(bytes.NewReader(data))
	if err != nil {
		return err
	}
	m.graph = g
	return nil
}

// Graph exposes the loaded graph, nil before Load.
func (m *Manager) Graph() *workflow.Graph { return m.graph }

// SetByID patches one literal input on one node.
func (m *Manager) SetByID(id, field string, value any) error {
	if m.graph == nil {
		return errNoWorkflow
	}
	return m.graph.SetByID(id, field, value)
}

// SetByTitle patches every node carrying the title.
func (m *Manager) SetByTitle(title, field string, value any) (int, error) {
	if m.graph == nil {
		return 0, errNoWorkflow
	}
	return m.graph.SetByTitle(title, field, value)
}

// SetByType patches every node of the class type.
func (m *Manager) SetByType(classType string, fields map[string]any) (int, error) {
	if m.graph == nil {
		return 0, errNoWorkflow
	}
	return m.graph.SetByType(classType, fields)
}

// Compile builds the execution payload from the current graph state.
func (m *Manager) Compile() (*compiler.Payload, error) {
	if m.graph == nil {
		return nil, errNoWorkflow
	}
	return m.compiler.Compile(m.graph)
}

var errNoWorkflow = fmt.Errorf("manager: no workflow loaded")

// Execute compiles the current graph and runs it to completion. The
// executor is closed on every path, so a locally launched server never
// outlives its run. A workflow-level failure comes back as a Result with
// StateError, not as a Go error.
func (m *Manager) Execute(ctx context.Context, rc executor.RunContext) (*executor.Result, error) {
	payload, err := m.Compile()
	if err != nil {
		return nil, err
	}
	if rc.OnEvent == nil {
		rc.OnEvent = m.onEvent
	}
	rc = rc.WithDefaults()

	ex, err := executor.New(rc)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ex.Close(context.WithoutCancel(ctx)); cerr != nil {
			slog.Warn("executor close failed", "error", cerr)
		}
	}()

	started := time.Now().UTC()
	if err := ex.Prepare(ctx); err != nil {
		return nil, err
	}
	promptID, err := ex.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	result, err := ex.Poll(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if err := ex.Collect(ctx, result); err != nil {
		slog.Warn("collecting outputs failed", "prompt_id", promptID, "error", err)
	}

	if m.manifestDir != "" {
		if path, err := writeManifest(m.manifestDir, result, rc, started); err != nil {
			slog.Warn("writing run manifest failed", "error", err)
		} else {
			slog.Info("run manifest written", "path", path)
		}
	}
	return result, nil
}
