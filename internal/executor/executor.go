// Package executor drives one workflow run against a ComfyUI server:
// submission, event streaming, authoritative status polling, artifact
// collection, and teardown. Local execution additionally owns the server
// process lifecycle; remote execution attaches to an already-running
// server.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soochol/comfy-remote/internal/compiler"
	"github.com/soochol/comfy-remote/internal/config"
	"github.com/soochol/comfy-remote/internal/connector"
	"github.com/soochol/comfy-remote/internal/server"
)

// Mode selects how a run reaches its server.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// State is the terminal disposition of a run.
type State string

const (
	StateSuccess   State = "success"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

const (
	defaultPollInterval = time.Second
	defaultStartTimeout = 2 * time.Minute
)

// RunContext carries everything an executor needs for one run.
type RunContext struct {
	Mode      Mode
	BaseURL   string
	AuthToken string
	// ClientID scopes the event stream; generated when empty.
	ClientID string
	// Launch is the resolved configuration for local server launches.
	Launch *config.Resolved
	// Registry records locally launched servers; optional.
	Registry *server.Registry
	// OnEvent observes stream events as they arrive; optional.
	OnEvent func(connector.Event)

	PollInterval time.Duration
	StartTimeout time.Duration

	// ServerOptions pass through to the local server manager.
	ServerOptions []server.ManagerOption
}

// WithDefaults returns a copy with generated and defaulted fields filled:
// a fresh client id, and the standard poll interval and start timeout.
func (rc RunContext) WithDefaults() RunContext {
	if rc.ClientID == "" {
		rc.ClientID = "comfy-remote-" + uuid.NewString()
	}
	if rc.PollInterval <= 0 {
		rc.PollInterval = defaultPollInterval
	}
	if rc.StartTimeout <= 0 {
		rc.StartTimeout = defaultStartTimeout
	}
	return rc
}

// Result is the outcome of one run. A workflow-level failure is carried
// here as data, not as a Go error: the run itself executed.
type Result struct {
	PromptID    string
	State       State
	ErrorDetail string
	Artifacts   []connector.Artifact
	Events      []connector.Event
}

// Executor is one run's lifecycle. Implementations are single-use: one
// Prepare/Submit/Poll/Collect/Close sequence per instance.
type Executor interface {
	// Prepare makes the server reachable: launches it locally or probes
	// it remotely.
	Prepare(ctx context.Context) error
	// Submit posts the compiled payload and returns the prompt id.
	Submit(ctx context.Context, payload *compiler.Payload) (string, error)
	// Poll blocks until the run reaches a terminal state. Stream events
	// are advisory; the polled history is authoritative.
	Poll(ctx context.Context, promptID string) (*Result, error)
	// Collect fetches artifact locators for a successful result.
	Collect(ctx context.Context, result *Result) error
	// Cancel interrupts the in-flight run.
	Cancel(ctx context.Context) error
	// Close releases the executor's resources. Local executors stop the
	// server they launched. Idempotent.
	Close(ctx context.Context) error
}

// Factory builds an executor for a run context.
type Factory func(rc RunContext) (Executor, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[Mode]Factory)
)

// Register installs a factory for a mode. Later registrations replace
// earlier ones.
func Register(mode Mode, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[mode] = f
}

// Modes lists the registered modes, sorted.
func Modes() []Mode {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]Mode, 0, len(factories))
	for m := range factories {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds an executor for the run context's mode.
func New(rc RunContext) (Executor, error) {
	factoryMu.RLock()
	f, ok := factories[rc.Mode]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: unknown mode %q (have %v)", rc.Mode, Modes())
	}
	return f(rc.WithDefaults())
}
