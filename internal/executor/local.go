package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soochol/comfy-remote/internal/server"
)

func init() {
	Register(ModeLocal, newLocal)
}

// Local launches a server process for the run and tears it down on Close.
type Local struct {
	base
	manager *server.Manager

	closeOnce sync.Once
	closeErr  error
}

func newLocal(rc RunContext) (Executor, error) {
	if rc.Launch == nil {
		return nil, errors.New("executor: local mode needs a resolved launch configuration")
	}
	opts := rc.ServerOptions
	if rc.Registry != nil {
		opts = append(opts, server.WithRegistry(rc.Registry))
	}
	return &Local{
		base:    base{rc: rc},
		manager: server.NewManager(rc.Launch, opts...),
	}, nil
}

// Prepare starts the server and waits for readiness.
func (l *Local) Prepare(ctx context.Context) error {
	handle, err := l.manager.Start(ctx, l.rc.StartTimeout)
	if err != nil {
		return fmt.Errorf("preparing local server: %w", err)
	}
	l.connect(handle.BaseURL)
	return nil
}

// Close stops the launched server. Safe to call on every exit path; only
// the first call does work.
func (l *Local) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closeStream()
		l.closeErr = l.manager.Stop(ctx)
	})
	return l.closeErr
}
