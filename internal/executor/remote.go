package executor

import (
	"context"
	"errors"
	"fmt"
)

func init() {
	Register(ModeRemote, newRemote)
}

// Remote attaches to an already-running server and never manages its
// lifecycle.
type Remote struct {
	base
}

func newRemote(rc RunContext) (Executor, error) {
	if rc.BaseURL == "" {
		return nil, errors.New("executor: remote mode needs a base URL")
	}
	r := &Remote{base: base{rc: rc}}
	r.connect(rc.BaseURL)
	return r, nil
}

// Prepare verifies the server answers before anything is submitted.
func (r *Remote) Prepare(ctx context.Context) error {
	if err := r.client.Health(ctx); err != nil {
		return fmt.Errorf("probing %s: %w", r.rc.BaseURL, err)
	}
	return nil
}

// Close drops the event stream; the remote server keeps running.
func (r *Remote) Close(context.Context) error {
	r.closeStream()
	return nil
}
