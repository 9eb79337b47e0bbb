package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soochol/comfy-remote/internal/compiler"
	"github.com/soochol/comfy-remote/internal/connector"
)

// maxTransientFailures bounds consecutive status poll failures before the
// run is abandoned. A single flaky poll must not kill a long render.
const maxTransientFailures = 3

// base carries the run machinery shared by local and remote executors:
// submission, the stream/poll loop, collection, and cancellation.
type base struct {
	rc     RunContext
	client *connector.Client

	mu        sync.Mutex
	events    []connector.Event
	cancelled bool
}

func (b *base) connect(baseURL string) {
	var opts []connector.Option
	if b.rc.AuthToken != "" {
		opts = append(opts, connector.WithToken(b.rc.AuthToken))
	}
	b.client = connector.New(baseURL, b.rc.ClientID, opts...)
}

func (b *base) Submit(ctx context.Context, payload *compiler.Payload) (string, error) {
	promptID, err := b.client.SubmitPrompt(ctx, payload)
	if err != nil {
		return "", err
	}
	slog.Info("workflow submitted", "prompt_id", promptID, "client_id", b.rc.ClientID)
	return promptID, nil
}

// Poll opens the event stream and polls history until the run concludes.
// The stream is best-effort: a failed dial or dropped connection degrades
// to polling alone.
func (b *base) Poll(ctx context.Context, promptID string) (*Result, error) {
	g, gctx := errgroup.WithContext(ctx)

	events, err := b.client.OpenStream(gctx)
	if err != nil {
		slog.Warn("event stream unavailable, polling only", "error", err)
	} else {
		g.Go(func() error {
			b.drainEvents(events)
			return nil
		})
	}
	defer b.client.CloseStream()

	var status connector.RunStatus
	g.Go(func() error {
		st, err := b.pollStatus(gctx, promptID)
		// Stop the stream drain once the disposition is known.
		b.client.CloseStream()
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	result := &Result{
		PromptID:    promptID,
		State:       b.finalState(status),
		ErrorDetail: status.Detail,
		Events:      append([]connector.Event(nil), b.events...),
	}
	slog.Info("workflow finished", "prompt_id", promptID, "state", result.State)
	return result, nil
}

func (b *base) drainEvents(events <-chan connector.Event) {
	for ev := range events {
		b.mu.Lock()
		b.events = append(b.events, ev)
		b.mu.Unlock()
		if b.rc.OnEvent != nil {
			b.rc.OnEvent(ev)
		}
	}
}

// pollStatus loops on the history endpoint until a terminal state,
// tolerating up to maxTransientFailures consecutive poll errors.
func (b *base) pollStatus(ctx context.Context, promptID string) (connector.RunStatus, error) {
	ticker := time.NewTicker(b.rc.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		st, err := b.client.Status(ctx, promptID)
		switch {
		case err != nil:
			failures++
			if failures >= maxTransientFailures {
				return connector.RunStatus{}, fmt.Errorf("status poll failed %d times: %w", failures, err)
			}
			slog.Warn("status poll failed, retrying", "prompt_id", promptID, "attempt", failures, "error", err)
		case st.State != connector.StateRunning:
			return st, nil
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			return connector.RunStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalState maps the polled disposition. A local interrupt wins over
// whatever the server reports afterwards, including success when the run
// finished before the interrupt landed.
func (b *base) finalState(status connector.RunStatus) State {
	if b.cancelled {
		return StateCancelled
	}
	if status.State == connector.StateError {
		return StateError
	}
	return StateSuccess
}

// Collect resolves artifact locators for a successful run. Failed and
// cancelled runs have nothing to collect.
func (b *base) Collect(ctx context.Context, result *Result) error {
	if result.State != StateSuccess {
		return nil
	}
	artifacts, err := b.client.FetchOutputs(ctx, result.PromptID)
	if err != nil {
		return err
	}
	result.Artifacts = artifacts
	return nil
}

// Cancel interrupts the in-flight prompt. The run still concludes through
// Poll, which reports it as cancelled.
func (b *base) Cancel(ctx context.Context) error {
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
	return b.client.Cancel(ctx)
}

func (b *base) closeStream() {
	if b.client != nil {
		b.client.CloseStream()
	}
}
