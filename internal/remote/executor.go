package remote

import (
	"context"
	"fmt"

	"deploy-restart-agent/internal/clock"
)

// Executor runs single commands over a Session. Calls block until the remote
// process closes its channel; concurrent calls are serialized by the session.
type Executor struct {
	session *Session
	clock   clock.Clock
}

// NewExecutor returns an Executor bound to s.
func NewExecutor(s *Session) *Executor {
	return &Executor{session: s, clock: s.clock}
}

// Execute runs command and returns its captured output. It fails with
// ErrNotConnected without a live session and with *CommandFailedError when
// the command exits non-zero with something on stderr.
func (e *Executor) Execute(ctx context.Context, command string) (Output, error) {
	conn, release, err := e.session.acquire(ctx)
	if err != nil {
		return Output{}, err
	}
	defer release()

	out, err := runToCompletion(ctx, e.clock, e.session.commandPoll, conn, command)
	if err != nil {
		return Output{}, fmt.Errorf("run %q: %w", command, err)
	}
	return checkOutput(command, out)
}
