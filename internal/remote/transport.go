package remote

import (
	"context"
	"strings"
	"time"

	"deploy-restart-agent/internal/clock"
)

// Transport opens a fresh authenticated connection to one host each time
// Dial is called.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established connection able to run commands.
type Conn interface {
	Start(command string) (Process, error)
	Close() error
}

// Process is a command started on a Conn. Stdout, Stderr and ExitCode are
// only meaningful once Exited reports true.
type Process interface {
	Exited() bool
	ExitCode() int
	Stdout() string
	Stderr() string
	Close() error
}

// Output is the captured result of one remote command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runToCompletion starts command on conn and polls until the remote side
// closes the channel.
func runToCompletion(ctx context.Context, clk clock.Clock, poll time.Duration, conn Conn, command string) (Output, error) {
	proc, err := conn.Start(command)
	if err != nil {
		return Output{}, err
	}
	defer proc.Close()

	for !proc.Exited() {
		if err := clock.Sleep(ctx, clk, poll); err != nil {
			return Output{}, err
		}
	}

	return Output{
		Stdout:   proc.Stdout(),
		Stderr:   proc.Stderr(),
		ExitCode: proc.ExitCode(),
	}, nil
}

// checkOutput turns a non-zero exit with stderr into a CommandFailedError.
// A non-zero exit with empty stderr is handed back to the caller as is.
func checkOutput(command string, out Output) (Output, error) {
	if out.ExitCode != 0 && strings.TrimSpace(out.Stderr) != "" {
		return out, &CommandFailedError{
			Command:  command,
			ExitCode: out.ExitCode,
			Stderr:   strings.TrimSpace(out.Stderr),
		}
	}
	return out, nil
}
