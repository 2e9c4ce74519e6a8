package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// DefaultGrace bounds how long the supervisor waits for a cancelled run to
// return and for termination to be confirmed.
const DefaultGrace = 10 * time.Second

var (
	// ErrInvalidTimeout is returned by NewSupervisor for a zero or negative timeout.
	ErrInvalidTimeout = errors.New("supervisor timeout must be positive")
	// ErrTerminate marks a timeout whose container could not be confirmed stopped.
	ErrTerminate = errors.New("sandbox termination failed")
)

// RunFunc performs one sandboxed build and must honour ctx cancellation.
type RunFunc func(ctx context.Context) (Outcome, error)

// TerminateFunc stops and removes whatever RunFunc started.
type TerminateFunc func(ctx context.Context) error

// Supervisor bounds the wall-clock time of a sandboxed run.
type Supervisor struct {
	timeout time.Duration

	// Grace is the drain and termination budget after the deadline; zero means DefaultGrace.
	Grace time.Duration
}

// NewSupervisor returns a supervisor enforcing timeout.
func NewSupervisor(timeout time.Duration) (*Supervisor, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, timeout)
	}
	return &Supervisor{timeout: timeout}, nil
}

// Timeout returns the configured deadline.
func (s *Supervisor) Timeout() time.Duration { return s.timeout }

type runResult struct {
	outcome Outcome
	err     error
}

// Run races run against the deadline. When the deadline passes (or ctx is
// cancelled) the run is drained and terminate is called synchronously, so
// by the time Run returns no container started by run is left behind.
func (s *Supervisor) Run(ctx context.Context, run RunFunc, terminate TerminateFunc) (Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		out, err := run(runCtx)
		done <- runResult{outcome: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
		if res.err == nil || runCtx.Err() == nil {
			return res.outcome, res.err
		}
	case <-runCtx.Done():
		cancel()
		res = s.drain(done)
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace())
	defer cleanupCancel()
	termErr := terminate(cleanupCtx)
	if termErr != nil {
		log.Printf("sandbox termination failed: %v", termErr)
		termErr = fmt.Errorf("%w: %v", ErrTerminate, termErr)
	}

	out := Outcome{
		ExitCode: -1,
		Stdout:   res.outcome.Stdout,
		Stderr:   res.outcome.Stderr,
	}
	if err := ctx.Err(); err != nil {
		return out, errors.Join(fmt.Errorf("build cancelled: %w", err), termErr)
	}
	out.TimedOut = true
	return out, termErr
}

func (s *Supervisor) drain(done <-chan runResult) runResult {
	timer := time.NewTimer(s.grace())
	defer timer.Stop()
	select {
	case res := <-done:
		return res
	case <-timer.C:
		log.Printf("sandbox run did not return within %s of its deadline", s.grace())
		return runResult{}
	}
}

func (s *Supervisor) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGrace
}
