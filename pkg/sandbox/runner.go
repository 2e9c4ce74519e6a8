// Package sandbox runs builds inside ephemeral docker containers and bounds
// their wall-clock time.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Outcome is the raw result of one sandboxed build process.
type Outcome struct {
	ExitSucceeded bool
	ExitCode      int
	Stdout        string
	Stderr        string
	TimedOut      bool
}

// Status renders the process exit status for build logs.
func (o Outcome) Status() string {
	switch {
	case o.TimedOut:
		return "timed out"
	case o.ExitCode < 0:
		return "terminated by signal"
	default:
		return fmt.Sprintf("exit status %d", o.ExitCode)
	}
}

// LaunchError reports that the container runtime could not be started at all.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch sandbox: %v", e.Err) }

func (e *LaunchError) Unwrap() error { return e.Err }

// RunSpec identifies one container invocation.
type RunSpec struct {
	Workspace string
	Image     string
	Name      string
	Labels    map[string]string
}

// Options configures the docker invocation shared by all builds.
type Options struct {
	Binary       string
	Memory       string
	CPUs         string
	PidsLimit    int
	Network      string
	User         string
	BuildCommand string
	OutputDir    string
	Extension    string
}

// DockerRunner launches builds with the docker CLI.
type DockerRunner struct {
	opts Options
}

// NewDockerRunner returns a runner using opts, filling in the docker binary and build user when empty.
func NewDockerRunner(opts Options) *DockerRunner {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.User == "" {
		opts.User = "runner"
	}
	return &DockerRunner{opts: opts}
}

// Args returns the docker CLI arguments for spec.
func (r *DockerRunner) Args(spec RunSpec) []string {
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"--user", "root",
		"--entrypoint", "bash",
		"-v", fmt.Sprintf("%s:%s", spec.Workspace, MountPath),
		"-w", MountPath,
	}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	if r.opts.Memory != "" {
		args = append(args, "--memory", r.opts.Memory)
	}
	if r.opts.CPUs != "" {
		args = append(args, "--cpus", r.opts.CPUs)
	}
	if r.opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(r.opts.PidsLimit))
	}
	if r.opts.Network != "" {
		args = append(args, "--network", r.opts.Network)
	}
	args = append(args,
		"-e", fmt.Sprintf("%s=%s", buildScriptEnv, userScript(r.opts.BuildCommand, r.opts.OutputDir, r.opts.Extension)),
		spec.Image,
		"-c", rootScript(r.opts.User),
	)
	return args
}

// Run executes the build container and blocks until it exits or ctx is done.
// A non-zero exit is reported in the Outcome; only a failure to start the
// docker binary is returned as an error.
func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (Outcome, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.opts.Binary, r.Args(spec)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return Outcome{}, &LaunchError{Err: err}
	}
	err := cmd.Wait()

	out := Outcome{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		out.ExitSucceeded = true
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, fmt.Errorf("wait for sandbox: %w", err)
}

// Terminate force-removes the container started for spec, confirms it is gone
// and hands the workspace back to the service's identity. A killed container
// never runs its exit trap, so ownership is restored by a separate short-lived
// container. Restoration is skipped when spec carries no workspace or image.
func (r *DockerRunner) Terminate(ctx context.Context, spec RunSpec) error {
	// rm -f fails when --rm already reaped the container; the check below decides.
	_ = exec.CommandContext(ctx, r.opts.Binary, "rm", "-f", spec.Name).Run()

	var errs []error
	if err := r.confirmRemoved(ctx, spec.Name); err != nil {
		errs = append(errs, err)
	}
	if spec.Workspace != "" && spec.Image != "" {
		args := r.RestoreArgs(spec, os.Getuid(), os.Getgid())
		if out, err := exec.CommandContext(ctx, r.opts.Binary, args...).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("restore workspace ownership: %w: %s", err, strings.TrimSpace(string(out))))
		}
	}
	return errors.Join(errs...)
}

// RestoreArgs returns the docker CLI arguments that chown the workspace of
// spec back to uid:gid.
func (r *DockerRunner) RestoreArgs(spec RunSpec, uid, gid int) []string {
	return []string{
		"run", "--rm",
		"--name", spec.Name + "-restore",
		"--network", "none",
		"--user", "root",
		"--entrypoint", "chown",
		"-v", fmt.Sprintf("%s:%s", spec.Workspace, MountPath),
		spec.Image,
		"-R", fmt.Sprintf("%d:%d", uid, gid), MountPath,
	}
}

func (r *DockerRunner) confirmRemoved(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, r.opts.Binary, "ps", "-aq", "--filter", fmt.Sprintf("name=^/?%s$", name)).Output()
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", name, err)
	}
	if ids := strings.TrimSpace(string(out)); ids != "" {
		return fmt.Errorf("container %s still present after removal: %s", name, ids)
	}
	return nil
}
