package builder

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vyvo/contractbuild/backend/pkg/artifact"
	"github.com/vyvo/contractbuild/backend/pkg/result"
	"github.com/vyvo/contractbuild/backend/pkg/sandbox"
	"github.com/vyvo/contractbuild/backend/pkg/workspace"
)

// FileLister returns the ordered source files of a project.
type FileLister interface {
	ListProjectFiles(ctx context.Context, projectID string) ([]workspace.SourceFile, error)
}

// Sandbox runs and terminates build containers.
type Sandbox interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.Outcome, error)
	Terminate(ctx context.Context, spec sandbox.RunSpec) error
}

// Options configures an Orchestrator.
type Options struct {
	Image         string
	Artifact      artifact.Spec
	MaxConcurrent int64
	History       *History
}

// Orchestrator drives one build from file fetch to assembled result.
type Orchestrator struct {
	files      FileLister
	stager     *workspace.Stager
	sandbox    Sandbox
	supervisor *sandbox.Supervisor
	image      string
	artifact   artifact.Spec
	gate       *semaphore.Weighted
	history    *History
	tracer     trace.Tracer
	newID      func() string
}

// Report is the outcome of Build: the id under which the build was recorded and its result.
type Report struct {
	ID     string
	Result result.BuildResult
}

func NewOrchestrator(files FileLister, stager *workspace.Stager, sb Sandbox, sup *sandbox.Supervisor, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.History == nil {
		opts.History = NewHistory(nil, nil, nil)
	}
	return &Orchestrator{
		files:      files,
		stager:     stager,
		sandbox:    sb,
		supervisor: sup,
		image:      opts.Image,
		artifact:   opts.Artifact,
		gate:       semaphore.NewWeighted(opts.MaxConcurrent),
		history:    opts.History,
		tracer:     otel.Tracer("github.com/vyvo/contractbuild/backend/pkg/builder"),
		newID:      uuid.NewString,
	}
}

// History returns the build history the orchestrator records into.
func (o *Orchestrator) History() *History { return o.history }

// Build fetches, stages, compiles and harvests one project.
// Build failures are reported in the result; only fetch, staging and
// cancellation failures are returned as *Error.
func (o *Orchestrator) Build(ctx context.Context, projectID string) (Report, error) {
	id := o.newID()
	ctx, span := o.tracer.Start(ctx, "build", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("build.id", id),
	))
	defer span.End()

	now := time.Now().UTC()
	o.history.start(ctx, Build{
		ID:          id,
		ProjectID:   projectID,
		RunnerImage: o.image,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	})

	fail := func(kind ErrorKind, err error) (Report, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		o.history.finish(ctx, id, Completion{Status: StatusFailed, Error: err.Error()}, "")
		return Report{ID: id}, &Error{Kind: kind, BuildID: id, Err: err}
	}

	files, err := o.fetch(ctx, projectID)
	if err != nil {
		return fail(KindFetch, err)
	}
	if len(files) == 0 {
		res := result.NoFiles()
		o.history.finish(ctx, id, Completion{Status: StatusFailed, Message: *res.Message}, "")
		return Report{ID: id, Result: res}, nil
	}
	o.history.appendLog(id, fmt.Sprintf("fetched %d files", len(files)))

	ws, err := o.stage(ctx, files)
	if err != nil {
		return fail(KindWorkspace, err)
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Printf("build %s: %v", id, err)
		}
	}()

	if err := o.gate.Acquire(ctx, 1); err != nil {
		return fail(KindCancelled, fmt.Errorf("wait for build slot: %w", err))
	}
	o.history.updateStatus(ctx, id, StatusRunning)
	outcome, runErr := o.runSandbox(ctx, id, projectID, ws)
	o.gate.Release(1)

	found, sel := o.locate(ctx, id, ws)
	res := result.Assemble(result.Input{
		Outcome:   outcome,
		Artifact:  found,
		Selection: sel,
		RunErr:    runErr,
		Timeout:   o.supervisor.Timeout(),
	})

	c := Completion{Status: completionStatus(outcome, res)}
	if res.Message != nil {
		c.Message = *res.Message
	}
	if res.Success {
		c.ArtifactName = found.Filename
		c.ArtifactDigest = found.Digest()
		o.history.appendLog(id, fmt.Sprintf("artifact %s %s (%d bytes)", found.Filename, c.ArtifactDigest, len(found.Bytes)))
	}
	if runErr != nil {
		c.Error = runErr.Error()
	}
	span.SetAttributes(attribute.Bool("build.success", res.Success), attribute.String("build.status", string(c.Status)))
	o.history.finish(ctx, id, c, res.Logs)
	return Report{ID: id, Result: res}, nil
}

func (o *Orchestrator) fetch(ctx context.Context, projectID string) ([]workspace.SourceFile, error) {
	ctx, span := o.tracer.Start(ctx, "build.fetch")
	defer span.End()
	files, err := o.files.ListProjectFiles(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("files.count", len(files)))
	return files, nil
}

func (o *Orchestrator) stage(ctx context.Context, files []workspace.SourceFile) (*workspace.Workspace, error) {
	_, span := o.tracer.Start(ctx, "build.stage")
	defer span.End()
	ws, err := o.stager.Stage(files)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return ws, nil
}

func (o *Orchestrator) runSandbox(ctx context.Context, id, projectID string, ws *workspace.Workspace) (sandbox.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "build.sandbox", trace.WithAttributes(attribute.String("sandbox.image", o.image)))
	defer span.End()

	spec := sandbox.RunSpec{
		Workspace: ws.Dir(),
		Image:     o.image,
		Name:      "build-" + id,
		Labels: map[string]string{
			"contractbuild.build-id":   id,
			"contractbuild.project-id": projectID,
		},
	}
	o.history.appendLog(id, fmt.Sprintf("starting sandbox %s (%s)", spec.Name, o.image))

	outcome, err := o.supervisor.Run(ctx,
		func(ctx context.Context) (sandbox.Outcome, error) { return o.sandbox.Run(ctx, spec) },
		func(ctx context.Context) error { return o.sandbox.Terminate(ctx, spec) },
	)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Bool("sandbox.timed_out", outcome.TimedOut), attribute.Int("sandbox.exit_code", outcome.ExitCode))
	return outcome, err
}

func (o *Orchestrator) locate(ctx context.Context, id string, ws *workspace.Workspace) (*artifact.Artifact, artifact.Selection) {
	_, span := o.tracer.Start(ctx, "build.locate")
	defer span.End()
	found, sel, err := artifact.Locate(ws.Dir(), o.artifact)
	if err != nil {
		span.RecordError(err)
		log.Printf("build %s: locate artifact: %v", id, err)
		o.history.appendLog(id, fmt.Sprintf("locate artifact: %v", err))
		return nil, artifact.Selection{}
	}
	if sel.Ambiguous() {
		log.Printf("build %s: %d artifacts qualified, selected %s", id, len(sel.Candidates), sel.Chosen)
	}
	return found, sel
}

func completionStatus(outcome sandbox.Outcome, res result.BuildResult) Status {
	switch {
	case res.Success:
		return StatusSucceeded
	case outcome.TimedOut:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}
