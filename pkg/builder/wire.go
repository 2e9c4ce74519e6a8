package builder

import (
	"fmt"

	"github.com/vyvo/contractbuild/backend/pkg/artifact"
	"github.com/vyvo/contractbuild/backend/pkg/config"
	"github.com/vyvo/contractbuild/backend/pkg/sandbox"
	"github.com/vyvo/contractbuild/backend/pkg/workspace"
)

// NewFromConfig wires an orchestrator that runs builds through the docker CLI
// according to cfg. history may be nil.
func NewFromConfig(files FileLister, cfg config.SandboxConfig, history *History) (*Orchestrator, error) {
	sup, err := sandbox.NewSupervisor(cfg.BuildTimeout)
	if err != nil {
		return nil, fmt.Errorf("build supervisor: %w", err)
	}
	runner := sandbox.NewDockerRunner(sandbox.Options{
		Binary:       cfg.DockerBinary,
		Memory:       cfg.Memory,
		CPUs:         cfg.CPUs,
		PidsLimit:    cfg.PidsLimit,
		Network:      cfg.Network,
		User:         cfg.BuildUser,
		BuildCommand: cfg.BuildCommand,
		OutputDir:    cfg.ArtifactDir,
		Extension:    cfg.ArtifactExtension,
	})
	return NewOrchestrator(files, workspace.NewStager(cfg.WorkspaceRoot), runner, sup, Options{
		Image: cfg.RunnerImage,
		Artifact: artifact.Spec{
			Dir:           cfg.ArtifactDir,
			Extension:     cfg.ArtifactExtension,
			DepfileMarker: cfg.DepfileMarker,
		},
		MaxConcurrent: int64(cfg.MaxConcurrentBuilds),
		History:       history,
	}), nil
}
