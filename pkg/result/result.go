// Package result turns a sandbox outcome and located artifact into the
// response returned to API callers.
package result

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vyvo/contractbuild/backend/pkg/artifact"
	"github.com/vyvo/contractbuild/backend/pkg/sandbox"
)

const (
	MessageNoFiles    = "No files found for this project"
	MessageNoArtifact = "Build succeeded but no artifact found"
)

// BuildResult is the response body of a build request.
type BuildResult struct {
	Success        bool    `json:"success"`
	Logs           string  `json:"logs"`
	ArtifactBase64 *string `json:"wasm_base64"`
	Message        *string `json:"message"`
}

// Input gathers everything known about a finished build.
type Input struct {
	Outcome   sandbox.Outcome
	Artifact  *artifact.Artifact
	Selection artifact.Selection
	// RunErr is the error returned by the supervised run, if any.
	RunErr  error
	Timeout time.Duration
}

// NoFiles is the result for a project without source files.
func NoFiles() BuildResult {
	return BuildResult{Message: stringPtr(MessageNoFiles)}
}

// Assemble builds the final result. Success requires both a clean exit and an artifact.
func Assemble(in Input) BuildResult {
	out := in.Outcome

	if in.RunErr != nil && !out.TimedOut {
		return BuildResult{Logs: fmt.Sprintf("Docker command failed: %v", in.RunErr)}
	}

	var logs strings.Builder
	if out.TimedOut {
		fmt.Fprintf(&logs, "Build timed out after %s seconds\n\n", seconds(in.Timeout))
		if in.RunErr != nil {
			fmt.Fprintf(&logs, "%v\n\n", in.RunErr)
		}
	}
	fmt.Fprintf(&logs, "status: %s\n\nstdout:\n%s\n\nstderr:\n%s", out.Status(), out.Stdout, out.Stderr)

	res := BuildResult{}
	if out.ExitSucceeded && !out.TimedOut {
		if in.Artifact == nil {
			res.Message = stringPtr(MessageNoArtifact)
		} else {
			res.Success = true
			fmt.Fprintf(&logs, "\n\nFound artifact: %s", in.Artifact.Filename)
			if in.Selection.Ambiguous() {
				fmt.Fprintf(&logs, "\nMultiple artifacts qualified (%s); selected %s",
					strings.Join(in.Selection.Candidates, ", "), in.Artifact.Filename)
			}
			res.ArtifactBase64 = stringPtr(base64.StdEncoding.EncodeToString(in.Artifact.Bytes))
			res.Message = stringPtr(fmt.Sprintf("Built successfully: %s", in.Artifact.Filename))
		}
	}
	res.Logs = logs.String()
	return res
}

// Decode returns the artifact bytes carried by r, or nil when there are none.
func (r BuildResult) Decode() ([]byte, error) {
	if r.ArtifactBase64 == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(*r.ArtifactBase64)
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return data, nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func stringPtr(s string) *string { return &s }
