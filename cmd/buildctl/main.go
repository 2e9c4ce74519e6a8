package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/contractbuild/backend/pkg/builder"
	"github.com/vyvo/contractbuild/backend/pkg/config"
	"github.com/vyvo/contractbuild/backend/pkg/filestore"
	"github.com/vyvo/contractbuild/backend/pkg/result"
	"github.com/vyvo/contractbuild/backend/pkg/status"
)

// errBuildFailed is returned after an unsuccessful build has been reported.
var errBuildFailed = errors.New("build failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("interrupted: %v", err)
			os.Exit(130)
		}
		if !errors.Is(err, errBuildFailed) {
			log.Printf("buildctl: %v", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "buildctl",
		Short:         "Build smart contract projects in an isolated sandbox",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newSubmitCommand(), newLocalCommand(), newStatusCommand())
	return root
}

func newSubmitCommand() *cobra.Command {
	var (
		server string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "submit <project-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Ask a running builder service to build a stored project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			res, err := submit(cmd.Context(), server, projectID)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), res, out)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:3000", "Builder service base URL")
	cmd.Flags().StringVar(&out, "out", "", "Write the artifact to this path (defaults to its own name in the current directory)")
	return cmd
}

func newLocalCommand() *cobra.Command {
	var (
		image   string
		timeout int
		out     string
	)

	cmd := &cobra.Command{
		Use:   "local <dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Build a project directory with the local docker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			sb := config.DefaultSandbox()
			sb.RunnerImage = image
			d, err := config.TimeoutFromSeconds(timeout)
			if err != nil {
				return err
			}
			sb.BuildTimeout = d
			sb.MaxConcurrentBuilds = 1

			orch, err := builder.NewFromConfig(filestore.Dir{Root: args[0]}, sb, nil)
			if err != nil {
				return err
			}
			return buildLocal(cmd.Context(), orch, filepath.Base(args[0]), cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&image, "image", config.DefaultRunnerImage, "Runner image")
	cmd.Flags().IntVar(&timeout, "timeout", config.DefaultBuildTimeoutSeconds, "Build timeout in seconds")
	cmd.Flags().StringVar(&out, "out", "", "Write the artifact to this path (defaults to its own name in the current directory)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var (
		redisURL string
		project  bool
		limit    int64
	)

	cmd := &cobra.Command{
		Use:   "status <build-id|project-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the last published state of a build, or the recent builds of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := status.NewPublisher(redisURL)
			if err != nil {
				return err
			}
			defer pub.Close()

			w := cmd.OutOrStdout()
			if project {
				ids, err := pub.Recent(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
				return nil
			}

			b, err := pub.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		},
	}

	cmd.Flags().StringVar(&redisURL, "redis", "redis://localhost:6379/0", "Redis URL the builder publishes to")
	cmd.Flags().BoolVar(&project, "project", false, "Treat the argument as a project id and list its recent builds")
	cmd.Flags().Int64Var(&limit, "limit", 10, "Number of recent builds to list")
	return cmd
}

type projectBuilder interface {
	Build(ctx context.Context, projectID string) (builder.Report, error)
}

// buildLocal runs one build and reports it. An interrupted build is returned
// as the context error rather than as a failed build.
func buildLocal(ctx context.Context, b projectBuilder, projectID string, w io.Writer, out string) error {
	rep, err := b.Build(ctx, projectID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("local build interrupted: %w", ctxErr)
	}
	if err != nil {
		return err
	}
	return report(w, rep.Result, out)
}

func submit(ctx context.Context, server, projectID string) (result.BuildResult, error) {
	endpoint := fmt.Sprintf("%s/api/projects/%s/build", strings.TrimSuffix(server, "/"), projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return result.BuildResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	// The server holds the request for the whole build.
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return result.BuildResult{}, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return result.BuildResult{}, fmt.Errorf("builder returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var res result.BuildResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return result.BuildResult{}, fmt.Errorf("decode build result: %w", err)
	}
	if id := resp.Header.Get("X-Build-ID"); id != "" {
		log.Printf("build %s", id)
	}
	return res, nil
}

// report prints the build logs and message and saves the artifact, if any.
func report(w io.Writer, res result.BuildResult, out string) error {
	if res.Logs != "" {
		fmt.Fprintln(w, res.Logs)
	}
	if res.Message != nil {
		fmt.Fprintln(w, *res.Message)
	}
	if !res.Success {
		return errBuildFailed
	}

	data, err := res.Decode()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if out == "" {
		out = artifactName(res)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	fmt.Fprintf(w, "wrote %d bytes to %s\n", len(data), out)
	return nil
}

func artifactName(res result.BuildResult) string {
	const prefix = "Built successfully: "
	if res.Message != nil && strings.HasPrefix(*res.Message, prefix) {
		if name := filepath.Base(strings.TrimPrefix(*res.Message, prefix)); name != "." && name != "/" {
			return name
		}
	}
	return "contract.wasm"
}
