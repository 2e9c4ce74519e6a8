package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultRunnerImage is the container image used when RUNNER_IMAGE is unset.
	DefaultRunnerImage = "soroban-runner"
	// DefaultBuildTimeoutSeconds bounds a build when BUILD_TIMEOUT_SECONDS is unset or not a number.
	DefaultBuildTimeoutSeconds = 90
)

// ErrInvalidTimeout is returned when the configured build timeout is zero or negative.
var ErrInvalidTimeout = errors.New("build timeout must be positive")

// SandboxConfig controls how a single build is staged, run and harvested.
type SandboxConfig struct {
	RunnerImage         string        `mapstructure:"runner_image"`
	DockerBinary        string        `mapstructure:"docker_binary"`
	Memory              string        `mapstructure:"sandbox_memory"`
	CPUs                string        `mapstructure:"sandbox_cpus"`
	PidsLimit           int           `mapstructure:"sandbox_pids_limit"`
	Network             string        `mapstructure:"sandbox_network"`
	BuildUser           string        `mapstructure:"build_user"`
	BuildCommand        string        `mapstructure:"build_command"`
	ArtifactDir         string        `mapstructure:"artifact_dir"`
	ArtifactExtension   string        `mapstructure:"artifact_extension"`
	DepfileMarker       string        `mapstructure:"depfile_marker"`
	WorkspaceRoot       string        `mapstructure:"workspace_root"`
	MaxConcurrentBuilds int           `mapstructure:"max_concurrent_builds"`
	BuildTimeout        time.Duration `mapstructure:"-"`
}

// BuilderConfig captures runtime settings for the builder service.
type BuilderConfig struct {
	ListenAddr       string  `mapstructure:"builder_addr"`
	SupabaseURL      string  `mapstructure:"supabase_url"`
	SupabaseKey      string  `mapstructure:"supabase_service_role_key"`
	DatabaseURL      string  `mapstructure:"builder_database_url"`
	RedisURL         string  `mapstructure:"builder_redis_url"`
	RetainedBuilds   int     `mapstructure:"builder_retained_builds"`
	Tracing          bool    `mapstructure:"builder_tracing"`
	TraceSampleRatio float64 `mapstructure:"builder_trace_sample_ratio"`

	Sandbox SandboxConfig `mapstructure:",squash"`
}

// DefaultSandbox returns the sandbox settings used when nothing is configured.
func DefaultSandbox() SandboxConfig {
	return SandboxConfig{
		RunnerImage:         DefaultRunnerImage,
		DockerBinary:        "docker",
		Memory:              "2g",
		CPUs:                "2",
		PidsLimit:           512,
		BuildUser:           "runner",
		BuildCommand:        "/home/runner/.cargo/bin/cargo build --target wasm32-unknown-unknown --release",
		ArtifactDir:         "target/wasm32-unknown-unknown/release",
		ArtifactExtension:   ".wasm",
		DepfileMarker:       ".d",
		MaxConcurrentBuilds: 4,
		BuildTimeout:        DefaultBuildTimeoutSeconds * time.Second,
	}
}

// LoadBuilder loads builder configuration from defaults, files, and env vars.
func LoadBuilder() (BuilderConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return BuilderConfig{}, fmt.Errorf("load config: %w", err)
		}
	}
	return loadBuilder(v)
}

func loadBuilder(v *viper.Viper) (BuilderConfig, error) {
	def := DefaultSandbox()
	v.SetDefault("builder_addr", ":3000")
	v.SetDefault("supabase_url", "")
	v.SetDefault("supabase_service_role_key", "")
	v.SetDefault("builder_database_url", "")
	v.SetDefault("builder_redis_url", "")
	v.SetDefault("builder_retained_builds", 256)
	v.SetDefault("builder_tracing", false)
	v.SetDefault("builder_trace_sample_ratio", 1.0)
	v.SetDefault("runner_image", def.RunnerImage)
	v.SetDefault("docker_binary", def.DockerBinary)
	v.SetDefault("sandbox_memory", def.Memory)
	v.SetDefault("sandbox_cpus", def.CPUs)
	v.SetDefault("sandbox_pids_limit", def.PidsLimit)
	v.SetDefault("sandbox_network", "")
	v.SetDefault("build_user", def.BuildUser)
	v.SetDefault("build_command", def.BuildCommand)
	v.SetDefault("artifact_dir", def.ArtifactDir)
	v.SetDefault("artifact_extension", def.ArtifactExtension)
	v.SetDefault("depfile_marker", def.DepfileMarker)
	v.SetDefault("workspace_root", "")
	v.SetDefault("max_concurrent_builds", def.MaxConcurrentBuilds)
	v.SetDefault("build_timeout_seconds", "")

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	timeout, err := ParseTimeout(v.GetString("build_timeout_seconds"))
	if err != nil {
		return BuilderConfig{}, err
	}
	cfg.Sandbox.BuildTimeout = timeout

	cfg.SupabaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.SupabaseURL), "/")
	if cfg.SupabaseURL == "" || strings.TrimSpace(cfg.SupabaseKey) == "" {
		return BuilderConfig{}, errors.New("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	if cfg.RetainedBuilds <= 0 {
		return BuilderConfig{}, fmt.Errorf("builder_retained_builds must be positive, got %d", cfg.RetainedBuilds)
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return BuilderConfig{}, fmt.Errorf("builder_trace_sample_ratio must be within [0, 1], got %g", cfg.TraceSampleRatio)
	}
	if cfg.Sandbox.MaxConcurrentBuilds <= 0 {
		return BuilderConfig{}, fmt.Errorf("max_concurrent_builds must be positive, got %d", cfg.Sandbox.MaxConcurrentBuilds)
	}
	return cfg, nil
}

// ParseTimeout converts a BUILD_TIMEOUT_SECONDS value into a duration.
// Empty or non-numeric input yields the default; zero or negative input is rejected.
func ParseTimeout(raw string) (time.Duration, error) {
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultBuildTimeoutSeconds * time.Second, nil
	}
	return TimeoutFromSeconds(secs)
}

// TimeoutFromSeconds validates a timeout expressed in whole seconds.
func TimeoutFromSeconds(secs int) (time.Duration, error) {
	if secs <= 0 {
		return 0, fmt.Errorf("%w: %d seconds", ErrInvalidTimeout, secs)
	}
	return time.Duration(secs) * time.Second, nil
}
