package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Input         string          `mapstructure:"input" yaml:"input"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	LogDir        string          `mapstructure:"log_dir" yaml:"log_dir"`
	EvalLogDir    string          `mapstructure:"eval_log_dir" yaml:"eval_log_dir"`
	AuditDir      string          `mapstructure:"audit_dir" yaml:"audit_dir"`
	Runtime       RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Container     ContainerConfig `mapstructure:"container" yaml:"container"`
	Budget        BudgetConfig    `mapstructure:"budget" yaml:"budget"`
	Probe         ProbeConfig     `mapstructure:"probe" yaml:"probe"`
	Harness       HarnessConfig   `mapstructure:"harness" yaml:"harness"`
	Metrics       MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// RuntimeConfig selects and configures the container engine.
type RuntimeConfig struct {
	Kind               string       `mapstructure:"kind" yaml:"kind"`
	Pull               bool         `mapstructure:"pull" yaml:"pull"`
	PullTimeoutMinutes int          `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	StopTimeoutSeconds int          `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	Docker             DockerConfig `mapstructure:"docker" yaml:"docker"`
	Podman             PodmanConfig `mapstructure:"podman" yaml:"podman"`
}

// DockerConfig configures the docker engine endpoint.
type DockerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
}

// PodmanConfig configures the podman runtime endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// ContainerConfig shapes every workload container.
type ContainerConfig struct {
	NamePrefix   string `mapstructure:"name_prefix" yaml:"name_prefix"`
	InternalPort int    `mapstructure:"internal_port" yaml:"internal_port"`
	BasePort     int    `mapstructure:"base_port" yaml:"base_port"`
	TokenEnv     string `mapstructure:"token_env" yaml:"token_env"`
	Token        string `mapstructure:"token" yaml:"token"`
	MemoryLimit  string `mapstructure:"memory_limit" yaml:"memory_limit"`
}

// BudgetConfig bounds the fleet.
type BudgetConfig struct {
	Memory              string `mapstructure:"memory" yaml:"memory"`
	MaxContainers       int    `mapstructure:"max_containers" yaml:"max_containers"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
}

// ProbeConfig configures readiness probing.
type ProbeConfig struct {
	Host                  string `mapstructure:"host" yaml:"host"`
	Path                  string `mapstructure:"path" yaml:"path"`
	Task                  string `mapstructure:"task" yaml:"task"`
	Attempts              int    `mapstructure:"attempts" yaml:"attempts"`
	BackoffSeconds        int    `mapstructure:"backoff_seconds" yaml:"backoff_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// HarnessConfig configures the evaluation subprocess.
type HarnessConfig struct {
	Command       string `mapstructure:"command" yaml:"command"`
	Dir           string `mapstructure:"dir" yaml:"dir"`
	IdentityFlag  string `mapstructure:"identity_flag" yaml:"identity_flag"`
	PortFlag      string `mapstructure:"port_flag" yaml:"port_flag"`
	CounterFlag   string `mapstructure:"counter_flag" yaml:"counter_flag"`
	FatalExitCode int    `mapstructure:"fatal_exit_code" yaml:"fatal_exit_code"`
	CounterStart  int64  `mapstructure:"counter_start" yaml:"counter_start"`
	AbortInflight bool   `mapstructure:"abort_inflight" yaml:"abort_inflight"`
}

// MetricsConfig configures the optional metrics listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// PollInterval returns the admission poll interval.
func (b BudgetConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// Backoff returns the delay between probe attempts.
func (p ProbeConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffSeconds) * time.Second
}

// RequestTimeout returns the per-request probe timeout.
func (p ProbeConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the overall probe budget.
func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// PullTimeout returns the image pull budget.
func (r RuntimeConfig) PullTimeout() time.Duration {
	return time.Duration(r.PullTimeoutMinutes) * time.Minute
}

// StopTimeout returns the grace period given to a stopping container.
func (r RuntimeConfig) StopTimeout() time.Duration {
	return time.Duration(r.StopTimeoutSeconds) * time.Second
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Input:         "workloads.tsv",
		StateDir:      filepath.Join(home, ".evalfleet", "state"),
		LogDir:        "x86_logs",
		EvalLogDir:    "x86_evaluation_logs",
		AuditDir:      ".",
		Runtime: RuntimeConfig{
			Kind:               "docker",
			Pull:               false,
			PullTimeoutMinutes: 5,
			StopTimeoutSeconds: 10,
			Docker:             DockerConfig{Host: ""},
			Podman: PodmanConfig{
				Address:    fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
				UserNSMode: "",
			},
		},
		Container: ContainerConfig{
			NamePrefix:   "evalfleet-",
			InternalPort: 8000,
			BasePort:     8000,
			TokenEnv:     "AIPROXY_TOKEN",
			Token:        "$AIPROXY_TOKEN",
			MemoryLimit:  "",
		},
		Budget: BudgetConfig{
			Memory:              "7GiB",
			MaxContainers:       100,
			PollIntervalSeconds: 2,
		},
		Probe: ProbeConfig{
			Host:                  "127.0.0.1",
			Path:                  "/run",
			Task:                  "Say Hello Carlton",
			Attempts:              5,
			BackoffSeconds:        30,
			RequestTimeoutSeconds: 20,
			TimeoutSeconds:        300,
		},
		Harness: HarnessConfig{
			Command:       "uv run evaluate.py",
			Dir:           "",
			IdentityFlag:  "--email",
			PortFlag:      "--external_port",
			CounterFlag:   "--token_counter",
			FatalExitCode: 244,
			CounterStart:  0,
			AbortInflight: false,
		},
		Metrics: MetricsConfig{Addr: ""},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".evalfleet", "config.yaml"), nil
}
