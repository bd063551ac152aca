package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/evalfleet/internal/shipohoy"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EVALFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("input", cfg.Input)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("log_dir", cfg.LogDir)
	v.SetDefault("eval_log_dir", cfg.EvalLogDir)
	v.SetDefault("audit_dir", cfg.AuditDir)
	v.SetDefault("runtime.kind", cfg.Runtime.Kind)
	v.SetDefault("runtime.pull", cfg.Runtime.Pull)
	v.SetDefault("runtime.pull_timeout_minutes", cfg.Runtime.PullTimeoutMinutes)
	v.SetDefault("runtime.stop_timeout_seconds", cfg.Runtime.StopTimeoutSeconds)
	v.SetDefault("runtime.docker.host", cfg.Runtime.Docker.Host)
	v.SetDefault("runtime.podman.address", cfg.Runtime.Podman.Address)
	v.SetDefault("runtime.podman.userns_mode", cfg.Runtime.Podman.UserNSMode)
	v.SetDefault("container.name_prefix", cfg.Container.NamePrefix)
	v.SetDefault("container.internal_port", cfg.Container.InternalPort)
	v.SetDefault("container.base_port", cfg.Container.BasePort)
	v.SetDefault("container.token_env", cfg.Container.TokenEnv)
	v.SetDefault("container.token", cfg.Container.Token)
	v.SetDefault("container.memory_limit", cfg.Container.MemoryLimit)
	v.SetDefault("budget.memory", cfg.Budget.Memory)
	v.SetDefault("budget.max_containers", cfg.Budget.MaxContainers)
	v.SetDefault("budget.poll_interval_seconds", cfg.Budget.PollIntervalSeconds)
	v.SetDefault("probe.host", cfg.Probe.Host)
	v.SetDefault("probe.path", cfg.Probe.Path)
	v.SetDefault("probe.task", cfg.Probe.Task)
	v.SetDefault("probe.attempts", cfg.Probe.Attempts)
	v.SetDefault("probe.backoff_seconds", cfg.Probe.BackoffSeconds)
	v.SetDefault("probe.request_timeout_seconds", cfg.Probe.RequestTimeoutSeconds)
	v.SetDefault("probe.timeout_seconds", cfg.Probe.TimeoutSeconds)
	v.SetDefault("harness.command", cfg.Harness.Command)
	v.SetDefault("harness.dir", cfg.Harness.Dir)
	v.SetDefault("harness.identity_flag", cfg.Harness.IdentityFlag)
	v.SetDefault("harness.port_flag", cfg.Harness.PortFlag)
	v.SetDefault("harness.counter_flag", cfg.Harness.CounterFlag)
	v.SetDefault("harness.fatal_exit_code", cfg.Harness.FatalExitCode)
	v.SetDefault("harness.counter_start", cfg.Harness.CounterStart)
	v.SetDefault("harness.abort_inflight", cfg.Harness.AbortInflight)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}
	switch v.GetString("runtime.kind") {
	case "docker":
	case "podman":
		if strings.TrimSpace(v.GetString("runtime.podman.address")) == "" {
			return Config{}, fmt.Errorf("runtime.podman.address is required for runtime.kind podman")
		}
	default:
		return Config{}, fmt.Errorf("unsupported runtime.kind %q", v.GetString("runtime.kind"))
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that viper cannot express.
func Validate(cfg Config) error {
	if cfg.Budget.MaxContainers <= 0 {
		return fmt.Errorf("budget.max_containers must be positive")
	}
	if cfg.Budget.PollIntervalSeconds <= 0 {
		return fmt.Errorf("budget.poll_interval_seconds must be positive")
	}
	if _, err := ParseMemory(cfg.Budget.Memory); err != nil {
		return fmt.Errorf("budget.memory: %w", err)
	}
	if strings.TrimSpace(cfg.Container.MemoryLimit) != "" {
		if _, err := ParseMemory(cfg.Container.MemoryLimit); err != nil {
			return fmt.Errorf("container.memory_limit: %w", err)
		}
	}
	if !validPort(cfg.Container.InternalPort) {
		return fmt.Errorf("container.internal_port %d out of range", cfg.Container.InternalPort)
	}
	if !validPort(cfg.Container.BasePort) {
		return fmt.Errorf("container.base_port %d out of range", cfg.Container.BasePort)
	}
	if !shipohoy.ValidNamePrefix(cfg.Container.NamePrefix) {
		return fmt.Errorf("container.name_prefix %q must start with a letter or digit and use only [a-zA-Z0-9_.-]", cfg.Container.NamePrefix)
	}
	if strings.TrimSpace(cfg.Container.TokenEnv) == "" {
		return fmt.Errorf("container.token_env is required")
	}
	if cfg.Probe.Attempts <= 0 {
		return fmt.Errorf("probe.attempts must be positive")
	}
	if cfg.Probe.BackoffSeconds < 0 || cfg.Probe.RequestTimeoutSeconds <= 0 || cfg.Probe.TimeoutSeconds <= 0 {
		return fmt.Errorf("probe timings must be positive")
	}
	if !strings.HasPrefix(cfg.Probe.Path, "/") {
		return fmt.Errorf("probe.path must start with /")
	}
	if strings.TrimSpace(cfg.Harness.Command) == "" {
		return fmt.Errorf("harness.command is required")
	}
	if cfg.Harness.FatalExitCode <= 0 || cfg.Harness.FatalExitCode > 255 {
		return fmt.Errorf("harness.fatal_exit_code %d out of range", cfg.Harness.FatalExitCode)
	}
	return nil
}

// CheckPortRange reports whether count workloads fit above basePort; the
// n-th workload (1-based) publishes basePort+n.
func CheckPortRange(basePort, count int) error {
	if count > 0 && basePort+count > 65535 {
		return fmt.Errorf("container.base_port %d leaves room for %d workloads, input has %d", basePort, 65535-basePort, count)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Input = expandEnv(cfg.Input)
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.LogDir = expandEnv(cfg.LogDir)
	cfg.EvalLogDir = expandEnv(cfg.EvalLogDir)
	cfg.AuditDir = expandEnv(cfg.AuditDir)
	cfg.Runtime.Docker.Host = expandEnv(cfg.Runtime.Docker.Host)
	cfg.Runtime.Podman.Address = expandEnv(cfg.Runtime.Podman.Address)
	cfg.Container.Token = expandSecret(cfg.Container.Token)
	cfg.Harness.Dir = expandEnv(cfg.Harness.Dir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// expandSecret resolves $VAR references; unset variables become empty so a
// literal "$AIPROXY_TOKEN" never reaches a container.
func expandSecret(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		val, _ := lookupEnv(key)
		return val
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
