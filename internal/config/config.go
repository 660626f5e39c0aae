package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Container runtimes supported by the exec backends.
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen       string            `mapstructure:"listen"`
	LogLevel     string            `mapstructure:"logLevel"`
	LogFormat    string            `mapstructure:"logFormat"`
	ProjectsFile string            `mapstructure:"projectsFile"`
	LoadService  LoadServiceConfig `mapstructure:"loadService"`
	Container    ContainerConfig   `mapstructure:"container"`
	Profiling    ProfilingConfig   `mapstructure:"profiling"`
	Heartbeat    HeartbeatConfig   `mapstructure:"heartbeat"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
}

// LoadServiceConfig locates the load-generation service.
type LoadServiceConfig struct {
	URL               string        `mapstructure:"url"`
	SocketPath        string        `mapstructure:"socketPath"`
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// ContainerConfig selects and configures the container exec backend.
type ContainerConfig struct {
	Runtime        string `mapstructure:"runtime"`
	DockerEndpoint string `mapstructure:"dockerEndpoint"`
	Kubeconfig     string `mapstructure:"kubeconfig"`
	Namespace      string `mapstructure:"namespace"`
}

// ProfilingConfig configures both profiling strategies.
type ProfilingConfig struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Sampling SamplingConfig `mapstructure:"sampling"`
}

// AgentConfig drives the agent-based profiler. LaunchCommand may contain the
// {{duration}} and {{outputDir}} placeholders.
type AgentConfig struct {
	StopCommand         []string      `mapstructure:"stopCommand"`
	StartCommand        []string      `mapstructure:"startCommand"`
	LaunchCommand       []string      `mapstructure:"launchCommand"`
	OutputDir           string        `mapstructure:"outputDir"`
	ArtifactPattern     string        `mapstructure:"artifactPattern"`
	HealthPath          string        `mapstructure:"healthPath"`
	LivenessInterval    time.Duration `mapstructure:"livenessInterval"`
	LivenessAttempts    int           `mapstructure:"livenessAttempts"`
	PollInterval        time.Duration `mapstructure:"pollInterval"`
	MaxPollAttempts     int           `mapstructure:"maxPollAttempts"`
	UnsupportedVersions []string      `mapstructure:"unsupportedVersions"`
}

// SamplingConfig drives the sampling profiler.
type SamplingConfig struct {
	SocketPath string `mapstructure:"socketPath"`
}

// HeartbeatConfig sets the heartbeat period.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig configures calls to the application's metrics API.
type MetricsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9095"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.ProjectsFile == "" {
		c.ProjectsFile = "projects.yaml"
	}

	if c.LoadService.URL == "" {
		c.LoadService.URL = "http://localhost:9090"
	}
	if c.LoadService.SocketPath == "" {
		c.LoadService.SocketPath = "/socket"
	}
	if c.LoadService.ReconnectInterval <= 0 {
		c.LoadService.ReconnectInterval = 5 * time.Second
	}
	if c.LoadService.Timeout <= 0 {
		c.LoadService.Timeout = 10 * time.Second
	}

	if c.Container.Runtime == "" {
		c.Container.Runtime = RuntimeDocker
	}
	if c.Container.DockerEndpoint == "" {
		c.Container.DockerEndpoint = "unix:///var/run/docker.sock"
	}
	if c.Container.Namespace == "" {
		c.Container.Namespace = "default"
	}

	c.Profiling.Agent.ApplyDefaults()
	if c.Profiling.Sampling.SocketPath == "" {
		c.Profiling.Sampling.SocketPath = "/appmetrics-dash/socket"
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 2 * time.Second
	}
	if c.Metrics.Timeout <= 0 {
		c.Metrics.Timeout = 30 * time.Second
	}
}

// ApplyDefaults fills zero-valued agent settings with their defaults.
func (a *AgentConfig) ApplyDefaults() {
	if len(a.StopCommand) == 0 {
		a.StopCommand = []string{"/opt/ol/wlp/bin/server", "stop"}
	}
	if len(a.StartCommand) == 0 {
		a.StartCommand = []string{"/opt/ol/wlp/bin/server", "start"}
	}
	if len(a.LaunchCommand) == 0 {
		a.LaunchCommand = []string{"/opt/ol/java/bin/hc-agent", "--duration", "{{duration}}", "--output", "{{outputDir}}"}
	}
	if a.OutputDir == "" {
		a.OutputDir = "/home/default/app/load-test"
	}
	if a.ArtifactPattern == "" {
		a.ArtifactPattern = "*.hcd"
	}
	if a.HealthPath == "" {
		a.HealthPath = "/health"
	}
	if a.LivenessInterval <= 0 {
		a.LivenessInterval = 5 * time.Second
	}
	if a.LivenessAttempts <= 0 {
		a.LivenessAttempts = 12
	}
	if a.PollInterval <= 0 {
		a.PollInterval = 3 * time.Second
	}
	if a.MaxPollAttempts <= 0 {
		a.MaxPollAttempts = 20
	}
	if a.UnsupportedVersions == nil {
		a.UnsupportedVersions = []string{"8.0.5.27"}
	}
}

// Load reads the daemon configuration. An empty path searches for
// loadrunner.yaml in the working directory and /etc/loadrunner; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOADRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loadrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loadrunner")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every scalar key so that environment overrides are
// visible to Unmarshal even when the key is absent from the file.
func bindDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logFormat", d.LogFormat)
	v.SetDefault("projectsFile", d.ProjectsFile)
	v.SetDefault("loadService.url", d.LoadService.URL)
	v.SetDefault("loadService.socketPath", d.LoadService.SocketPath)
	v.SetDefault("loadService.reconnectInterval", d.LoadService.ReconnectInterval)
	v.SetDefault("loadService.timeout", d.LoadService.Timeout)
	v.SetDefault("container.runtime", d.Container.Runtime)
	v.SetDefault("container.dockerEndpoint", d.Container.DockerEndpoint)
	v.SetDefault("container.kubeconfig", d.Container.Kubeconfig)
	v.SetDefault("container.namespace", d.Container.Namespace)
	v.SetDefault("profiling.agent.outputDir", d.Profiling.Agent.OutputDir)
	v.SetDefault("profiling.agent.healthPath", d.Profiling.Agent.HealthPath)
	v.SetDefault("profiling.sampling.socketPath", d.Profiling.Sampling.SocketPath)
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("metrics.timeout", d.Metrics.Timeout)
}

// Validate checks the daemon configuration.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	switch c.Container.Runtime {
	case RuntimeDocker, RuntimeKubernetes:
	default:
		errs.Add("container.runtime", "must be one of: docker, kubernetes")
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs.Add("logFormat", "must be one of: text, json")
	}

	if !strings.HasPrefix(c.LoadService.URL, "http://") && !strings.HasPrefix(c.LoadService.URL, "https://") {
		errs.Add("loadService.url", "must be an http or https URL")
	}

	if c.Profiling.Agent.MaxPollAttempts < 1 {
		errs.Add("profiling.agent.maxPollAttempts", "must be at least 1")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
