// Package config loads runbox settings from defaults, an optional YAML file,
// and RUNBOX_* environment variables, in increasing order of precedence.
//
// Example runbox.yaml:
//
//	server:
//	  port: 8080
//	backend: docker
//	limits:
//	  wall_time: 5s
//	  memory: 256m
//	gate:
//	  limit: 4
//	  policy: wait
//	  max_wait: 10s
//	languages:
//	  - id: python
//	    image: python:3.12-alpine
//
// Every key can be overridden from the environment by upper-casing it and
// replacing dots with underscores: RUNBOX_LIMITS_WALL_TIME=10s. The bare
// PORT variable is honoured too.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/sakif/runbox/internal/auth"
	"github.com/sakif/runbox/internal/executor"
	"github.com/sakif/runbox/internal/executor/docker"
	"github.com/sakif/runbox/internal/executor/process"
	"github.com/sakif/runbox/internal/gate"
	"github.com/sakif/runbox/internal/language"
	"github.com/sakif/runbox/internal/middleware"
	"github.com/sakif/runbox/internal/workspace"
)

// Backend names.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LimitsConfig holds per-execution ceilings. Sizes accept docker-style
// suffixes ("256m", "64k").
type LimitsConfig struct {
	WallTime      time.Duration `mapstructure:"wall_time"`
	BuildWallTime time.Duration `mapstructure:"build_wall_time"`
	CPUTime       time.Duration `mapstructure:"cpu_time"`
	Memory        string        `mapstructure:"memory"`
	Output        string        `mapstructure:"output"`
	Pids          int64         `mapstructure:"pids"`
	CPUs          float64       `mapstructure:"cpus"`
	MaxCode       string        `mapstructure:"max_code"`
	MaxStdin      string        `mapstructure:"max_stdin"`
}

type GateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Policy   string        `mapstructure:"policy"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
	MaxQueue int           `mapstructure:"max_queue"`
}

type DockerConfig struct {
	User        string        `mapstructure:"user"`
	Tmpfs       string        `mapstructure:"tmpfs"`
	PullImages  bool          `mapstructure:"pull_images"`
	PullTimeout time.Duration `mapstructure:"pull_timeout"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

type ProcessConfig struct {
	Namespaces        bool          `mapstructure:"namespaces"`
	Path              string        `mapstructure:"path"`
	LimitAddressSpace bool          `mapstructure:"limit_address_space"`
	FileSize          string        `mapstructure:"file_size"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	CgroupRoot        string        `mapstructure:"cgroup_root"`
	// AllowUnboundedPids runs the process backend without a pids cap.
	AllowUnboundedPids bool `mapstructure:"allow_unbounded_pids"`
}

type WorkspaceConfig struct {
	Root          string        `mapstructure:"root"`
	FSTimeout     time.Duration `mapstructure:"fs_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// StaleAfter is how old an entry must be before the running sweeper
	// removes it. It must comfortably exceed a request's lifetime.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// minStaleFactor is how many build+run wall times StaleAfter must cover.
const minStaleFactor = 3

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// AuditConfig controls pruning of the execution log. Zero retention keeps
// records forever.
type AuditConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	APIKeys   []auth.APIKey `mapstructure:"api_keys"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Log       LogConfig             `mapstructure:"log"`
	Backend   string                `mapstructure:"backend"`
	Limits    LimitsConfig          `mapstructure:"limits"`
	Gate      GateConfig            `mapstructure:"gate"`
	Docker    DockerConfig          `mapstructure:"docker"`
	Process   ProcessConfig         `mapstructure:"process"`
	Workspace WorkspaceConfig       `mapstructure:"workspace"`
	Storage   StorageConfig         `mapstructure:"storage"`
	Audit     AuditConfig           `mapstructure:"audit"`
	Auth      AuthConfig            `mapstructure:"auth"`
	RateLimit RateLimitConfig       `mapstructure:"rate_limit"`
	Languages []language.Definition `mapstructure:"languages"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	dl := executor.DefaultLimits()
	dd := docker.DefaultConfig()
	dp := process.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	// Long enough for a full build plus run plus queueing.
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("backend", BackendDocker)

	v.SetDefault("limits.wall_time", dl.WallTime)
	v.SetDefault("limits.build_wall_time", dl.BuildWallTime)
	v.SetDefault("limits.cpu_time", dl.CPUTime)
	v.SetDefault("limits.memory", "256m")
	v.SetDefault("limits.output", "64k")
	v.SetDefault("limits.pids", dl.Pids)
	v.SetDefault("limits.cpus", 1.0)
	v.SetDefault("limits.max_code", "64k")
	v.SetDefault("limits.max_stdin", "64k")

	v.SetDefault("gate.limit", 0)
	v.SetDefault("gate.policy", string(gate.PolicyWait))
	v.SetDefault("gate.max_wait", 10*time.Second)
	v.SetDefault("gate.max_queue", 64)

	v.SetDefault("docker.user", "")
	v.SetDefault("docker.tmpfs", dd.TmpfsSize)
	v.SetDefault("docker.pull_images", dd.PullImages)
	v.SetDefault("docker.pull_timeout", dd.PullTimeout)
	v.SetDefault("docker.kill_grace", dd.KillGrace)

	v.SetDefault("process.namespaces", false)
	v.SetDefault("process.path", dp.Path)
	v.SetDefault("process.limit_address_space", dp.LimitAddressSpace)
	v.SetDefault("process.file_size", "16m")
	v.SetDefault("process.kill_grace", dp.KillGrace)
	v.SetDefault("process.cgroup_root", "")
	v.SetDefault("process.allow_unbounded_pids", false)

	v.SetDefault("workspace.root", "/tmp/runbox")
	v.SetDefault("workspace.fs_timeout", workspace.DefaultFSTimeout)
	v.SetDefault("workspace.sweep_interval", 5*time.Minute)
	v.SetDefault("workspace.stale_after", 15*time.Minute)

	v.SetDefault("storage.db_path", "data/runbox.db")

	v.SetDefault("audit.retention", 7*24*time.Hour)
	v.SetDefault("audit.interval", time.Hour)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", auth.DefaultIssuer)

	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 0)
}

// Load reads configuration. An empty path searches for runbox.yaml in the
// working directory and /etc/runbox; not finding one is fine. An explicit path
// that can't be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "RUNBOX_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("binding PORT: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/runbox")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	// jwt_secret: ${RUNBOX_JWT_SECRET} keeps the secret itself out of the file.
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks every field that would otherwise fail later, deep inside a
// request.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Backend {
	case BackendDocker, BackendProcess:
	default:
		errs = append(errs, fmt.Errorf("backend %q: want %q or %q", c.Backend, BackendDocker, BackendProcess))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	if c.Limits.WallTime <= 0 {
		errs = append(errs, errors.New("limits.wall_time must be positive"))
	}
	if c.Limits.BuildWallTime <= 0 {
		errs = append(errs, errors.New("limits.build_wall_time must be positive"))
	}
	if c.Limits.CPUTime <= 0 {
		errs = append(errs, errors.New("limits.cpu_time must be positive"))
	}
	if c.Limits.Pids <= 0 {
		errs = append(errs, errors.New("limits.pids must be positive"))
	}
	if c.Limits.CPUs <= 0 {
		errs = append(errs, errors.New("limits.cpus must be positive"))
	}
	for key, raw := range map[string]string{
		"limits.memory":     c.Limits.Memory,
		"limits.output":     c.Limits.Output,
		"limits.max_code":   c.Limits.MaxCode,
		"limits.max_stdin":  c.Limits.MaxStdin,
		"process.file_size": c.Process.FileSize,
	} {
		if _, err := parseSize(key, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Backend == BackendProcess && c.Process.CgroupRoot == "" && !c.Process.AllowUnboundedPids {
		errs = append(errs, errors.New("backend process: set process.cgroup_root to enforce limits.pids, or process.allow_unbounded_pids to run without it"))
	}

	if c.Gate.Limit < 0 {
		errs = append(errs, errors.New("gate.limit must not be negative"))
	}
	if policy, err := gate.ParsePolicy(c.Gate.Policy); err != nil {
		errs = append(errs, fmt.Errorf("gate.policy: %w", err))
	} else if policy == gate.PolicyWait {
		if c.Gate.MaxWait <= 0 {
			errs = append(errs, errors.New("gate.max_wait must be positive under the wait policy"))
		}
		if c.Gate.MaxQueue <= 0 {
			errs = append(errs, errors.New("gate.max_queue must be positive under the wait policy"))
		}
	}

	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	if c.Workspace.SweepInterval <= 0 {
		errs = append(errs, errors.New("workspace.sweep_interval must be positive"))
	}
	if minAge := minStaleFactor * (c.Limits.BuildWallTime + c.Limits.WallTime); c.Workspace.StaleAfter < minAge {
		errs = append(errs, fmt.Errorf("workspace.stale_after must be at least %s (%d times build plus run wall time)", minAge, minStaleFactor))
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}

	if _, err := c.Registry(); err != nil {
		errs = append(errs, fmt.Errorf("languages: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseSize(key, raw string) (int64, error) {
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return n, nil
}

// mustSize is only called on values Validate has already accepted.
func mustSize(raw string) int64 {
	n, _ := units.RAMInBytes(raw)
	return n
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// Registry builds the language table: built-in definitions patched by the
// languages block.
func (c *Config) Registry() (*language.Registry, error) {
	return language.NewRegistry(language.Merge(language.DefaultDefinitions(), c.Languages))
}

// ExecutorLimits converts the limits block.
func (c *Config) ExecutorLimits() executor.Limits {
	return executor.Limits{
		WallTime:      c.Limits.WallTime,
		BuildWallTime: c.Limits.BuildWallTime,
		CPUTime:       c.Limits.CPUTime,
		MemoryBytes:   mustSize(c.Limits.Memory),
		OutputBytes:   mustSize(c.Limits.Output),
		Pids:          c.Limits.Pids,
		NanoCPUs:      int64(c.Limits.CPUs * 1e9),
	}
}

// MaxCodeBytes and MaxStdinBytes are the request size ceilings.
func (c *Config) MaxCodeBytes() int  { return int(mustSize(c.Limits.MaxCode)) }
func (c *Config) MaxStdinBytes() int { return int(mustSize(c.Limits.MaxStdin)) }

func (c *Config) GateConfig() gate.Config {
	policy, _ := gate.ParsePolicy(c.Gate.Policy)
	return gate.Config{
		Limit:    c.Gate.Limit,
		Policy:   policy,
		MaxWait:  c.Gate.MaxWait,
		MaxQueue: c.Gate.MaxQueue,
	}
}

func (c *Config) DockerConfig() docker.Config {
	cfg := docker.DefaultConfig()
	if c.Docker.User != "" {
		cfg.User = c.Docker.User
	}
	cfg.TmpfsSize = c.Docker.Tmpfs
	cfg.PullImages = c.Docker.PullImages
	cfg.PullTimeout = c.Docker.PullTimeout
	cfg.KillGrace = c.Docker.KillGrace
	return cfg
}

func (c *Config) ProcessConfig() process.Config {
	return process.Config{
		Namespaces:        c.Process.Namespaces,
		Path:              c.Process.Path,
		LimitAddressSpace: c.Process.LimitAddressSpace,
		FileSizeBytes:     mustSize(c.Process.FileSize),
		KillGrace:         c.Process.KillGrace,

		CgroupRoot:         c.Process.CgroupRoot,
		AllowUnboundedPids: c.Process.AllowUnboundedPids,
	}
}

func (c *Config) RateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{RPS: c.RateLimit.RPS, Burst: c.RateLimit.Burst}
}

// Logger builds the process-wide slog logger.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
