package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/spawnd/internal/env"
	"github.com/loykin/spawnd/internal/logger"
	"github.com/loykin/spawnd/internal/manager"
	"github.com/loykin/spawnd/internal/metrics"
	"github.com/loykin/spawnd/internal/pidfile"
	"github.com/loykin/spawnd/internal/process"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	PIDDir   string             `toml:"pid_dir" mapstructure:"pid_dir"`
	Interval time.Duration      `toml:"interval" mapstructure:"interval"`
	Env      []string           `toml:"env" mapstructure:"env"`
	EnvFiles []string           `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool               `toml:"use_os_env" mapstructure:"use_os_env"`
	Log      logger.Config      `toml:"log" mapstructure:"log"`
	TaskLog  *logger.FileConfig `toml:"task_log" mapstructure:"task_log"`
	Metrics  MetricsConfig      `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig       `toml:"server" mapstructure:"server"`
	History  HistoryConfig      `toml:"history" mapstructure:"history"`
	Lock     LockConfig         `toml:"lock" mapstructure:"lock"`
	Tasks    []TaskConfig       `toml:"tasks" mapstructure:"tasks"`
}

type MetricsConfig struct {
	Enabled  bool                          `toml:"enabled" mapstructure:"enabled"`
	Listen   string                        `toml:"listen" mapstructure:"listen"`
	Path     string                        `toml:"path" mapstructure:"path"`
	Instance metrics.InstanceMetricsConfig `toml:"instance" mapstructure:"instance"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig lists history sink DSNs (sqlite://, postgres://,
// clickhouse://, opensearch://).
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

// LockConfig configures the single-instance lock used by serve.
type LockConfig struct {
	File     string `toml:"file" mapstructure:"file"`
	Takeover bool   `toml:"takeover" mapstructure:"takeover"`
}

// TaskConfig is one [[tasks]] entry. Exactly one of Command and Task is set:
// Command runs through the shell, Task names a body built into the binary.
type TaskConfig struct {
	ID         string             `toml:"id" mapstructure:"id"`
	MaxThreads int                `toml:"max_threads" mapstructure:"max_threads"`
	MaxLife    time.Duration      `toml:"max_life" mapstructure:"max_life"`
	Priority   *int               `toml:"priority" mapstructure:"priority"`
	Reload     string             `toml:"reload" mapstructure:"reload"`
	Command    string             `toml:"command" mapstructure:"command"`
	Task       string             `toml:"task" mapstructure:"task"`
	WorkDir    string             `toml:"work_dir" mapstructure:"work_dir"`
	Env        []string           `toml:"env" mapstructure:"env"`
	Log        *logger.FileConfig `toml:"log" mapstructure:"log"`
}

// Config is the resolved configuration: relative paths are anchored at the
// config file's directory and tasks are validated definitions.
type Config struct {
	Path     string
	PIDDir   string
	Interval time.Duration
	Env      *env.Env
	Log      logger.Config
	Metrics  MetricsConfig
	Server   ServerConfig
	History  HistoryConfig
	Lock     LockConfig
	Tasks    []manager.TaskDefinition
}

const (
	DefaultMetricsListen = ":9109"
	DefaultServerListen  = "127.0.0.1:8089"
	DefaultBasePath      = "/api"
	DefaultLockFile      = "spawnd.lock"
)

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("pid_dir", pidfile.DefaultDir)
	v.SetDefault("interval", manager.DefaultInterval.String())
	v.SetDefault("log.path", logger.DefaultPath)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("server.listen", DefaultServerListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("lock.file", DefaultLockFile)
	return v
}

// ReadFile parses path without resolving or validating anything.
func ReadFile(path string) (*FileConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &fc, nil
}

// LoadConfig reads, resolves and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	fc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(abs)

	cfg := &Config{
		Path:     abs,
		PIDDir:   resolve(base, fc.PIDDir),
		Interval: fc.Interval,
		Log:      fc.Log,
		Metrics:  fc.Metrics,
		Server:   fc.Server,
		History:  fc.History,
		Lock:     fc.Lock,
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", fc.Interval)
	}
	if cfg.Log.Path != "-" {
		cfg.Log.Path = resolve(base, cfg.Log.Path)
	}
	cfg.Lock.File = resolve(base, cfg.Lock.File)
	cfg.Server.BasePath = "/" + strings.Trim(cfg.Server.BasePath, "/")

	cfg.Env, err = loadEnv(base, fc)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(fc.Tasks))
	for _, tc := range fc.Tasks {
		def, err := tc.definition(base, fc.TaskLog)
		if err != nil {
			return nil, err
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("%w: duplicate task id %q", manager.ErrInvalidTask, def.ID)
		}
		seen[def.ID] = true
		cfg.Tasks = append(cfg.Tasks, def)
	}
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("%s: no [[tasks]] defined", path)
	}
	return cfg, nil
}

// Task returns the definition with the given id.
func (c *Config) Task(id string) (manager.TaskDefinition, bool) {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return manager.TaskDefinition{}, false
}

// Store opens the PID file store in the configured directory.
func (c *Config) Store() *pidfile.Store { return pidfile.New(c.PIDDir) }

// loadEnv builds the global environment. Precedence: OS env (when enabled),
// then env_files in order, then the top-level env list.
func loadEnv(base string, fc *FileConfig) (*env.Env, error) {
	e := env.New(fc.UseOSEnv)
	for _, p := range fc.EnvFiles {
		if err := e.LoadFile(resolve(base, p)); err != nil {
			return nil, err
		}
	}
	e.SetPairs(fc.Env)
	return e, nil
}

func (tc TaskConfig) definition(base string, defaults *logger.FileConfig) (manager.TaskDefinition, error) {
	var body process.Body
	switch {
	case tc.Command != "" && tc.Task != "":
		return manager.TaskDefinition{}, fmt.Errorf("%w: task %s: set either command or task, not both", manager.ErrInvalidTask, tc.ID)
	case tc.Command != "":
		body = process.CommandBody(tc.Command)
	case tc.Task != "":
		body = process.NamedBody(tc.Task)
	default:
		return manager.TaskDefinition{}, fmt.Errorf("%w: task %s: command or task is required", manager.ErrInvalidTask, tc.ID)
	}

	def := manager.TaskDefinition{
		ID:         tc.ID,
		MaxThreads: tc.MaxThreads,
		MaxLife:    tc.MaxLife,
		Priority:   tc.Priority,
		Reload:     manager.ReloadPolicy(strings.ToLower(strings.TrimSpace(tc.Reload))),
		Body:       body,
		WorkDir:    tc.WorkDir,
		Env:        tc.Env,
		Log:        mergeLog(defaults, tc.Log),
	}
	if def.WorkDir != "" {
		def.WorkDir = resolve(base, def.WorkDir)
	}
	def.Log.Dir = resolveOpt(base, def.Log.Dir)
	def.Log.StdoutPath = resolveOpt(base, def.Log.StdoutPath)
	def.Log.StderrPath = resolveOpt(base, def.Log.StderrPath)
	if err := def.Validate(); err != nil {
		return manager.TaskDefinition{}, err
	}
	return def, nil
}

// mergeLog starts from the top-level task_log and applies per-task overrides.
func mergeLog(defaults, task *logger.FileConfig) logger.FileConfig {
	var out logger.FileConfig
	if defaults != nil {
		out = *defaults
	}
	if task == nil {
		return out
	}
	if task.Dir != "" {
		out.Dir = task.Dir
	}
	if task.StdoutPath != "" {
		out.StdoutPath = task.StdoutPath
	}
	if task.StderrPath != "" {
		out.StderrPath = task.StderrPath
	}
	if task.MaxSizeMB != 0 {
		out.MaxSizeMB = task.MaxSizeMB
	}
	if task.MaxBackups != 0 {
		out.MaxBackups = task.MaxBackups
	}
	if task.MaxAgeDays != 0 {
		out.MaxAgeDays = task.MaxAgeDays
	}
	if task.Compress {
		out.Compress = true
	}
	return out
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func resolveOpt(base, p string) string {
	if p == "" {
		return ""
	}
	return resolve(base, p)
}
