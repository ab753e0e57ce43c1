// Package config loads gamehelper configuration.
// Config is read from a YAML file (helper.yaml by default). A missing file
// returns defaults without error. An optional .env file and GAMEHELPER_*
// environment variables override file values; CLI flags are applied last by
// mutating the returned struct.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"GameHelper/internal/core"
)

// Default values for Config fields.
const (
	DefaultConfigFile     = "helper.yaml"
	DefaultADBPath        = "adb"
	DefaultCommandTimeout = 10 * time.Second
	DefaultStoreDriver    = "file"
	DefaultStorePath      = "gamehelper_state.md"
	DefaultAPIPort        = 8765
	DefaultLogLevel       = "info"
	DefaultTemplateDir    = "assets"
	DefaultMatchStride    = 2

	DefaultKekkaiLimitCount    = 30
	DefaultKekkaiLimitTime     = 30 * time.Minute
	DefaultKekkaiBattleTimeout = 180 * time.Second
	DefaultCleanupInterval     = 30 * time.Minute
)

// Trigger types
const (
	TriggerTime      = "time"
	TriggerCount     = "count"
	TriggerInventory = "inventory_full"
)

// Config holds all configuration for gamehelper.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vision    VisionConfig    `yaml:"vision"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

type DeviceConfig struct {
	Serial         string        `yaml:"serial"`
	ADBPath        string        `yaml:"adb_path"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"` // memory, file, redis, postgres
	Path      string `yaml:"path"`
	Addr      string `yaml:"addr"`
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"key_prefix"`
}

type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SchedulerConfig mirrors core.SchedulerOptions. Zero durations keep the scheduler defaults.
type SchedulerConfig struct {
	IdlePoll        time.Duration `yaml:"idle_poll"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	TriggerInterval time.Duration `yaml:"trigger_interval"`
	PauseAckTimeout time.Duration `yaml:"pause_ack_timeout"`
	MaxFinished     int           `yaml:"max_finished"`
	RetentionTTL    time.Duration `yaml:"retention_ttl"`
}

type VisionConfig struct {
	TemplateDir string `yaml:"template_dir"`
	Stride      int    `yaml:"stride"`
}

type TasksConfig struct {
	KekkaiToppa KekkaiToppaConfig `yaml:"kekkai_toppa"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
}

// TaskConfig is shared by every task.
type TaskConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Priority      core.Priority `yaml:"priority"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// KekkaiToppaConfig configures the barrier-breaking task.
type KekkaiToppaConfig struct {
	TaskConfig    `yaml:",inline"`
	LimitCount    int           `yaml:"limit_count"`
	LimitTime     time.Duration `yaml:"limit_time"`
	BattleTimeout time.Duration `yaml:"battle_timeout"`
	Threshold     float64       `yaml:"threshold"`
	Resume        bool          `yaml:"resume"` // continue from the latest checkpoint
}

// CleanupConfig configures the inventory cleanup task and what triggers it.
type CleanupConfig struct {
	TaskConfig `yaml:",inline"`
	Triggers   []TriggerConfig `yaml:"triggers"`
}

// TriggerConfig is a resource trigger: time-based fires every Interval,
// count-based fires once MaxCount battles have been recorded, inventory_full
// fires when a task reports a full inventory.
type TriggerConfig struct {
	Type     string        `yaml:"type"`
	Interval time.Duration `yaml:"interval"`
	MaxCount int           `yaml:"max_count"`
}

// Validate checks the trigger definition.
func (t TriggerConfig) Validate() error {
	switch t.Type {
	case TriggerTime:
		if t.Interval <= 0 {
			return fmt.Errorf("time trigger requires a positive interval")
		}
	case TriggerCount:
		if t.MaxCount <= 0 {
			return fmt.Errorf("count trigger requires a positive max_count")
		}
	case TriggerInventory:
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

// Defaults returns a Config populated with sane defaults.
func Defaults() Config {
	return Config{
		Device: DeviceConfig{
			ADBPath:        DefaultADBPath,
			CommandTimeout: DefaultCommandTimeout,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   DefaultStorePath,
		},
		API: APIConfig{
			Port: DefaultAPIPort,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
		Scheduler: SchedulerConfig{
			MaxFinished:  500,
			RetentionTTL: 24 * time.Hour,
		},
		Vision: VisionConfig{
			TemplateDir: DefaultTemplateDir,
			Stride:      DefaultMatchStride,
		},
		Tasks: TasksConfig{
			KekkaiToppa: KekkaiToppaConfig{
				TaskConfig: TaskConfig{
					Name:          "kekkai_toppa",
					Enabled:       true,
					Priority:      core.PriorityNormal,
					RetryCount:    3,
					RetryInterval: time.Second,
				},
				LimitCount:    DefaultKekkaiLimitCount,
				LimitTime:     DefaultKekkaiLimitTime,
				BattleTimeout: DefaultKekkaiBattleTimeout,
				Threshold:     0.8,
			},
			Cleanup: CleanupConfig{
				TaskConfig: TaskConfig{
					Name:          "inventory_cleanup",
					Enabled:       true,
					Priority:      core.PriorityCritical,
					Timeout:       5 * time.Minute,
					RetryCount:    1,
					RetryInterval: time.Second,
				},
				Triggers: []TriggerConfig{
					{Type: TriggerInventory},
					{Type: TriggerTime, Interval: DefaultCleanupInterval},
				},
			},
		},
	}
}

// partialConfig distinguishes a field being absent (nil pointer) from a field
// explicitly set to its zero value.
type partialConfig struct {
	Device *struct {
		Serial         *string        `yaml:"serial"`
		ADBPath        *string        `yaml:"adb_path"`
		CommandTimeout *time.Duration `yaml:"command_timeout"`
	} `yaml:"device"`
	Store *struct {
		Driver    *string `yaml:"driver"`
		Path      *string `yaml:"path"`
		Addr      *string `yaml:"addr"`
		DSN       *string `yaml:"dsn"`
		KeyPrefix *string `yaml:"key_prefix"`
	} `yaml:"store"`
	API *struct {
		Enabled *bool `yaml:"enabled"`
		Port    *int  `yaml:"port"`
	} `yaml:"api"`
	Log *struct {
		Level *string `yaml:"level"`
		JSON  *bool   `yaml:"json"`
	} `yaml:"log"`
	Telemetry *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"telemetry"`
	Scheduler *struct {
		IdlePoll        *time.Duration `yaml:"idle_poll"`
		StopTimeout     *time.Duration `yaml:"stop_timeout"`
		TriggerInterval *time.Duration `yaml:"trigger_interval"`
		PauseAckTimeout *time.Duration `yaml:"pause_ack_timeout"`
		MaxFinished     *int           `yaml:"max_finished"`
		RetentionTTL    *time.Duration `yaml:"retention_ttl"`
	} `yaml:"scheduler"`
	Vision *struct {
		TemplateDir *string `yaml:"template_dir"`
		Stride      *int    `yaml:"stride"`
	} `yaml:"vision"`
	Tasks *struct {
		KekkaiToppa *struct {
			partialTask   `yaml:",inline"`
			LimitCount    *int           `yaml:"limit_count"`
			LimitTime     *time.Duration `yaml:"limit_time"`
			BattleTimeout *time.Duration `yaml:"battle_timeout"`
			Threshold     *float64       `yaml:"threshold"`
			Resume        *bool          `yaml:"resume"`
		} `yaml:"kekkai_toppa"`
		Cleanup *struct {
			partialTask `yaml:",inline"`
			Triggers    *[]TriggerConfig `yaml:"triggers"`
		} `yaml:"cleanup"`
	} `yaml:"tasks"`
}

type partialTask struct {
	Name          *string        `yaml:"name"`
	Enabled       *bool          `yaml:"enabled"`
	Priority      *core.Priority `yaml:"priority"`
	Timeout       *time.Duration `yaml:"timeout"`
	RetryCount    *int           `yaml:"retry_count"`
	RetryInterval *time.Duration `yaml:"retry_interval"`
}

func (p partialTask) apply(dst *TaskConfig) {
	set(&dst.Name, p.Name)
	set(&dst.Enabled, p.Enabled)
	set(&dst.Priority, p.Priority)
	set(&dst.Timeout, p.Timeout)
	set(&dst.RetryCount, p.RetryCount)
	set(&dst.RetryInterval, p.RetryInterval)
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Load reads the YAML file at path and returns a Config.
// If the file does not exist, defaults are returned without error.
// Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var partial partialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	partial.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *partialConfig) apply(cfg *Config) {
	if d := p.Device; d != nil {
		set(&cfg.Device.Serial, d.Serial)
		set(&cfg.Device.ADBPath, d.ADBPath)
		set(&cfg.Device.CommandTimeout, d.CommandTimeout)
	}
	if s := p.Store; s != nil {
		set(&cfg.Store.Driver, s.Driver)
		set(&cfg.Store.Path, s.Path)
		set(&cfg.Store.Addr, s.Addr)
		set(&cfg.Store.DSN, s.DSN)
		set(&cfg.Store.KeyPrefix, s.KeyPrefix)
	}
	if a := p.API; a != nil {
		set(&cfg.API.Enabled, a.Enabled)
		set(&cfg.API.Port, a.Port)
	}
	if l := p.Log; l != nil {
		set(&cfg.Log.Level, l.Level)
		set(&cfg.Log.JSON, l.JSON)
	}
	if t := p.Telemetry; t != nil {
		set(&cfg.Telemetry.Enabled, t.Enabled)
	}
	if s := p.Scheduler; s != nil {
		set(&cfg.Scheduler.IdlePoll, s.IdlePoll)
		set(&cfg.Scheduler.StopTimeout, s.StopTimeout)
		set(&cfg.Scheduler.TriggerInterval, s.TriggerInterval)
		set(&cfg.Scheduler.PauseAckTimeout, s.PauseAckTimeout)
		set(&cfg.Scheduler.MaxFinished, s.MaxFinished)
		set(&cfg.Scheduler.RetentionTTL, s.RetentionTTL)
	}
	if v := p.Vision; v != nil {
		set(&cfg.Vision.TemplateDir, v.TemplateDir)
		set(&cfg.Vision.Stride, v.Stride)
	}
	if p.Tasks == nil {
		return
	}
	if k := p.Tasks.KekkaiToppa; k != nil {
		dst := &cfg.Tasks.KekkaiToppa
		k.partialTask.apply(&dst.TaskConfig)
		set(&dst.LimitCount, k.LimitCount)
		set(&dst.LimitTime, k.LimitTime)
		set(&dst.BattleTimeout, k.BattleTimeout)
		set(&dst.Threshold, k.Threshold)
		set(&dst.Resume, k.Resume)
	}
	if c := p.Tasks.Cleanup; c != nil {
		c.partialTask.apply(&cfg.Tasks.Cleanup.TaskConfig)
		set(&cfg.Tasks.Cleanup.Triggers, c.Triggers)
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Vision.Stride < 1 {
		return fmt.Errorf("vision.stride must be at least 1")
	}
	k := c.Tasks.KekkaiToppa
	if k.LimitCount < 0 {
		return fmt.Errorf("tasks.kekkai_toppa.limit_count must not be negative")
	}
	if k.Threshold <= 0 || k.Threshold > 1 {
		return fmt.Errorf("tasks.kekkai_toppa.threshold must be in (0, 1]")
	}
	for i, t := range c.Tasks.Cleanup.Triggers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tasks.cleanup.triggers[%d]: %w", i, err)
		}
	}
	return nil
}

// LoadEnv loads an optional .env file and applies GAMEHELPER_* overrides.
// A missing .env file is not an error.
func LoadEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return applyEnv(cfg, os.Getenv)
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"GAMEHELPER_SERIAL":       &cfg.Device.Serial,
		"GAMEHELPER_ADB_PATH":     &cfg.Device.ADBPath,
		"GAMEHELPER_STORE_DRIVER": &cfg.Store.Driver,
		"GAMEHELPER_STORE_PATH":   &cfg.Store.Path,
		"GAMEHELPER_STORE_ADDR":   &cfg.Store.Addr,
		"GAMEHELPER_STORE_DSN":    &cfg.Store.DSN,
		"GAMEHELPER_LOG_LEVEL":    &cfg.Log.Level,
		"GAMEHELPER_TEMPLATE_DIR": &cfg.Vision.TemplateDir,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := getenv("GAMEHELPER_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GAMEHELPER_API_PORT: %w", err)
		}
		cfg.API.Port = port
		cfg.API.Enabled = true
	}
	if v := getenv("GAMEHELPER_TELEMETRY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GAMEHELPER_TELEMETRY: %w", err)
		}
		cfg.Telemetry.Enabled = enabled
	}
	return nil
}

var passwordParam = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// Redacted returns a copy safe to serve or log: store credentials are masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Store.DSN = redactSecret(c.Store.DSN)
	out.Store.Addr = redactSecret(c.Store.Addr)
	return out
}

// redactSecret masks the password of a URL ("postgres://u:p@h/db") or of a
// key=value connection string ("user=u password=p host=h").
func redactSecret(s string) string {
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}
	return passwordParam.ReplaceAllString(s, "${1}xxxxx")
}

// SchedulerOptions converts the scheduler section into core options.
func (c *Config) SchedulerOptions() core.SchedulerOptions {
	opts := core.DefaultSchedulerOptions()
	s := c.Scheduler
	if s.IdlePoll > 0 {
		opts.IdlePoll = s.IdlePoll
	}
	if s.StopTimeout > 0 {
		opts.StopTimeout = s.StopTimeout
	}
	if s.TriggerInterval > 0 {
		opts.TriggerInterval = s.TriggerInterval
	}
	if s.PauseAckTimeout > 0 {
		opts.PauseAckTimeout = s.PauseAckTimeout
	}
	opts.Retention = core.RetentionPolicy{
		MaxFinished: s.MaxFinished,
		TTL:         s.RetentionTTL,
	}
	return opts
}
