// Package config loads settingsync configuration with viper. Values come from
// defaults, the config file and SETTINGSYNC_* environment variables, in
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/viper"

	"github.com/javanhut/settingsync/internal/snapshot"
)

const (
	envPrefix  = "SETTINGSYNC"
	configName = "settingsync"
	configType = "yaml"

	RemoteLocalFS = "localfs"
	RemoteS3      = "s3"
)

// Config is the resolved configuration.
type Config struct {
	Root    string        `mapstructure:"root"`
	DataDir string        `mapstructure:"data_dir"`
	Object  string        `mapstructure:"object"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	App     AppConfig     `mapstructure:"app"`
}

// RemoteConfig selects and configures the transport.
type RemoteConfig struct {
	Kind     string `mapstructure:"kind"`
	Path     string `mapstructure:"path"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	Include       []string      `mapstructure:"include"`
	Exclude       []string      `mapstructure:"exclude"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type AppConfig struct {
	ID string `mapstructure:"id"`
}

// LogPath is the path of the settings log database.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "settings.db")
}

// AppInfo describes this replica.
func (c *Config) AppInfo() *snapshot.AppInfo {
	info := &snapshot.AppInfo{ApplicationID: c.App.ID, ConfigRoot: c.Root}
	if host, err := os.Hostname(); err == nil {
		info.HostName = host
	}
	if u, err := user.Current(); err == nil {
		info.UserName = u.Username
	}
	return info
}

// Validate checks the settings needed to run a sync.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root is not configured. Run: settingsync config set root <dir>")
	}
	if c.Object == "" {
		return errors.New("object must not be empty")
	}
	switch c.Remote.Kind {
	case RemoteLocalFS:
		if c.Remote.Path == "" {
			return errors.New("remote.path is required for the localfs remote")
		}
	case RemoteS3:
		if c.Remote.Bucket == "" {
			return errors.New("remote.bucket is required for the s3 remote")
		}
	default:
		return fmt.Errorf("unknown remote.kind %q (expected %s or %s)", c.Remote.Kind, RemoteLocalFS, RemoteS3)
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	return nil
}

func defaults() map[string]any {
	return map[string]any{
		"root":                "",
		"data_dir":            defaultDataDir(),
		"object":              "settings.zip",
		"remote.kind":         RemoteLocalFS,
		"remote.path":         "",
		"remote.bucket":       "",
		"remote.prefix":       "",
		"remote.region":       "",
		"remote.endpoint":     "",
		"sync.interval":       "15m",
		"sync.debounce":       "1s",
		"sync.watch_debounce": "500ms",
		"sync.include":        []string{},
		"sync.exclude":        []string{},
		"log.level":           "info",
		"log.file":            "",
		"metrics.addr":        "",
		"app.id":              "",
	}
}

// Keys lists every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults()))
	for k := range defaults() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, configName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", configName)
	}
	return "." + configName
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, configName, configName+"."+configType)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", configName, configName+"."+configType)
	}
	return configName + "." + configType
}

// Manager reads and edits one config file.
type Manager struct {
	v    *viper.Viper
	path string
}

// NewManager creates a Manager for the file at path, or DefaultPath when empty.
func NewManager(path string) *Manager {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	return &Manager{v: v, path: path}
}

// Path returns the config file path.
func (m *Manager) Path() string { return m.path }

// Viper exposes the underlying viper instance, e.g. to bind flags.
func (m *Manager) Viper() *viper.Viper { return m.v }

// Load reads the config file, if it exists, and resolves the configuration.
func (m *Manager) Load() (*Config, error) {
	if err := m.read(m.v); err != nil {
		return nil, err
	}
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func (m *Manager) read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", m.path, err)
	}
	return nil
}

// GetValue returns the resolved value of key as text.
func (m *Manager) GetValue(key string) (string, error) {
	if !known(key) {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	if err := m.read(m.v); err != nil {
		return "", err
	}
	if isList(key) {
		return strings.Join(m.v.GetStringSlice(key), ","), nil
	}
	return m.v.GetString(key), nil
}

// SetValue stores key in the config file. List keys take comma separated values.
func (m *Manager) SetValue(key, value string) error {
	if !known(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	var stored any = value
	switch {
	case isList(key):
		stored = splitList(value)
	case isDuration(key):
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	// only the file's own content is written back, not defaults or env
	file := viper.New()
	file.SetConfigFile(m.path)
	if err := m.read(file); err != nil {
		return err
	}
	file.Set(key, stored)
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := file.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", m.path, err)
	}
	m.v.Set(key, stored)
	return nil
}

// List returns every key with its resolved value.
func (m *Manager) List() (map[string]string, error) {
	out := make(map[string]string, len(defaults()))
	for _, k := range Keys() {
		val, err := m.GetValue(k)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

// EnsureAppID generates and stores app.id when it is not set yet.
// It reports whether a new id was written.
func (m *Manager) EnsureAppID() (string, bool, error) {
	id, err := m.GetValue("app.id")
	if err != nil {
		return "", false, err
	}
	if id != "" {
		return id, false, nil
	}
	id = ksuid.New().String()
	if err := m.SetValue("app.id", id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func known(key string) bool {
	_, ok := defaults()[key]
	return ok
}

func isList(key string) bool {
	return key == "sync.include" || key == "sync.exclude"
}

func isDuration(key string) bool {
	return key == "sync.interval" || key == "sync.debounce" || key == "sync.watch_debounce"
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
