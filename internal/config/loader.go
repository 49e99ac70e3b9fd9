// Package config loads studyflow settings.
//
// Precedence, highest first: runtime overrides passed to Load, STUDYFLOW_*
// environment variables, the first config file found, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names the per-user config and data directories.
const AppName = "studyflow"

// EnvPrefix starts every environment variable the loader reads.
const EnvPrefix = "STUDYFLOW_"

// FileName is the config file looked up in each search directory.
const FileName = "studyflow.yaml"

// Config is the resolved configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Results   ResultsConfig   `mapstructure:"results"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
}

// APIConfig addresses the analysis backend.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	WSURL     string        `mapstructure:"ws_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Token     string        `mapstructure:"token"`
}

// SyncConfig tunes the push channels.
type SyncConfig struct {
	Backoff          time.Duration `mapstructure:"backoff"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// FaultRate is the probability of an injected disconnect per message.
	// Zero disables injection.
	FaultRate float64 `mapstructure:"fault_rate"`
}

// ResultsConfig tunes results fetching.
type ResultsConfig struct {
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// UploadConfig selects which files are accepted.
type UploadConfig struct {
	Accept       []string `mapstructure:"accept"`
	Exclude      []string `mapstructure:"exclude"`
	MaxEntrySize int64    `mapstructure:"max_entry_size"`
}

// WorkspaceConfig locates the local job cache.
type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig describes the optional S3-compatible resource source.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SimulatorStep   time.Duration `mapstructure:"simulator_step"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu     sync.RWMutex
	appConfig    *Config
	configFile   string
	explicitFile string
)

// UseFile makes later Loads read path instead of searching. The file must
// exist. An empty path restores the search.
func UseFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitFile = strings.TrimSpace(path)
}

// Defaults returns the built-in settings keyed by config path.
func Defaults() map[string]any {
	return map[string]any{
		"api.base_url":   "http://localhost:8000",
		"api.ws_url":     "",
		"api.timeout":    "30s",
		"api.rate_limit": 0.0,
		"api.token":      "",

		"sync.backoff":           "3s",
		"sync.handshake_timeout": "10s",
		"sync.fault_rate":        0.0,

		"results.retry_delay": "5s",
		"results.max_retries": 3,

		"upload.accept":         []string{"*.dcm", "*.dicom", "*.zip"},
		"upload.exclude":        []string{},
		"upload.max_entry_size": int64(2 << 30),

		"workspace.dir": defaultWorkspaceDir(),

		"storage.endpoint":          "",
		"storage.region":            "us-east-1",
		"storage.bucket":            "",
		"storage.profile":           "",
		"storage.access_key_id":     "",
		"storage.secret_access_key": "",
		"storage.force_path_style":  false,

		"logging.level":    "info",
		"logging.encoding": "console",

		"metrics.enabled": false,
		"metrics.addr":    "127.0.0.1:9090",

		"server.host":             "localhost",
		"server.port":             8000,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "0s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "10s",
		"server.simulator_step":   "1s",
	}
}

func defaultWorkspaceDir() string {
	if dir := gfconfig.GetAppDataDir(AppName); dir != "" {
		return filepath.Join(dir, "jobs")
	}
	return filepath.Join(".studyflow", "jobs")
}

// Load resolves the configuration and makes it the current one.
//
// Each override is a nested map (e.g. {"api": {"base_url": "..."}}); later
// overrides win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, val := range Defaults() {
		v.SetDefault(key, val)
	}

	file, err := mergeConfigFile(v)
	if err != nil {
		return nil, err
	}

	// BindEnv replaces earlier bindings for a key, so aliases are bound together.
	names := make(map[string][]string)
	var paths []string
	for _, spec := range getEnvSpecs() {
		if _, ok := names[spec.Path]; !ok {
			paths = append(paths, spec.Path)
		}
		names[spec.Path] = append(names[spec.Path], spec.Name)
	}
	for _, path := range paths {
		if err := v.BindEnv(append([]string{path}, names[path]...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configFile = file
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFile returns the config file the last Load read, if any.
func ConfigFile() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configFile
}

// Validate checks settings that would otherwise fail later and further away.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, errors.New("api.rate_limit must not be negative"))
	}
	if c.Sync.FaultRate < 0 || c.Sync.FaultRate > 1 {
		errs = append(errs, errors.New("sync.fault_rate must be within [0, 1]"))
	}
	if c.Results.MaxRetries < 0 {
		errs = append(errs, errors.New("results.max_retries must not be negative"))
	}
	if len(c.Upload.Accept) == 0 {
		errs = append(errs, errors.New("upload.accept needs at least one pattern"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func mergeConfigFile(v *viper.Viper) (string, error) {
	configMu.RLock()
	explicit := explicitFile
	configMu.RUnlock()
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(explicit)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, path := range getUserConfigPaths() {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, FileName)
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, "studyflow", FileName))
	}
	return paths
}

// getEnvSpecs maps STUDYFLOW_* variables onto config paths. Every key gets
// the mechanical name (api.base_url → STUDYFLOW_API_BASE_URL); a few common
// settings also get short aliases.
func getEnvSpecs() []EnvSpec {
	keys := make([]string, 0, len(Defaults()))
	for key := range Defaults() {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	specs := make([]EnvSpec, 0, len(keys)+len(envAliases))
	for _, key := range keys {
		specs = append(specs, EnvSpec{Name: EnvPrefix + envName(key), Path: key})
	}
	return append(specs, envAliases...)
}

var envAliases = []EnvSpec{
	{Name: EnvPrefix + "API_URL", Path: "api.base_url"},
	{Name: EnvPrefix + "TOKEN", Path: "api.token"},
	{Name: EnvPrefix + "LOG_LEVEL", Path: "logging.level"},
	{Name: EnvPrefix + "PORT", Path: "server.port"},
	{Name: EnvPrefix + "HOST", Path: "server.host"},
	{Name: EnvPrefix + "METRICS_ADDR", Path: "metrics.addr"},
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
