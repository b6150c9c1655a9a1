package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "GENIMPUTE"

	// ConfigName is the config file base name looked up without --config.
	ConfigName = "genimpute"
)

var (
	configMu  sync.RWMutex
	appConfig *Config

	// ConfigFile is set from --config. Empty searches the default paths.
	ConfigFile string
)

// EnvSpec maps a short environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// getEnvSpecs returns the short aliases. Every config path is also bound to
// GENIMPUTE_<PATH> with dots replaced by underscores.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_STORAGE", Path: "storage.provider"},
		{Name: EnvPrefix + "_S3_BUCKET", Path: "storage.s3.bucket"},
		{Name: EnvPrefix + "_CONCURRENCY", Path: "scheduler.concurrency"},
		{Name: EnvPrefix + "_NATS_URL", Path: "events.nats_url"},
		{Name: EnvPrefix + "_SMTP_HOST", Path: "notify.smtp.host"},
		{Name: EnvPrefix + "_SMTP_PASSWORD", Path: "notify.smtp.password"},
	}
}

// setDefaults registers every config key with its default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("storage.provider", "file")
	v.SetDefault("storage.file.base_dir", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)

	v.SetDefault("run.chunk_dir", "")
	v.SetDefault("run.output_prefix", "output")
	v.SetDefault("run.staging_prefix", "tmp/chunks")
	v.SetDefault("run.log_dir", "logs")
	v.SetDefault("run.refpanel", "")
	v.SetDefault("run.phasing", "eagle")
	v.SetDefault("run.rounds", 5)
	v.SetDefault("run.window", 500000)
	v.SetDefault("run.population", "")
	v.SetDefault("run.queue", "")
	v.SetDefault("run.nocache", false)
	v.SetDefault("run.minimac_bin", "minimac4")
	v.SetDefault("run.samples", 0)
	v.SetDefault("run.genotypes", 0)
	v.SetDefault("run.input_23andme", false)

	v.SetDefault("scheduler.concurrency", 25)
	v.SetDefault("scheduler.poll_interval", "5s")
	v.SetDefault("scheduler.poll_rate", 0)
	v.SetDefault("scheduler.kill_timeout", "30s")
	v.SetDefault("scheduler.max_poll_errors", 3)
	v.SetDefault("scheduler.progress_interval", "5s")

	v.SetDefault("executor.command", []string{})
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.env", []string{})
	v.SetDefault("executor.kill_grace", "10s")

	v.SetDefault("export.local_dir", "results")
	v.SetDefault("export.index_regions", []string{"22"})
	v.SetDefault("export.tabix_path", "tabix")
	v.SetDefault("export.aes_encryption", false)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server_url", "https://imputationserver.sph.umich.edu")
	v.SetDefault("notify.user_name", "")
	v.SetDefault("notify.user_email", "")
	v.SetDefault("notify.transport", "smtp")
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 25)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.nats_subject", "genimpute.mail.send")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "genimpute.events")

	v.SetDefault("panels", "panels.yaml")
	v.SetDefault("data_dir", defaultDataDir())
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "genimpute")
	}
	return filepath.Join(os.TempDir(), "genimpute")
}

// Load builds the configuration. Later overrides win over earlier ones and
// over every other source. The result is also retained for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		long := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
		if err := v.BindEnv(spec.Path, long, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
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
	configMu.Unlock()
	return &cfg, nil
}

// applyOverrides sets every leaf of m, so overrides beat env and file
// values.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			applyOverrides(v, key, sub)
			continue
		}
		v.Set(key, val)
	}
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper) error {
	path := ConfigFile
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "genimpute"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "file", "s3":
	default:
		return fmt.Errorf("storage.provider: unsupported provider %q", c.Storage.Provider)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency: must be >= 1")
	}
	switch c.Notify.Transport {
	case "smtp", "nats":
	default:
		return fmt.Errorf("notify.transport: unsupported transport %q", c.Notify.Transport)
	}
	return nil
}
