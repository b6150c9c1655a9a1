// Package config loads genimpute configuration from defaults, a YAML config
// file, environment variables and runtime overrides, in increasing order of
// precedence.
package config

import (
	"time"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Run       RunConfig       `mapstructure:"run"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Export    ExportConfig    `mapstructure:"export"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Events    EventsConfig    `mapstructure:"events"`

	// Panels is the reference panel registry file.
	Panels string `mapstructure:"panels"`

	// DataDir holds job records and logs.
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig configures the progress HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// StorageConfig selects the storage backend holding staged chunks, raw
// outputs and reference panels.
type StorageConfig struct {
	// Provider is "file" or "s3".
	Provider string          `mapstructure:"provider"`
	File     FileStorage     `mapstructure:"file"`
	S3       S3StorageConfig `mapstructure:"s3"`
}

type FileStorage struct {
	BaseDir string `mapstructure:"base_dir"`
}

type S3StorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// RunConfig holds the per-run imputation parameters.
type RunConfig struct {
	ChunkDir      string `mapstructure:"chunk_dir"`
	OutputPrefix  string `mapstructure:"output_prefix"`
	StagingPrefix string `mapstructure:"staging_prefix"`
	LogDir        string `mapstructure:"log_dir"`

	RefPanel   string `mapstructure:"refpanel"`
	Phasing    string `mapstructure:"phasing"`
	Rounds     int    `mapstructure:"rounds"`
	Window     int    `mapstructure:"window"`
	Population string `mapstructure:"population"`

	Queue      string `mapstructure:"queue"`
	NoCache    bool   `mapstructure:"nocache"`
	MinimacBin string `mapstructure:"minimac_bin"`

	Samples      int64 `mapstructure:"samples"`
	Genotypes    int64 `mapstructure:"genotypes"`
	Input23andMe bool  `mapstructure:"input_23andme"`
}

type SchedulerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollRate         float64       `mapstructure:"poll_rate"`
	KillTimeout      time.Duration `mapstructure:"kill_timeout"`
	MaxPollErrors    int           `mapstructure:"max_poll_errors"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// ExecutorConfig configures the local job executor.
type ExecutorConfig struct {
	// Command is the argv template run per region, e.g.
	// ["minimac-job", "--region", "{region}", "--spec", "{spec}"].
	Command   []string      `mapstructure:"command"`
	WorkDir   string        `mapstructure:"work_dir"`
	Env       []string      `mapstructure:"env"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

type ExportConfig struct {
	LocalDir      string   `mapstructure:"local_dir"`
	IndexRegions  []string `mapstructure:"index_regions"`
	TabixPath     string   `mapstructure:"tabix_path"`
	AESEncryption bool     `mapstructure:"aes_encryption"`
}

// NotifyConfig configures password delivery.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
	UserName  string `mapstructure:"user_name"`
	UserEmail string `mapstructure:"user_email"`

	// Transport is "smtp" or "nats".
	Transport string     `mapstructure:"transport"`
	SMTP      SMTPConfig `mapstructure:"smtp"`

	// NATSSubject is the request subject of the mail gateway.
	NATSSubject string `mapstructure:"nats_subject"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// EventsConfig configures the NATS connection used for progress events
// and the nats mail transport.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}
