package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/profile"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultMaxConcurrent is the admission gate capacity when none is configured
	DefaultMaxConcurrent = 8
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig       `yaml:"app"`
	Logging  LoggingConfig   `yaml:"logging"`
	Server   ServerConfig    `yaml:"server"`
	Queue    QueueConfig     `yaml:"queue"`
	Storage  StorageConfig   `yaml:"storage"`
	Metadata MetadataConfig  `yaml:"metadata"`
	Redis    RedisConfig     `yaml:"redis"`
	Worker   WorkerConfig    `yaml:"worker"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
	Encoder  EncoderConfig   `yaml:"encoder"`
	Profiles []ProfileConfig `yaml:"profiles"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig selects the broker
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      RabbitQueue      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	RetryQueue string           `yaml:"retry_queue"`
	Completed  ResultRoute      `yaml:"completed"`
	DeadLetter ResultRoute      `yaml:"dead_letter"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitQueue holds RabbitMQ queue configuration
type RabbitQueue struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ResultRoute names where completion or dead-letter messages go
type ResultRoute struct {
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings. Prefetch defaults to worker.max_concurrent.
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// KafkaConfig holds Kafka consumer group and topic configuration
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	GroupID         string   `yaml:"group_id"`
	ClientID        string   `yaml:"client_id"`
	Version         string   `yaml:"version"`
	RequestTopic    string   `yaml:"request_topic"`
	CompletedTopic  string   `yaml:"completed_topic"`
	DeadLetterTopic string   `yaml:"dead_letter_topic"`
}

// StorageConfig selects the object store
type StorageConfig struct {
	Driver        string      `yaml:"driver"`
	PublicBaseURL string      `yaml:"public_base_url"`
	OutputBucket  string      `yaml:"output_bucket"`
	Local         LocalConfig `yaml:"local"`
	S3            S3Config    `yaml:"s3"`
	Minio         MinioConfig `yaml:"minio"`
}

// LocalConfig holds the filesystem object store root
type LocalConfig struct {
	Root string `yaml:"root"`
}

// S3Config holds AWS S3 or S3-compatible store settings
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// MinioConfig holds MinIO settings
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// MetadataConfig holds the per-video record store configuration
type MetadataConfig struct {
	CreateMissing bool           `yaml:"create_missing"`
	EnsureSchema  bool           `yaml:"ensure_schema"`
	Database      DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL or SQLite connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the dedup window and node registry store
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	NodeID            string        `yaml:"node_id"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClaimTTL          time.Duration `yaml:"claim_ttl"`
	ClaimPollInterval time.Duration `yaml:"claim_poll_interval"`
	CompletedTTL      time.Duration `yaml:"completed_ttl"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig holds per-job workspace and stage budgets
type PipelineConfig struct {
	WorkspaceRoot   string        `yaml:"workspace_root"`
	MinFreeBytes    uint64        `yaml:"min_free_bytes"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	EncodeTimeout   time.Duration `yaml:"encode_timeout"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

// EncoderConfig holds the transcoding engine configuration
type EncoderConfig struct {
	FFmpegPath  string         `yaml:"ffmpeg_path"`
	FFprobePath string         `yaml:"ffprobe_path"`
	Hardware    HardwareConfig `yaml:"hardware"`
}

// HardwareConfig holds hardware acceleration settings
type HardwareConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mode         string        `yaml:"mode"`
	DeviceType   string        `yaml:"device_type"`
	RenderDevice string        `yaml:"render_device"`
	MaxSessions  int           `yaml:"max_sessions"`
	SessionWait  time.Duration `yaml:"session_wait"`
}

// ProfileConfig overrides or extends the built-in profile catalog
type ProfileConfig struct {
	ID            string `yaml:"id"`
	Label         string `yaml:"label"`
	Suffix        string `yaml:"suffix"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	Family        string `yaml:"family"`
	SoftwareCodec string `yaml:"software_codec"`
	VideoBitrate  string `yaml:"video_bitrate"`
	AudioCodec    string `yaml:"audio_codec"`
	AudioBitrate  string `yaml:"audio_bitrate"`
	Preset        string `yaml:"preset"`
	Container     string `yaml:"container"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment, parses it and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "transcode-worker")
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")

	setInt(&c.Server.Port, 8081)
	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 10*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setString(&c.Queue.Driver, "rabbitmq")
	rmq := &c.Queue.RabbitMQ
	setInt(&rmq.Port, 5672)
	setString(&rmq.VHost, "/")
	setString(&rmq.Exchange.Name, "transcode")
	setString(&rmq.Exchange.Type, "direct")
	setString(&rmq.Queue.Name, "transcode.jobs")
	setString(&rmq.RoutingKey, "transcode.request")
	setString(&rmq.RetryQueue, rmq.Queue.Name+".retry")
	setString(&rmq.Completed.RoutingKey, "transcode.completed")
	setString(&rmq.DeadLetter.RoutingKey, "transcode.dead_letter")
	setInt(&rmq.Connection.RetryAttempts, 5)
	setDuration(&rmq.Connection.RetryInterval, 2*time.Second)
	setDuration(&rmq.Connection.Heartbeat, 10*time.Second)
	setDuration(&rmq.Connection.ConnectionTimeout, 30*time.Second)
	setInt(&rmq.Publish.RetryAttempts, 3)
	setDuration(&rmq.Publish.RetryInterval, 100*time.Millisecond)
	if rmq.Publish.BackoffMultiplier <= 0 {
		rmq.Publish.BackoffMultiplier = 2
	}

	kafka := &c.Queue.Kafka
	setString(&kafka.GroupID, "transcode-workers")
	setString(&kafka.RequestTopic, "transcode.requests")
	setString(&kafka.CompletedTopic, "transcode.completed")
	setString(&kafka.DeadLetterTopic, "transcode.dead_letter")

	setString(&c.Storage.Driver, "s3")
	setString(&c.Storage.S3.Region, "us-east-1")
	setString(&c.Storage.Local.Root, "./data/objects")

	setString(&c.Metadata.Database.Driver, "postgres")
	setInt(&c.Metadata.Database.Port, 5432)
	setString(&c.Metadata.Database.SSLMode, "disable")
	setString(&c.Metadata.Database.Path, "./data/metadata.db")
	setInt(&c.Metadata.Database.MaxOpenConns, 10)
	setInt(&c.Metadata.Database.MaxIdleConns, 5)
	setDuration(&c.Metadata.Database.ConnMaxLifetime, 30*time.Minute)

	setString(&c.Redis.Addr, "localhost:6379")
	setString(&c.Redis.KeyPrefix, "transcode")
	setDuration(&c.Redis.DialTimeout, 5*time.Second)

	if c.Worker.NodeID == "" {
		c.Worker.NodeID = defaultNodeID()
	}
	setInt(&c.Worker.MaxConcurrent, DefaultMaxConcurrent)
	setInt(&c.Worker.MaxAttempts, 5)
	setDuration(&c.Worker.RetryBaseDelay, 10*time.Second)
	setDuration(&c.Worker.RetryMaxDelay, 10*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, 10*time.Second)
	setDuration(&c.Worker.ClaimTTL, 3*c.Worker.HeartbeatInterval)
	setDuration(&c.Worker.ClaimPollInterval, 2*time.Second)
	setDuration(&c.Worker.CompletedTTL, 24*time.Hour)
	setDuration(&c.Worker.ShutdownTimeout, 60*time.Second)
	setInt(&c.Queue.RabbitMQ.Consumer.PrefetchCount, c.Worker.MaxConcurrent)
	setString(&c.Queue.RabbitMQ.Consumer.Tag, c.Worker.NodeID)

	setString(&c.Pipeline.WorkspaceRoot, os.TempDir()+"/transcode-worker")
	setDuration(&c.Pipeline.DownloadTimeout, 10*time.Minute)
	setDuration(&c.Pipeline.EncodeTimeout, 60*time.Minute)
	setDuration(&c.Pipeline.UploadTimeout, 10*time.Minute)
	setDuration(&c.Pipeline.FinalizeTimeout, 30*time.Second)

	setString(&c.Encoder.FFmpegPath, "ffmpeg")
	setString(&c.Encoder.FFprobePath, "ffprobe")
	setString(&c.Encoder.Hardware.Mode, "auto")
	setDuration(&c.Encoder.Hardware.SessionWait, 30*time.Second)
}

// ValidateWorkerConfig checks the settings the worker cannot start without.
// Errors are configuration-fatal.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateWorker(); err != nil {
		return &domain.ConfigError{Err: err}
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.MaxConcurrent <= 0 {
		return fmt.Errorf("worker max_concurrent must be greater than 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}
	if c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return fmt.Errorf("worker retry_max_delay must not be below retry_base_delay")
	}
	if c.Pipeline.WorkspaceRoot == "" {
		return fmt.Errorf("pipeline workspace_root is required")
	}

	if c.Server.Enabled && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	switch c.Queue.Driver {
	case "rabbitmq":
		rmq := c.Queue.RabbitMQ
		if rmq.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if rmq.Port < MinPort || rmq.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", rmq.Port, MinPort, MaxPort)
		}
		if rmq.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if rmq.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
		if c.Queue.Kafka.GroupID == "" {
			return fmt.Errorf("kafka group_id is required")
		}
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}

	switch c.Storage.Driver {
	case "s3":
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("s3 access_key and secret_key must be set together")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required")
		}
		if c.Storage.Minio.AccessKey == "" || c.Storage.Minio.SecretKey == "" {
			return fmt.Errorf("minio credentials are required")
		}
	case "local":
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("local storage root is required")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	db := c.Metadata.Database
	switch db.Driver {
	case "postgres":
		if db.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if db.Port < MinPort || db.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", db.Port, MinPort, MaxPort)
		}
		if db.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if db.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported metadata driver %q", db.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	switch c.Encoder.Hardware.Mode {
	case "auto", "always", "disabled":
	default:
		return fmt.Errorf("unsupported hardware mode %q (auto, always or disabled)", c.Encoder.Hardware.Mode)
	}
	if c.Encoder.Hardware.Enabled && c.Encoder.Hardware.Mode == "always" && c.Encoder.Hardware.DeviceType == "" {
		return fmt.Errorf("encoder hardware device_type is required in mode always")
	}
	if c.Encoder.Hardware.MaxSessions < 0 {
		return fmt.Errorf("encoder hardware max_sessions must not be negative")
	}

	return nil
}

// Catalog builds the profile catalog. Configured profiles replace the
// built-in ones of the same id and add the rest.
func (c *Config) Catalog() (*profile.Catalog, error) {
	if len(c.Profiles) == 0 {
		return profile.Default(), nil
	}

	byID := make(map[string]profile.Profile)
	for _, p := range profile.DefaultProfiles() {
		byID[p.ID] = p
	}
	for _, pc := range c.Profiles {
		byID[pc.ID] = profile.Profile{
			ID:            pc.ID,
			Label:         pc.Label,
			Suffix:        pc.Suffix,
			Width:         pc.Width,
			Height:        pc.Height,
			Family:        pc.Family,
			SoftwareCodec: pc.SoftwareCodec,
			VideoBitrate:  pc.VideoBitrate,
			AudioCodec:    pc.AudioCodec,
			AudioBitrate:  pc.AudioBitrate,
			Preset:        pc.Preset,
			Container:     pc.Container,
		}
	}

	profiles := make([]profile.Profile, 0, len(byID))
	for _, p := range byID {
		profiles = append(profiles, p)
	}
	catalog, err := profile.NewCatalog(profiles, profile.DefaultThumbnail())
	if err != nil {
		return nil, &domain.ConfigError{Err: err}
	}
	return catalog, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	host = strings.ToLower(strings.ReplaceAll(host, ".", "-"))
	return host + "-" + uuid.NewString()[:8]
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
