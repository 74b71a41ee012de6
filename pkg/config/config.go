package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	SQLite  SQLiteConfig
	Minio   MinioConfig
	Index   IndexConfig
	Milvus  MilvusConfig
	Qdrant  QdrantConfig
	Redis   RedisConfig
	Queue   QueueConfig
	Crawl   CrawlConfig
	Upload  UploadConfig
	Logging LoggingConfig
	Limits  LimitsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// IndexConfig selects the search index backend. Backend is "milvus" or "qdrant".
type IndexConfig struct {
	Backend   string
	Prefix    string
	VectorDim int
}

type MilvusConfig struct {
	Endpoint string
	Username string
	Password string
}

type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type QueueConfig struct {
	Stream string
	MaxLen int64
}

type CrawlConfig struct {
	ConverterURL string
	TimeoutSec   int
	UserAgent    string
}

type UploadConfig struct {
	MaxFilesPerKB int
	MaxFileSize   int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type LimitsConfig struct {
	RequestsPerMinute int
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/kbdoc")

	viper.SetEnvPrefix("KBDOC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Index.Backend {
	case "milvus", "qdrant":
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	if c.Index.Prefix == "" {
		return fmt.Errorf("index prefix must not be empty")
	}
	if c.Queue.Stream == "" {
		return fmt.Errorf("queue stream must not be empty")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 9380)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 128*1024*1024)
	viper.SetDefault("server.allowedOrigins", []string{})
	viper.SetDefault("server.development", false)

	viper.SetDefault("sqlite.path", "./data/kbdoc.db")

	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.accessKey", "minioadmin")
	viper.SetDefault("minio.secretKey", "minioadmin")
	viper.SetDefault("minio.useSSL", false)

	viper.SetDefault("index.backend", "milvus")
	viper.SetDefault("index.prefix", "kbdoc_")
	viper.SetDefault("index.vectorDim", 1024)

	viper.SetDefault("milvus.endpoint", "localhost:19530")

	viper.SetDefault("qdrant.host", "localhost")
	viper.SetDefault("qdrant.port", 6334)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("queue.stream", "kbdoc_parse_tasks")
	viper.SetDefault("queue.maxLen", 100000)

	viper.SetDefault("crawl.converterURL", "http://localhost:3000/forms/chromium/convert/url")
	viper.SetDefault("crawl.timeoutSec", 60)
	viper.SetDefault("crawl.userAgent", "kbdoc-crawler/1.0")

	viper.SetDefault("upload.maxFilesPerKB", 0)
	viper.SetDefault("upload.maxFileSize", 128*1024*1024)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")

	viper.SetDefault("limits.requestsPerMinute", 120)
}
