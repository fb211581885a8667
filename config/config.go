package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RedisAddr          string        `yaml:"redis_addr"`
	RedisPassword      string        `yaml:"redis_password"`
	RedisDB            int           `yaml:"redis_db"`
	RedisPrefix        string        `yaml:"redis_prefix"`
	VideoQueue         string        `yaml:"video_queue"`
	MP3Queue           string        `yaml:"mp3_queue"`
	MaxDeliveries      int           `yaml:"max_deliveries"`
	QueueBlockTimeout  time.Duration `yaml:"queue_block_timeout"`
	ConsumerLease      time.Duration `yaml:"consumer_lease"`
	ConsumerName       string        `yaml:"consumer_name"`
	WorkerCount        int           `yaml:"worker_count"`
	StoreBackend       string        `yaml:"store_backend"`
	VideoBucket        string        `yaml:"video_bucket"`
	MP3Bucket          string        `yaml:"mp3_bucket"`
	S3Region           string        `yaml:"s3_region"`
	AWSS3AccessKey     string        `yaml:"s3_key"`
	AWSS3SecretKey     string        `yaml:"s3_secret"`
	S3Endpoint         string        `yaml:"s3_endpoint"`
	S3UsePathStyle     bool          `yaml:"s3_use_path_style"`
	GCSCredentialsFile string        `yaml:"gcs_credentials_file"`
	PebbleDir          string        `yaml:"pebble_dir"`
	DatabaseURL        string        `yaml:"database_url"`
	FFmpegPath         string        `yaml:"ffmpeg_path"`
	AudioBitrate       string        `yaml:"audio_bitrate"`
	TempDir            string        `yaml:"temp_dir"`
	ConversionTimeout  int           `yaml:"conversion_timeout"`
	Notifier           string        `yaml:"notifier"`
	SenderAddress      string        `yaml:"gmail_address"`
	SenderPassword     string        `yaml:"gmail_password"`
	SMTPHost           string        `yaml:"smtp_host"`
	SMTPPort           int           `yaml:"smtp_port"`
	GmailCredentials   string        `yaml:"gmail_credentials_file"`
	GmailTokenFile     string        `yaml:"gmail_token_file"`
	AuthSvcAddress     string        `yaml:"auth_svc_address"`
	JWTSecret          string        `yaml:"jwt_secret"`
	JWTIssuer          string        `yaml:"jwt_issuer"`
	HTTPAddr           string        `yaml:"http_addr"`
	MaxUploadMB        int64         `yaml:"max_upload_mb"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	LogLevel           string        `yaml:"log_level"`
}

func defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "converter"
	}

	return &Config{
		RedisAddr:         "redis:6379",
		VideoQueue:        "video",
		MP3Queue:          "mp3",
		MaxDeliveries:     5,
		QueueBlockTimeout: 30 * time.Second,
		ConsumerLease:     time.Minute,
		ConsumerName:      hostname,
		WorkerCount:       1,
		StoreBackend:      "s3",
		VideoBucket:       "videos",
		MP3Bucket:         "mp3s",
		S3Region:          "us-east-1",
		PebbleDir:         "data/blobs",
		FFmpegPath:        "ffmpeg",
		AudioBitrate:      "192k",
		TempDir:           os.TempDir(),
		ConversionTimeout: 120,
		Notifier:          "smtp",
		SMTPHost:          "smtp.gmail.com",
		SMTPPort:          587,
		HTTPAddr:          ":8080",
		MaxUploadMB:       512,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and finally the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	redisPrefix := getEnv("REDIS_PREFIX", cfg.RedisPrefix)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = redisPrefix
	cfg.VideoQueue = applyPrefix(getEnv("VIDEO_QUEUE", cfg.VideoQueue), redisPrefix)
	cfg.MP3Queue = applyPrefix(getEnv("MP3_QUEUE", cfg.MP3Queue), redisPrefix)
	cfg.MaxDeliveries = getEnvInt("QUEUE_MAX_DELIVERIES", cfg.MaxDeliveries)
	cfg.QueueBlockTimeout = getEnvDuration("QUEUE_BLOCK_TIMEOUT", cfg.QueueBlockTimeout)
	cfg.ConsumerLease = getEnvDuration("CONSUMER_LEASE", cfg.ConsumerLease)
	cfg.ConsumerName = getEnv("CONSUMER_NAME", cfg.ConsumerName)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)

	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", cfg.StoreBackend))
	cfg.VideoBucket = getEnv("VIDEO_BUCKET", cfg.VideoBucket)
	cfg.MP3Bucket = getEnv("MP3_BUCKET", cfg.MP3Bucket)
	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	cfg.S3Region = getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", cfg.S3Region)
	cfg.AWSS3AccessKey = getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", cfg.AWSS3AccessKey)
	cfg.AWSS3SecretKey = getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", cfg.AWSS3SecretKey)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", cfg.S3UsePathStyle)
	cfg.GCSCredentialsFile = getEnv("GCS_CREDENTIALS_FILE", cfg.GCSCredentialsFile)
	cfg.PebbleDir = getEnv("PEBBLE_DIR", cfg.PebbleDir)

	cfg.DatabaseURL = databaseURL(cfg.DatabaseURL)

	cfg.FFmpegPath = getEnv("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.AudioBitrate = getEnv("AUDIO_BITRATE", cfg.AudioBitrate)
	cfg.TempDir = getEnv("CONVERSION_TEMP_DIR", cfg.TempDir)
	cfg.ConversionTimeout = getEnvInt("CONVERSION_TIMEOUT", cfg.ConversionTimeout)

	cfg.Notifier = strings.ToLower(getEnv("NOTIFIER", cfg.Notifier))
	cfg.SenderAddress = getEnv("GMAIL_ADDRESS", cfg.SenderAddress)
	cfg.SenderPassword = getEnv("GMAIL_PASSWORD", cfg.SenderPassword)
	cfg.SMTPHost = getEnv("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = getEnvInt("SMTP_PORT", cfg.SMTPPort)
	cfg.GmailCredentials = getEnv("GMAIL_CREDENTIALS_FILE", cfg.GmailCredentials)
	cfg.GmailTokenFile = getEnv("GMAIL_TOKEN_FILE", cfg.GmailTokenFile)

	cfg.AuthSvcAddress = getEnv("AUTH_SVC_ADDRESS", cfg.AuthSvcAddress)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnv("JWT_ISSUER", cfg.JWTIssuer)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.MaxUploadMB = int64(getEnvInt("MAX_UPLOAD_MB", int(cfg.MaxUploadMB)))
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if cfg.MaxUploadMB <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", cfg.MaxUploadMB)
	}

	return cfg, nil
}

// ProcessTimeout bounds a single delivery, including its ack.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.ConversionTimeout) * time.Second
}

// databaseURL builds a lib/pq connection string from DB_* when DB_HOST is set.
// The ledger is optional; an empty result disables it.
func databaseURL(fallback string) string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		return fallback
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "mp3converter")
	dbUser := getEnv("DB_USERNAME", "mp3converter")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dbURL := fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode,
	)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if dbSSLRootCert := getEnv("DB_SSLROOTCERT", ""); dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}

	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" || strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
