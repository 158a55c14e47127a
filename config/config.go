package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env          string
	AppName      string
	ServerPort   int
	JWTSecret    string
	TokenTTL     time.Duration
	Database     DatabaseConfig
	Log          LogConfig
	CORS         CORSConfig
	Storage      StorageConfig
	Minio        MinioConfig
	GCS          GCSConfig
	MQ           MQConfig
	RabbitMQ     RabbitMQConfig
	PubSub       PubSubConfig
	NATS         NATSConfig
	Redis        RedisConfig
	SendGrid     SendGridConfig
	Twilio       TwilioConfig
	Verification VerificationConfig
	Scans        ScanConfig
	Analytics    AnalyticsConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
	// InMemory replaces postgres with the in-process store.
	InMemory bool
}

type LogConfig struct {
	Level string
	JSON  bool
}

type CORSConfig struct {
	AllowedOrigins []string
}

// StorageConfig selects the object storage backend for scan images.
// Backend is "minio", "gcs" or empty to disable uploads.
type StorageConfig struct {
	Backend        string
	MaxUploadBytes int64
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

// MQConfig selects the broker. Backend is "rabbitmq", "pubsub", "nats" or
// empty, in which case classification and pest alerts are disabled.
type MQConfig struct {
	Backend          string
	ClassifyRequests string
	ClassifyResults  string
	PestAlerts       string
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type NATSConfig struct {
	URL        string
	QueueGroup string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SendGridConfig struct {
	APIKey      string
	FromEmail   string
	FromName    string
	SandboxMode bool
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromPhone  string
}

type VerificationConfig struct {
	CodeLength         int
	CodeTTL            time.Duration
	IssueLimit         int
	IssueWindow        time.Duration
	DispatchTimeout    time.Duration
	DefaultCountryCode string
	CleanupSchedule    string
	CleanupRetention   time.Duration
}

type ScanConfig struct {
	ClassifyTimeout time.Duration
}

type AnalyticsConfig struct {
	Timezone string
}

func LoadConfig() Config {
	env := getEnv("ENV", "prod")
	if env == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "cocoguard"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "cocoguard_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
		InMemory: getEnvBool("DB_IN_MEMORY", false),
	}

	return Config{
		Env:        env,
		AppName:    getEnv("APP_NAME", "CocoGuard"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		JWTSecret:  strings.TrimSpace(getEnv("JWT_SECRET", "")),
		TokenTTL:   getEnvDuration("JWT_TTL", 24*time.Hour),
		Database:   dbConfig,
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getEnvBool("LOG_JSON", env != "dev"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(getEnv("STORAGE_BACKEND", "")),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 5<<20)),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "cocoguard-scans"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			Bucket:          getEnv("GCS_BUCKET", ""),
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		},
		MQ: MQConfig{
			Backend:          strings.ToLower(getEnv("MQ_BACKEND", "")),
			ClassifyRequests: getEnv("MQ_CLASSIFY_REQUESTS", "scan-classify-requests"),
			ClassifyResults:  getEnv("MQ_CLASSIFY_RESULTS", "scan-classify-results"),
			PestAlerts:       getEnv("MQ_PEST_ALERTS", "pest-alerts"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
			QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
			CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", ""),
			QueueGroup: getEnv("NATS_QUEUE_GROUP", "cocoguard-api"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SendGrid: SendGridConfig{
			APIKey:      getEnv("SENDGRID_API_KEY", ""),
			FromEmail:   getEnv("SENDGRID_FROM_EMAIL", ""),
			FromName:    getEnv("SENDGRID_FROM_NAME", "CocoGuard"),
			SandboxMode: getEnvBool("SENDGRID_SANDBOX_MODE", false),
		},
		Twilio: TwilioConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromPhone:  getEnv("TWILIO_FROM_PHONE", ""),
		},
		Verification: VerificationConfig{
			CodeLength:         getEnvInt("VERIFICATION_CODE_LENGTH", 6),
			CodeTTL:            getEnvDuration("VERIFICATION_CODE_TTL", 10*time.Minute),
			IssueLimit:         getEnvInt("VERIFICATION_ISSUE_LIMIT", 5),
			IssueWindow:        getEnvDuration("VERIFICATION_ISSUE_WINDOW", time.Hour),
			DispatchTimeout:    getEnvDuration("VERIFICATION_DISPATCH_TIMEOUT", 10*time.Second),
			DefaultCountryCode: getEnv("SMS_DEFAULT_COUNTRY_CODE", "+63"),
			CleanupSchedule:    getEnv("VERIFICATION_CLEANUP_SCHEDULE", "0 3 * * *"),
			CleanupRetention:   getEnvDuration("VERIFICATION_CLEANUP_RETENTION", 24*time.Hour),
		},
		Scans: ScanConfig{
			ClassifyTimeout: getEnvDuration("CLASSIFY_TIMEOUT", 30*time.Second),
		},
		Analytics: AnalyticsConfig{
			Timezone: getEnv("APP_TIMEZONE", "Asia/Manila"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(valueStr)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
