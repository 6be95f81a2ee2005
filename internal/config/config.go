package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envFiles are loaded in order; variables already present in the
// environment are never overwritten.
var envFiles = []string{".env", "env.production", "env.local"}

type Config struct {
	Env           string   `envconfig:"ENV" default:"development"`
	Port          string   `envconfig:"PORT" default:"9090"`
	LogLevel      string   `envconfig:"LOG_LEVEL" default:"debug"`
	CORSOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	PublicBaseURL string   `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:9090"`

	// Main database
	DBType     string `envconfig:"DB_TYPE" default:"sqlite"`
	DBHost     string `envconfig:"DB_HOST" default:"127.0.0.1"`
	DBPort     string `envconfig:"DB_PORT"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"wa_gateway"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"whatsapp.db"`
	DBLogLevel string `envconfig:"DB_LOG_LEVEL" default:"warn"`

	// whatsmeow key-material store
	WAStoreDriver string `envconfig:"WA_STORE_DRIVER" default:"sqlite"`
	WAStoreDSN    string `envconfig:"WA_STORE_DSN" default:"file:whatsapp_store.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"`

	JWTSecret string        `envconfig:"JWT_SECRET" default:"wa-gateway-secret-change-in-production"`
	JWTExpiry time.Duration `envconfig:"JWT_EXPIRY" default:"168h"`

	ReconnectDelay      time.Duration `envconfig:"RECONNECT_DELAY" default:"3s"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"6h"`
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`

	QuotaFailOpen          bool          `envconfig:"QUOTA_FAIL_OPEN" default:"true"`
	QuotaTimezone          string        `envconfig:"QUOTA_TIMEZONE" default:"UTC"`
	UsageRetentionInterval time.Duration `envconfig:"USAGE_RETENTION_INTERVAL" default:"24h"`

	DefaultQuota QuotaProfile `envconfig:"DEFAULT"`
	TrialQuota   TrialProfile `envconfig:"TRIAL"`

	FileStorage string        `envconfig:"FILE_STORAGE" default:"local"`
	UploadDir   string        `envconfig:"UPLOAD_DIR" default:"uploads"`
	MaxFileSize int64         `envconfig:"MAX_FILE_SIZE" default:"52428800"`
	S3Bucket    string        `envconfig:"S3_BUCKET"`
	S3Region    string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint  string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string        `envconfig:"S3_SECRET_KEY"`
	S3URLExpiry time.Duration `envconfig:"S3_URL_EXPIRY" default:"24h"`

	JobsBackend string `envconfig:"JOBS_BACKEND" default:"ticker"`
}

// QuotaProfile is read from DEFAULT_* variables.
type QuotaProfile struct {
	DeviceLimit         int `envconfig:"DEVICE_LIMIT" default:"5"`
	MessageQuotaDaily   int `envconfig:"MESSAGE_QUOTA_DAILY" default:"1000"`
	MessageQuotaMonthly int `envconfig:"MESSAGE_QUOTA_MONTHLY" default:"30000"`
	StorageLimitMB      int `envconfig:"STORAGE_LIMIT_MB" default:"500"`
}

// TrialProfile is read from TRIAL_* variables and applied to accounts
// created after the first one.
type TrialProfile struct {
	DeviceLimit         int `envconfig:"DEVICE_LIMIT" default:"1"`
	MessageQuotaDaily   int `envconfig:"MESSAGE_QUOTA_DAILY" default:"100"`
	MessageQuotaMonthly int `envconfig:"MESSAGE_QUOTA_MONTHLY" default:"3000"`
	StorageLimitMB      int `envconfig:"STORAGE_LIMIT_MB" default:"100"`
	Days                int `envconfig:"DAYS" default:"7"`
}

// Load reads the optional env files and then processes the environment.
func Load() (*Config, error) {
	for _, f := range envFiles {
		// Missing files are fine.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DBType {
	case "sqlite", "mysql", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.DBType)
	}
	switch c.FileStorage {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when FILE_STORAGE=s3")
		}
	default:
		return fmt.Errorf("unsupported FILE_STORAGE %q", c.FileStorage)
	}
	switch c.JobsBackend {
	case "ticker":
	case "river":
		if !c.IsPostgres() {
			return fmt.Errorf("JOBS_BACKEND=river requires DB_TYPE=postgres")
		}
	default:
		return fmt.Errorf("unsupported JOBS_BACKEND %q", c.JobsBackend)
	}
	if _, err := time.LoadLocation(c.QuotaTimezone); err != nil {
		return fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err)
	}
	return nil
}

func (c *Config) IsPostgres() bool {
	return c.DBType == "postgres" || c.DBType == "postgresql"
}

// Location returns the zone used to bucket usage into days and months.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PostgresDSN builds a keyword/value DSN accepted by both gorm's postgres
// driver and pgxpool.
func (c *Config) PostgresDSN() string {
	port := c.DBPort
	if port == "" {
		port = "5432"
	}
	user := c.DBUser
	if user == "" {
		user = "postgres"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, port, user, c.DBPassword, c.DBName, c.DBSSLMode)
}

// MySQLDSN builds a go-sql-driver DSN.
func (c *Config) MySQLDSN() string {
	port := c.DBPort
	if port == "" {
		port = "3306"
	}
	user := c.DBUser
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=10s&readTimeout=30s&writeTimeout=30s",
		user, c.DBPassword, c.DBHost, port, c.DBName)
}
