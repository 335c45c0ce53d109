package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// App holds the runtime configuration loaded from environment variables,
// an optional .env file and an optional config file.
type App struct {
	Env      string
	HTTPPort string

	DBDriver    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FaceServiceURL string
	FaceSkip       bool
	FaceTimeout    time.Duration

	QueueBackend string
	QueueKey     string

	RateLimitPerMin int
	MaxUploadMB     int
	CORSOrigins     []string

	AllowDuplicateSameDay bool
	RequireSingleFace     bool
	LockTTL               time.Duration
	LiveTTL               time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string
}

// Load returns application config populated with sensible defaults,
// overridden by the config file at path (if any) and then by the environment.
func Load(path string) (App, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return App{}, errors.Wrap(err, "read config")
		}
	}

	cfg := App{
		Env:                   v.GetString("app_env"),
		HTTPPort:              v.GetString("http_port"),
		DBDriver:              strings.ToLower(v.GetString("db_driver")),
		DatabaseURL:           v.GetString("database_url"),
		RedisAddr:             v.GetString("redis_addr"),
		RedisPassword:         v.GetString("redis_password"),
		RedisDB:               v.GetInt("redis_db"),
		FaceServiceURL:        v.GetString("face_service_url"),
		FaceSkip:              v.GetBool("face_skip"),
		FaceTimeout:           v.GetDuration("face_timeout"),
		QueueBackend:          strings.ToLower(v.GetString("queue_backend")),
		QueueKey:              v.GetString("queue_key"),
		RateLimitPerMin:       v.GetInt("rate_limit_per_min"),
		MaxUploadMB:           v.GetInt("max_upload_mb"),
		CORSOrigins:           splitList(v.GetString("cors_origins")),
		AllowDuplicateSameDay: v.GetBool("allow_duplicate_same_day"),
		RequireSingleFace:     v.GetBool("register_require_single_face"),
		LockTTL:               v.GetDuration("lock_ttl"),
		LiveTTL:               v.GetDuration("live_ttl"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),
		LogFile:               v.GetString("log_file"),
		CloudinaryCloudName:   v.GetString("cloudinary_cloud_name"),
		CloudinaryAPIKey:      v.GetString("cloudinary_api_key"),
		CloudinaryAPISecret:   v.GetString("cloudinary_api_secret"),
		CloudinaryFolder:      v.GetString("cloudinary_folder"),
	}
	if err := cfg.Validate(); err != nil {
		return App{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "dev")
	v.SetDefault("http_port", "8081")
	v.SetDefault("db_driver", "sqlite3")
	v.SetDefault("database_url", "./data/attendance.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("face_service_url", "http://localhost:8000")
	v.SetDefault("face_skip", false)
	v.SetDefault("face_timeout", "30s")
	v.SetDefault("queue_backend", "memory")
	v.SetDefault("queue_key", "attendance:events")
	v.SetDefault("rate_limit_per_min", 120)
	v.SetDefault("max_upload_mb", 10)
	v.SetDefault("cors_origins", "*")
	v.SetDefault("allow_duplicate_same_day", true)
	v.SetDefault("register_require_single_face", true)
	v.SetDefault("lock_ttl", "5s")
	v.SetDefault("live_ttl", "48h")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
	v.SetDefault("cloudinary_folder", "attendance/students")
}

// Validate rejects configurations the service cannot start with.
func (c App) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		return errors.Errorf("config: unsupported DB_DRIVER %q (want sqlite3 or pgx)", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL must not be empty")
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return errors.Errorf("config: unsupported QUEUE_BACKEND %q (want memory or redis)", c.QueueBackend)
	}
	if c.HTTPPort == "" {
		return errors.New("config: HTTP_PORT must not be empty")
	}
	if c.MaxUploadMB <= 0 {
		return errors.New("config: MAX_UPLOAD_MB must be positive")
	}
	return nil
}

// Production reports whether the service runs in release mode.
func (c App) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

// CloudinaryEnabled reports whether all Cloudinary credentials are present.
func (c App) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
