package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Dashboard
	APIPort        string
	JobServiceURL  string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	RequestTimeout time.Duration
	RunBackend     string // memory or postgres
	ResultBackend  string // local or s3
	StartWait      time.Duration

	// Reference job service
	JobServicePort     string
	JobServiceBasePath string
	JobBackend         string // memory or redis
	Coordination       string // local or etcd
	JobDeadline        time.Duration
	ReaperSchedule     string
	ReaperGrace        time.Duration
	WorkerSlots        int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost string
	RedisPort string

	EtcdEndpoints     []string
	LeaderElectionTTL int

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
	ResultDir  string

	LogLevel    string
	LogEncoding string

	TracingEnabled  bool
	TracingEndpoint string

	AuthEnabled bool
	JWTSecret   string
}

func LoadConfig() *Config {
	return &Config{
		APIPort:        getEnv("API_PORT", "8080"),
		JobServiceURL:  getEnv("JOB_SERVICE_URL", "http://localhost:8081/mmw"),
		PollInterval:   getEnvAsDuration("POLL_INTERVAL", time.Second),
		PollTimeout:    getEnvAsDuration("POLL_TIMEOUT", 45*time.Second),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RunBackend:     getEnv("RUN_BACKEND", "memory"),
		ResultBackend:  getEnv("RESULT_BACKEND", "local"),
		StartWait:      getEnvAsDuration("START_WAIT", 10*time.Second),

		JobServicePort:     getEnv("JOB_SERVICE_PORT", "8081"),
		JobServiceBasePath: getEnv("JOB_SERVICE_BASE_PATH", "/mmw"),
		JobBackend:         getEnv("JOB_BACKEND", "memory"),
		Coordination:       getEnv("COORDINATION", "local"),
		JobDeadline:        getEnvAsDuration("JOB_DEADLINE", 42*time.Second),
		ReaperSchedule:     getEnv("REAPER_SCHEDULE", "@every 30s"),
		ReaperGrace:        getEnvAsDuration("REAPER_GRACE", 30*time.Second),
		WorkerSlots:        getEnvAsInt("WORKER_SLOTS", 0),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "geotask"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "geotask"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints:     getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),

		S3Bucket:   getEnv("S3_BUCKET", "geotask-results"),
		S3Prefix:   getEnv("S3_PREFIX", "results/"),
		S3Region:   getEnv("S3_REGION", "us-east-1"),
		S3Endpoint: getEnv("S3_ENDPOINT", ""),
		ResultDir:  getEnv("RESULT_DIR", "/tmp/geotask-results"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),

		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),
		JWTSecret:   getEnv("JWT_SECRET", ""),
	}
}

// PostgresDSN builds the connection string for gorm's postgres driver.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost + " user=" + c.DBUser + " password=" + c.DBPassword +
		" dbname=" + c.DBName + " port=" + c.DBPort + " sslmode=disable TimeZone=UTC"
}

// RedisAddr returns host:port for the redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
