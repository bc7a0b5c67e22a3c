package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string
	GRPCHealthAddr string
	LogLevel       string
	LogFormat      string
	AllowOrigins   []string

	TemplatesFile string

	Backend               string
	DockerIsolatedNetwork string
	KubeconfigPath        string
	KubeNamespace         string

	ReaperInterval        time.Duration
	SessionRetention      time.Duration
	ProvisionTimeout      time.Duration
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
	OutputCapBytes        int

	HistoryBackend string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string
	RedisAddr      string
	HistoryTTL     time.Duration

	RabbitMQURL     string
	KafkaBrokerURL  string
	KafkaAuditTopic string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env file: %v", err)
	}

	return &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ":50061"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		AllowOrigins:   getList("ALLOWED_ORIGINS", "http://localhost:5173"),

		TemplatesFile: getEnv("TEMPLATES_FILE", ""),

		Backend:               getEnv("BACKEND", "docker"),
		DockerIsolatedNetwork: getEnv("DOCKER_ISOLATED_NETWORK", "lab-isolated"),
		KubeconfigPath:        getEnv("KUBECONFIG", ""),
		KubeNamespace:         getEnv("KUBE_NAMESPACE", "labs"),

		ReaperInterval:        getDuration("REAPER_INTERVAL", 30*time.Second),
		SessionRetention:      getDuration("SESSION_RETENTION", time.Hour),
		ProvisionTimeout:      getDuration("PROVISION_TIMEOUT", 2*time.Minute),
		DefaultCommandTimeout: getDuration("DEFAULT_COMMAND_TIMEOUT", 10*time.Second),
		MaxCommandTimeout:     getDuration("MAX_COMMAND_TIMEOUT", 120*time.Second),
		OutputCapBytes:        getInt("OUTPUT_CAP_BYTES", 64*1024),

		HistoryBackend: getEnv("HISTORY_BACKEND", "none"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "lab-history.db"),
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		HistoryTTL:     getDuration("HISTORY_TTL", 7*24*time.Hour),

		RabbitMQURL:     getEnv("RABBITMQ_URL", ""),
		KafkaBrokerURL:  getEnv("KAFKA_BROKER_URL", ""),
		KafkaAuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "labs.commands"),
	}
}

// Helper function to get env var with a default value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid duration for %s (%q), using %s", key, value, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer for %s (%q), using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
