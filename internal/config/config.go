// Package config reads the service configuration from the environment. When
// APP_ENV is local (the default), a .env file is loaded first.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds the service configuration.
type Config struct {
	Env  string
	Port string

	Store struct {
		Driver     string // mongo or memory
		MongoURI   string
		Database   string
		Collection string
	}

	MQTT struct {
		Enabled     bool
		Broker      string
		ClientID    string
		TopicPrefix string
	}

	Log struct {
		Level  string
		Format string // text or json
	}

	Trips struct {
		StartOdometerWarnKm  int
		FinishOdometerWarnKm int
	}

	Writes struct {
		Retries    int
		RetryDelay time.Duration
	}

	StatsRefreshInterval time.Duration

	RateLimit struct {
		Requests int
		Window   time.Duration
	}
}

// Load reads the configuration. envFile is only consulted when APP_ENV is local.
func Load(envFile string) *Config {
	if GetEnv("APP_ENV", "local") == "local" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Error loading config from file")
		}
	}
	return fromEnv()
}

func fromEnv() *Config {
	cfg := &Config{}
	cfg.Env = GetEnv("APP_ENV", "local")
	cfg.Port = GetEnv("PORT", "8080")

	cfg.Store.Driver = strings.ToLower(GetEnv("STORE_DRIVER", "mongo"))
	cfg.Store.MongoURI = GetEnv("MONGO_URI", "mongodb://localhost:27017")
	cfg.Store.Database = GetEnv("MONGO_DB", "fleet")
	cfg.Store.Collection = GetEnv("MONGO_COLLECTION", "records")

	cfg.MQTT.Broker = GetEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = GetEnv("MQTT_CLIENT_ID", "fleet-dispatch")
	cfg.MQTT.TopicPrefix = GetEnv("MQTT_TOPIC_PREFIX", "fleet")
	cfg.MQTT.Enabled = GetEnvAsBool("MQTT_ENABLED", cfg.MQTT.Broker != "")

	cfg.Log.Level = GetEnv("LOG_LEVEL", "info")
	cfg.Log.Format = GetEnv("LOG_FORMAT", "text")

	cfg.Trips.StartOdometerWarnKm = GetEnvAsInt("START_ODOMETER_WARN_KM", 1000)
	cfg.Trips.FinishOdometerWarnKm = GetEnvAsInt("FINISH_ODOMETER_WARN_KM", 5000)

	cfg.Writes.Retries = GetEnvAsInt("WRITE_RETRIES", 3)
	cfg.Writes.RetryDelay = GetEnvAsDuration("WRITE_RETRY_DELAY", 100*time.Millisecond)

	cfg.StatsRefreshInterval = GetEnvAsDuration("STATS_REFRESH_INTERVAL", 15*time.Second)

	cfg.RateLimit.Requests = GetEnvAsInt("RATE_LIMIT_REQUESTS", 120)
	cfg.RateLimit.Window = time.Duration(GetEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	return cfg
}

// NewLogger builds a logger from the Log section.
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		logger.WithField("level", c.Log.Level).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	if strings.EqualFold(c.Log.Format, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// GetEnv returns the value of key, or defaultValue when unset or empty.
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warnf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Warnf("Invalid boolean value for %s, using default: %v", key, defaultValue)
		return defaultValue
	}
	return value
}

// GetEnvAsDuration parses values such as "250ms" or "15s".
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := GetEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Warnf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}
