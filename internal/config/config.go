package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Supported values for DB_DRIVER.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds application configuration
type Config struct {
	// データベース接続設定
	DBDriver       string
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBPath         string
	DBMaxOpenConns int

	// サーバー設定
	ServerPort     string
	Env            string
	RequestTimeout time.Duration

	// CORS設定
	AllowedOrigins []string

	// ログ設定
	LogLevel  string
	LogFormat string

	// メッセージング設定
	IdentityHeader    string
	MaxTextLength     int
	WSSendBuffer      int
	PresenceQueueSize int
}

// Load loads configuration from environment variables
func Load() Config {
	driver := getenv("DB_DRIVER", DriverMySQL)

	defaultPort := "3306"
	if driver == DriverPostgres {
		defaultPort = "5432"
	}

	env := getenv("ENV", "development")

	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	allowedOrigins := getenv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")

	cfg := Config{
		DBDriver:          driver,
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", defaultPort),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            os.Getenv("DB_NAME"),
		DBSSLMode:         getenv("DB_SSLMODE", "disable"),
		DBPath:            getenv("DB_PATH", "directline.db"),
		DBMaxOpenConns:    getint("DB_MAX_OPEN_CONNS", 25),
		ServerPort:        getenv("SERVER_PORT", "8080"),
		Env:               env,
		RequestTimeout:    getduration("REQUEST_TIMEOUT", 5*time.Second),
		AllowedOrigins:    strings.Split(allowedOrigins, ","),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", defaultFormat),
		IdentityHeader:    getenv("IDENTITY_HEADER", "X-User-ID"),
		MaxTextLength:     getint("MAX_TEXT_LENGTH", 5000),
		WSSendBuffer:      getint("WS_SEND_BUFFER", 64),
		PresenceQueueSize: getint("PRESENCE_QUEUE_SIZE", 256),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}

// DSN renders the data source name for the configured driver.
func (c Config) DSN() string {
	switch c.DBDriver {
	case DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.DBUser, c.DBPassword),
			Host:     c.DBHost + ":" + c.DBPort,
			Path:     "/" + c.DBName,
			RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
		}
		return u.String()
	case DriverSQLite:
		return "file:" + c.DBPath + "?_busy_timeout=5000&_journal_mode=WAL"
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
			c.DBUser,
			c.DBPassword,
			c.DBHost,
			c.DBPort,
			c.DBName,
		)
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logrus.WithFields(logrus.Fields{
			"key":     key,
			"value":   v,
			"default": fallback,
		}).Warn("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logrus.WithFields(logrus.Fields{
			"key":     key,
			"value":   v,
			"default": fallback,
		}).Warn("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
