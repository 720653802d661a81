package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env  string
	Port string

	DBSource string

	JWTSecret string
	TokenTTL  time.Duration

	NATSURL   string
	RedisAddr string

	DirectoryURL string
	MintURL      string
	PushURL      string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	EtcdEndpoints string

	RewardRateBps uint32
	SweepInterval time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
}

func Load() (*Config, error) {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg := &Config{
		Env:  getEnv("ENVIRONMENT", "development"),
		Port: getEnv("SERVER_PORT", "8080"),

		DBSource: os.Getenv("DB_SOURCE"),

		JWTSecret: jwtSecret,
		TokenTTL:  getDuration("TOKEN_TTL", 24*time.Hour),

		NATSURL:   os.Getenv("NATS_URL"),
		RedisAddr: os.Getenv("REDIS_ADDR"),

		DirectoryURL: os.Getenv("DIRECTORY_URL"),
		MintURL:      os.Getenv("MINT_URL"),
		PushURL:      os.Getenv("PUSH_URL"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    getEnv("INFLUX_ORG", "punchcard"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "payments"),

		EtcdEndpoints: os.Getenv("ETCD_ENDPOINTS"),

		SweepInterval: getDuration("SWEEP_INTERVAL", 30*time.Second),

		RateLimitMax:    getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: getDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	rateBps := getInt("REWARD_RATE_BPS", 200)
	if rateBps < 0 || rateBps > 10_000 {
		return nil, fmt.Errorf("REWARD_RATE_BPS must be between 0 and 10000, got %d", rateBps)
	}
	cfg.RewardRateBps = uint32(rateBps)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
