package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr           string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	GroupID        string
	AppURL         string
	OperatorSecret string
	OperatorIssuer string
	CORSOrigins    string
}

func Load() Config {
	return Config{
		Addr:          getenv("ADDR", ":8090"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),
		// The group the reminder notifications go to, e.g.
		// 12036300000000@g.us. Sends fail with a clear error when unset.
		GroupID:        os.Getenv("WHATSAPP_GROUP_ID"),
		AppURL:         getenv("APP_URL", "http://localhost:3000"),
		OperatorSecret: os.Getenv("OPERATOR_TOKEN_SECRET"),
		OperatorIssuer: getenv("OPERATOR_TOKEN_ISSUER", "wabridge"),
		CORSOrigins:    os.Getenv("CORS_ORIGINS"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
