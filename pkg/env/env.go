package env

import (
	"os"
	"strconv"
	"strings"

	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/joho/godotenv"
)

// LoadEnv loads .env style files into the process environment. With no
// arguments the .env in the working directory is used.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logging.Log.Debug("⚠️  No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback when unset or malformed.
func GetEnvInt(key string, fallback int) int {
	value, exist := os.LookupEnv(key)
	if !exist {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logging.Log.Warnf("⚠️  %s=%q is not a number, using %d", key, value, fallback)
		return fallback
	}
	return n
}

// GetEnvBool accepts the usual strconv.ParseBool spellings.
func GetEnvBool(key string, fallback bool) bool {
	value, exist := os.LookupEnv(key)
	if !exist {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}
