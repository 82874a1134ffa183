// Package config reads server settings from the environment, loading a .env
// file first when one is present.
package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds everything collabd needs at startup. RedisAddr and DatabaseURL
// are optional: leaving them empty runs a single instance with in-memory
// versioning, which is all local development needs.
type Config struct {
	HTTPAddr    string
	RedisAddr   string
	DatabaseURL string
	TokenSecret string
	MDNSName    string // empty disables the mDNS announcement
}

// Load builds a Config from the environment.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Println("config: loaded .env")
	}
	return &Config{
		HTTPAddr:    getenv("COLLAB_HTTP_ADDR", ":8081"),
		RedisAddr:   os.Getenv("COLLAB_REDIS_ADDR"),
		DatabaseURL: os.Getenv("COLLAB_DATABASE_URL"),
		TokenSecret: must("COLLAB_TOKEN_SECRET"),
		MDNSName:    os.Getenv("COLLAB_MDNS_NAME"),
	}
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func must(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("config: environment variable %s not set", name)
	}
	return v
}
