// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Shared table + trust exchange (set by the deployment environment)
	TableName     string
	TableARN      string
	AssumeRoleARN string
	Region        string

	// Per-request pipeline bounds
	RequestTimeout time.Duration
	CredentialTTL  time.Duration

	// Shard placement: a tenant's items land on shards
	// <tenant>-<ShardSuffixMin> .. <tenant>-<ShardSuffixMax>.
	ShardSuffixMin int
	ShardSuffixMax int
	ItemsPerCreate int

	// OIDC / JWT for the optional inbound bearer gate
	Issuer   string
	Audience string
	JWKSURL  string

	// Optional Postgres sink for security audit events
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:            env("SHARDGATE_ENV", "dev"),
		HTTPAddr:       env("SHARDGATE_HTTP_ADDR", ":8080"),
		TableName:      env("DYNAMO_TABLE_NAME", ""),
		TableARN:       env("DYNAMO_TABLE_ARN", ""),
		AssumeRoleARN:  env("DYNAMO_ASSUME_ROLE_ARN", ""),
		Region:         env("AWS_REGION_NAME", "us-east-1"),
		RequestTimeout: envDur("REQUEST_TIMEOUT_SEC", 30) * time.Second,
		CredentialTTL:  envDur("CREDENTIAL_TTL_SEC", 900) * time.Second,
		ShardSuffixMin: envInt("SHARD_SUFFIX_MIN", 1),
		ShardSuffixMax: envInt("SHARD_SUFFIX_MAX", 10),
		ItemsPerCreate: envInt("ITEMS_PER_CREATE", 3),
		Issuer:         env("OIDC_ISSUER", ""),
		Audience:       env("OIDC_AUDIENCE", "shardgate"),
		JWKSURL:        env("JWKS_URL", ""),
		DatabaseURL:    env("DATABASE_URL", ""),
	}
	if cfg.ShardSuffixMax < cfg.ShardSuffixMin {
		log.Printf("[WARN] SHARD_SUFFIX_MIN %d > SHARD_SUFFIX_MAX %d — swapping", cfg.ShardSuffixMin, cfg.ShardSuffixMax)
		cfg.ShardSuffixMin, cfg.ShardSuffixMax = cfg.ShardSuffixMax, cfg.ShardSuffixMin
	}
	if cfg.TableName == "" || cfg.TableARN == "" || cfg.AssumeRoleARN == "" {
		log.Println("[WARN] DYNAMO_TABLE_NAME / DYNAMO_TABLE_ARN / DYNAMO_ASSUME_ROLE_ARN not fully set — data operations will fail")
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — security audit events go to the log only")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
