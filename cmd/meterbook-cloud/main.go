package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meterbook/meterbook/internal/httpapi"
	"github.com/meterbook/meterbook/internal/remotestore"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "meterbook-cloud").Logger()

func main() {
	mintToken := flag.String("mint-token", "", "print a signed token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", durationEnv("METERBOOK_TOKEN_TTL", time.Hour), "lifetime of minted tokens")
	flag.Parse()

	jwtSecret := secretOrDefault(os.Getenv("METERBOOK_JWT_SECRET"))
	if strings.TrimSpace(*mintToken) != "" {
		token, err := httpapi.SignToken(jwtSecret, *mintToken, nil, *tokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to sign token")
		}
		fmt.Println(token)
		return
	}

	addr := envOrDefault("METERBOOK_ADDR", ":8080")
	dsn := envOrDefault("METERBOOK_DOCUMENTS_DSN", "memory://")
	docs, err := remotestore.BuildDocumentStoreFromDSN(dsn, "")
	if err != nil {
		logger.Fatal().Err(err).Str("dsn_scheme", schemeOf(dsn)).Msg("failed to initialize document store")
	}
	defer docs.Close()

	server := httpapi.NewServerWithConfig(docs, httpapi.ServerConfig{
		JWTSecret:       jwtSecret,
		RateLimitMax:    intEnv("METERBOOK_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("METERBOOK_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("METERBOOK_MAX_BODY_BYTES", 0),
		Logger:          logger,
	})

	logger.Info().Str("addr", addr).Str("documents", schemeOf(dsn)).Msg("meterbook-cloud listening")
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// secretOrDefault falls back to the server's development secret and says so.
func secretOrDefault(secret string) string {
	if strings.TrimSpace(secret) == "" {
		logger.Warn().Msg("METERBOOK_JWT_SECRET is not set, using the development secret")
		return httpapi.DevJWTSecret
	}
	return secret
}

// schemeOf keeps credentials in postgres DSNs out of the logs.
func schemeOf(dsn string) string {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return "unknown"
	}
	return scheme
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer env, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration env, using fallback")
		return fallback
	}
	return value
}
