// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package server

import (
	"fmt"
	"os"
	"strconv"
)

// Config carries the environment-driven settings of the router.
type Config struct {
	// Port is the listen port, PORT, default 8080.
	Port int
	// LogLevel is the zap level name, LOG_LEVEL, default "info".
	LogLevel string
	// ServiceVersion is reported by health endpoints, SERVICE_VERSION.
	ServiceVersion string
	// MantleURL is the upstream OpenAI-compatible endpoint, BEDROCK_MANTLE_URL.
	MantleURL string
	// ModelMapJSON overrides the built-in model alias table, BEDROCK_MODEL_MAP.
	ModelMapJSON string
	// Region is the AWS region, AWS_REGION, default "us-east-1".
	Region string
	// APIKeysTable is the DynamoDB table name, API_KEYS_TABLE_NAME.
	APIKeysTable string
	// DistributionBucket holds update artifacts, DISTRIBUTION_BUCKET.
	DistributionBucket string
	// DistributionDomain is the public download site, DISTRIBUTION_DOMAIN.
	DistributionDomain string
}

// ConfigFromEnv reads the configuration from the process environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Port:               8080,
		LogLevel:           envOr("LOG_LEVEL", "info"),
		ServiceVersion:     envOr("SERVICE_VERSION", "dev"),
		MantleURL:          os.Getenv("BEDROCK_MANTLE_URL"),
		ModelMapJSON:       os.Getenv("BEDROCK_MODEL_MAP"),
		Region:             envOr("AWS_REGION", "us-east-1"),
		APIKeysTable:       os.Getenv("API_KEYS_TABLE_NAME"),
		DistributionBucket: os.Getenv("DISTRIBUTION_BUCKET"),
		DistributionDomain: os.Getenv("DISTRIBUTION_DOMAIN"),
	}
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT %q: %w", raw, err)
		}
		cfg.Port = port
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
