// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Command router is an authenticating, protocol-translating reverse proxy in
// front of AWS Bedrock. It accepts OpenAI-style chat completion requests and
// dispatches them to the Converse API for Anthropic models or to the Mantle
// OpenAI-compatible endpoint for everything else.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apikeys"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/bedrock"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/distribution"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/modelmap"
	"github.com/aws-samples/sample-opencode-with-bedrock/internal/server"
)

func main() {
	cfg, err := server.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("router failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg server.Config, logger *zap.Logger) error {
	models, err := modelmap.Load(cfg.ModelMapJSON)
	if err != nil {
		return fmt.Errorf("invalid BEDROCK_MODEL_MAP: %w", err)
	}

	bedrockClient, err := bedrock.NewClient(ctx, cfg.Region, logger)
	if err != nil {
		return err
	}
	tokens, err := bedrock.NewTokenProvider(ctx, cfg.Region)
	if err != nil {
		return err
	}

	var keys apikeys.Store = apikeys.Disabled{}
	if cfg.APIKeysTable != "" {
		store, err := apikeys.NewDynamoStore(ctx, cfg.Region, cfg.APIKeysTable)
		if err != nil {
			return err
		}
		logger.Info("initialized api key store",
			zap.String("table", cfg.APIKeysTable), zap.String("region", cfg.Region))
		keys = store
	} else {
		logger.Warn("API_KEYS_TABLE_NAME not set, api key auth disabled")
	}

	dist, err := distribution.New(ctx, cfg.Region, cfg.DistributionBucket, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg, logger, models, bedrockClient, tokens, keys, dist)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting bedrock router",
		zap.Int("port", cfg.Port),
		zap.String("mantle_url", cfg.MantleURL),
		zap.String("version", cfg.ServiceVersion))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newLogger builds the JSON logger. Field names follow the fleet-wide log
// schema: timestamp, level, logger, message, traceback.
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(lvl),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "message",
			StacktraceKey:  "traceback",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     rfc3339UTCTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("bedrock-router"), nil
}

func rfc3339UTCTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
}
