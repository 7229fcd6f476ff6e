// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package distribution serves client update artifacts from the distribution
// S3 bucket: the minimum-version policy, presigned installer downloads, and
// the published config patch.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	versionKey     = "downloads/version.json"
	installerKey   = "downloads/opencode-installer.zip"
	configPatchKey = "downloads/config-patch.json"

	policyTTL = 5 * time.Minute
	// DownloadURLTTL is the lifetime of a presigned installer URL, in seconds.
	DownloadURLTTL = 3600
)

var (
	// ErrNotConfigured signals that no distribution bucket is set.
	ErrNotConfigured = errors.New("distribution bucket not configured")
	// ErrNoConfigPatch signals that no config patch has been published.
	ErrNoConfigPatch = errors.New("no config patch published")
)

// Service reads update artifacts from S3. The minimum-version policy is
// cached for five minutes and fails open: when S3 is unreachable the last
// known value is returned, or empty if there is none.
type Service struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    *zap.Logger
	now       func() time.Time

	policyGroup singleflight.Group
	mu          sync.Mutex
	minimum     string
	fetchedAt   time.Time
}

// New loads the default AWS credential chain. An empty bucket is allowed;
// all operations then report ErrNotConfigured.
func New(ctx context.Context, region, bucket string, logger *zap.Logger) (*Service, error) {
	s := &Service{bucket: bucket, logger: logger, now: time.Now}
	if bucket == "" {
		return s, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg)
	s.presigner = s3.NewPresignClient(s.client)
	return s, nil
}

// MinimumVersion returns the current minimum client version, or empty when
// none is published or the bucket is not configured.
func (s *Service) MinimumVersion(ctx context.Context) string {
	if s.client == nil {
		return ""
	}
	s.mu.Lock()
	if s.minimum != "" && s.now().Before(s.fetchedAt.Add(policyTTL)) {
		minimum := s.minimum
		s.mu.Unlock()
		return minimum
	}
	s.mu.Unlock()

	v, _, _ := s.policyGroup.Do("policy", func() (any, error) {
		return s.fetchPolicy(ctx), nil
	})
	return v.(string)
}

func (s *Service) fetchPolicy(ctx context.Context) string {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(versionKey),
	})
	if err != nil {
		s.logger.Warn("failed to fetch version policy", zap.Error(err))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.minimum
	}
	defer out.Body.Close()

	var manifest struct {
		Minimum string `json:"minimum"`
	}
	if err := json.NewDecoder(out.Body).Decode(&manifest); err != nil {
		s.logger.Warn("cannot decode version manifest", zap.Error(err))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.minimum
	}

	s.mu.Lock()
	s.minimum = manifest.Minimum
	s.fetchedAt = s.now()
	s.mu.Unlock()
	s.logger.Info("refreshed version policy", zap.String("minimum", manifest.Minimum))
	return manifest.Minimum
}

// DownloadURL presigns a GET for the installer zip.
func (s *Service) DownloadURL(ctx context.Context) (string, error) {
	if s.presigner == nil {
		return "", ErrNotConfigured
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(installerKey),
	}, s3.WithPresignExpires(DownloadURLTTL*time.Second))
	if err != nil {
		return "", fmt.Errorf("cannot presign installer download: %w", err)
	}
	return req.URL, nil
}

// ConfigPatch returns the published config patch document verbatim.
func (s *Service) ConfigPatch(ctx context.Context) ([]byte, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(configPatchKey),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNoConfigPatch
		}
		return nil, fmt.Errorf("cannot fetch config patch: %w", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read config patch: %w", err)
	}
	return body, nil
}
