// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package apikeys implements generation, hashing, persistence, and validation
// caching of long-lived service API keys.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	// KeyPrefix marks every key this service issues.
	KeyPrefix = "oc_"
	// PrefixLength is how much of the raw key is stored as a display prefix.
	PrefixLength = 10

	MaxKeysPerUser    = 10
	DefaultExpiryDays = 90
	MinExpiryDays     = 1
	MaxExpiryDays     = 365

	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Record is one API key item in the DynamoDB table. The table is keyed by
// KeyHash with a user-sub-index GSI on UserSub. Timestamps are RFC 3339.
type Record struct {
	KeyHash     string `dynamodbav:"key_hash"`
	KeyPrefix   string `dynamodbav:"key_prefix"`
	UserSub     string `dynamodbav:"user_sub"`
	UserEmail   string `dynamodbav:"user_email"`
	Description string `dynamodbav:"description"`
	Status      string `dynamodbav:"status"`
	CreatedAt   string `dynamodbav:"created_at"`
	ExpiresAt   string `dynamodbav:"expires_at"`
	LastUsedAt  string `dynamodbav:"last_used_at,omitempty"`
	RevokedAt   string `dynamodbav:"revoked_at,omitempty"`
	// TTL is the DynamoDB auto-cleanup epoch, 30 days after expiry.
	TTL int64 `dynamodbav:"ttl"`
}

// Generate returns a new raw API key: the service prefix followed by 32
// random bytes in unpadded base64url.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the SHA-256 hex digest of a raw key. Only the digest is ever
// persisted.
func Hash(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the stored display prefix of a raw key.
func DisplayPrefix(rawKey string) string {
	if len(rawKey) < PrefixLength {
		return rawKey
	}
	return rawKey[:PrefixLength]
}
