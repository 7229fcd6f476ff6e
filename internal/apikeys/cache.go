// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

package apikeys

import (
	"sync"
	"time"
)

const cacheTTL = 5 * time.Minute

// Identity is the cached result of a successful key validation.
type Identity struct {
	UserSub   string
	UserEmail string
}

type cacheEntry struct {
	identity Identity
	expires  time.Time
}

// ValidationCache keeps validated key hashes in memory so the hot path does
// not hit DynamoDB on every request. Entries live for five minutes; revoking
// a key evicts it from this process immediately, other processes converge
// within the TTL.
type ValidationCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewValidationCache returns an empty cache.
func NewValidationCache() *ValidationCache {
	return &ValidationCache{entries: map[string]cacheEntry{}, now: time.Now}
}

// Get returns the cached identity for a key hash, if still fresh.
func (c *ValidationCache) Get(keyHash string) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[keyHash]
	if !ok {
		return Identity{}, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, keyHash)
		return Identity{}, false
	}
	return entry.identity, true
}

// Put caches a validated identity.
func (c *ValidationCache) Put(keyHash string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyHash] = cacheEntry{identity: id, expires: c.now().Add(cacheTTL)}
}

// Evict drops a key hash, used on revocation.
func (c *ValidationCache) Evict(keyHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyHash)
}
