// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup provides a best-effort per-entity pre-filter using a
// Redis SET with TTL. It sits in front of the detail-fetch step so a
// message or meeting already reconciled recently (overlapping resync
// windows, provider redelivery) is skipped without an upstream round
// trip. The interaction store's uniqueness constraint remains the
// authority — a Redis outage only costs extra fetches, never duplicates.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen entity is remembered. Resync lookback
	// windows top out at a week, so remember a little longer.
	DefaultTTL = 8 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "ingest:seen:"
)

// Filter tracks which upstream entities have already been reconciled.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if (accountID, sourceSystem, sourceID) has NOT been
// seen before. If true, the key is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, accountID, sourceSystem, sourceID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s:%s", keyPrefix, accountID, sourceSystem, sourceID)

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Forget unmarks a key so a failed item can be picked up again by a
// later sweep instead of waiting out the TTL.
func (f *Filter) Forget(ctx context.Context, accountID, sourceSystem, sourceID string) error {
	key := fmt.Sprintf("%s%s:%s:%s", keyPrefix, accountID, sourceSystem, sourceID)
	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
