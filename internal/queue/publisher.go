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

// Package queue publishes newly recorded interactions to Redis for the
// downstream enrichment workers (summarisation, scoring). This is the
// only bridge between ingestion and that pipeline; a publish failure
// never fails the ingestion itself.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/candorhq/ingestion/internal/models"
)

// Publisher sends interaction events to a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// envelope is the task wrapper the enrichment workers consume.
type envelope struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind"`
	PublishedAt string              `json:"published_at"`
	Interaction *models.Interaction `json:"interaction"`
}

// PublishInteraction enqueues one newly created interaction.
func (p *Publisher) PublishInteraction(ctx context.Context, rec *models.Interaction) error {
	taskID := uuid.New().String()

	msg, err := json.Marshal(envelope{
		ID:          taskID,
		Kind:        "interaction.recorded",
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
		Interaction: rec,
	})
	if err != nil {
		return fmt.Errorf("marshal interaction event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published interaction event",
		"task_id", taskID,
		"interaction_id", rec.ID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
