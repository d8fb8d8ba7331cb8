package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"downloadgrid/downloader"
)

const (
	// UpdatesChannel carries every published status as JSON
	UpdatesChannel = "task_updates"

	// StatusTTL bounds how long a status key outlives its last update
	StatusTTL = 30 * 24 * time.Hour
)

// TaskStatus is the compact view of a task kept in Redis
type TaskStatus struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          downloader.Status `json:"status"`
	Progress        float64           `json:"progress"`
	Speed           float64           `json:"speed"`
	BytesDownloaded int64             `json:"bytes_downloaded"`
	TotalBytes      int64             `json:"total_bytes"`
	Threads         int               `json:"threads"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Removed         bool              `json:"removed,omitempty"`
}

func statusFromSnapshot(snap downloader.Snapshot) TaskStatus {
	return TaskStatus{
		ID:              snap.ID,
		Name:            snap.Name,
		Status:          snap.Status,
		Progress:        snap.Progress,
		Speed:           snap.Speed,
		BytesDownloaded: snap.Downloaded,
		TotalBytes:      snap.Size,
		Threads:         snap.Threads,
		ErrorMessage:    snap.LastError,
		UpdatedAt:       snap.UpdatedAt,
	}
}

func statusKey(id string) string {
	return fmt.Sprintf("task_status:%s", id)
}

// RedisPublisher mirrors task snapshots into Redis keys and a pub/sub channel
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPublisher connects to redisURL and verifies the connection
func NewRedisPublisher(redisURL string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis successfully", zap.String("addr", opts.Addr))

	return &RedisPublisher{
		client: client,
		ttl:    StatusTTL,
		logger: logger.With(zap.String("component", "redis")),
	}, nil
}

// Publish stores the task status and announces it on UpdatesChannel
func (p *RedisPublisher) Publish(ctx context.Context, snap downloader.Snapshot) error {
	return p.write(ctx, statusFromSnapshot(snap), false)
}

// Remove drops the status key and announces the removal
func (p *RedisPublisher) Remove(ctx context.Context, taskID string) error {
	return p.write(ctx, TaskStatus{ID: taskID, Removed: true, UpdatedAt: time.Now()}, true)
}

func (p *RedisPublisher) write(ctx context.Context, status TaskStatus, removed bool) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	pipe := p.client.TxPipeline()
	if removed {
		pipe.Del(ctx, statusKey(status.ID))
	} else {
		pipe.Set(ctx, statusKey(status.ID), data, p.ttl)
	}
	pipe.Publish(ctx, UpdatesChannel, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish task status: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
