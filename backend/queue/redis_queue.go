package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ravigill3969/fitscan/backend/models"
)

const (
	scanQueue      = "scan_analysis_queue"
	deadLetterList = "scan_analysis_dead"
)

type RedisQueue struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisQueue(redisClient *redis.Client) *RedisQueue {
	return &RedisQueue{client: redisClient, timeout: 30 * time.Second}
}

// StatusUpdate is published on UpdatesChannel whenever a scan changes status.
type StatusUpdate struct {
	ScanID    string             `json:"scanId"`
	Status    models.ScanStatus  `json:"status"`
	Charged   bool               `json:"charged"`
	Error     string             `json:"error,omitempty"`
	Result    *models.ScanResult `json:"result,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func UpdatesChannel(uid, scanID string) string {
	return fmt.Sprintf("scan_updates:%s:%s", uid, scanID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.ScanJob) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.LPush(ctx, scanQueue, jobData).Err()
}

// Dequeue blocks up to the poll timeout. It returns nil, nil when nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.ScanJob, error) {
	result, err := q.client.BRPop(ctx, q.timeout, scanQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("invalid queue result")
	}

	var job models.ScanJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// DeadLetter parks a job that ran out of attempts so it can be inspected by hand.
func (q *RedisQueue) DeadLetter(ctx context.Context, job models.ScanJob, reason string) error {
	data, err := json.Marshal(struct {
		models.ScanJob
		Reason string    `json:"reason"`
		At     time.Time `json:"at"`
	}{job, reason, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead job: %w", err)
	}
	return q.client.LPush(ctx, deadLetterList, data).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, scanQueue).Result()
}

func UpdateFor(scan *models.ScanSession) StatusUpdate {
	return StatusUpdate{
		ScanID:    scan.ID,
		Status:    scan.Status,
		Charged:   scan.Charged,
		Error:     scan.Error,
		Result:    scan.Result,
		UpdatedAt: scan.UpdatedAt,
	}
}

func (q *RedisQueue) PublishStatus(ctx context.Context, scan *models.ScanSession) error {
	updateData, err := json.Marshal(UpdateFor(scan))
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	return q.client.Publish(ctx, UpdatesChannel(scan.UserID, scan.ID), updateData).Err()
}

// Subscribe listens for one scan's status updates. Callers must Close the returned PubSub.
func (q *RedisQueue) Subscribe(ctx context.Context, uid, scanID string) (*redis.PubSub, error) {
	sub := q.client.Subscribe(ctx, UpdatesChannel(uid, scanID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

func DecodeUpdate(msg *redis.Message) (StatusUpdate, error) {
	var u StatusUpdate
	if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
		return StatusUpdate{}, fmt.Errorf("failed to unmarshal update: %w", err)
	}
	return u, nil
}
