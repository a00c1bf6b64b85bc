package actionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"greenhouse/internal/models"
)

const (
	group      = "action-workers"
	retryKey   = "actions:retry"
	deadKey    = "actions:dead"
	ackWaitKey = "actions:ackwait:" // + device id
	entryField = "action"
)

// Options tunes queue behavior.
type Options struct {
	Lanes        int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	LeaseTimeout time.Duration
	AckWindow    time.Duration
}

// Queue is a durable, ordered action queue over Redis Streams. Every
// action for a given device routes through one lane stream, and each
// lane has at most one entry in flight, so commands for the same device
// never race. Entries are claimed through a consumer group; an
// unacknowledged claim expires after LeaseTimeout and is reclaimed.
type Queue struct {
	rdb    *redis.Client
	opts   Options
	logger *zap.Logger
}

// Claimed is one leased queue entry.
type Claimed struct {
	Action   models.QueuedAction
	StreamID string
	Lane     int
}

// LaneStats describes one lane for the operator surface.
type LaneStats struct {
	Lane     int   `json:"lane"`
	Length   int64 `json:"length"`
	InFlight int64 `json:"in_flight"`
}

// Stats is the queue snapshot exposed to operator tooling.
type Stats struct {
	Lanes      []LaneStats `json:"lanes"`
	RetryDue   int64       `json:"retry_scheduled"`
	DeadLetter int64       `json:"dead_letter"`
}

// NewQueue creates the queue around an existing Redis client.
func NewQueue(rdb *redis.Client, opts Options, logger *zap.Logger) *Queue {
	if opts.Lanes <= 0 {
		opts.Lanes = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Minute
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.AckWindow <= 0 {
		opts.AckWindow = time.Minute
	}
	return &Queue{rdb: rdb, opts: opts, logger: logger}
}

// Lanes returns the number of partitions.
func (q *Queue) Lanes() int {
	return q.opts.Lanes
}

// MaxAttempts returns the retry budget per action.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Init creates the consumer group on every lane stream.
func (q *Queue) Init(ctx context.Context) error {
	for lane := 0; lane < q.opts.Lanes; lane++ {
		err := q.rdb.XGroupCreateMkStream(ctx, laneStream(lane), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on lane %d: %w", lane, err)
		}
	}
	return nil
}

func laneStream(lane int) string {
	return "actions:lane:" + strconv.Itoa(lane)
}

// LaneFor maps a partition key to its lane.
func (q *Queue) LaneFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(q.opts.Lanes))
}

// Enqueue appends an action to its device's lane and returns its id.
func (q *Queue) Enqueue(ctx context.Context, a *models.QueuedAction) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = time.Now()
	}
	a.Status = models.QueuePending

	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	lane := q.LaneFor(a.LaneKey())
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: laneStream(lane),
		Values: map[string]any{entryField: string(raw)},
	}).Err(); err != nil {
		return "", fmt.Errorf("enqueue action %s: %w", a.ID, err)
	}
	q.logger.Debug("action enqueued",
		zap.String("action_id", a.ID), zap.String("type", string(a.Type)), zap.Int("lane", lane))
	return a.ID, nil
}

// Claim leases the next entry on a lane, blocking up to the given
// duration. Returns nil when nothing arrived.
func (q *Queue) Claim(ctx context.Context, lane int, consumer string, block time.Duration) (*Claimed, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{laneStream(lane), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return q.decodeEntry(lane, msg)
		}
	}
	return nil, nil
}

func (q *Queue) decodeEntry(lane int, msg redis.XMessage) (*Claimed, error) {
	raw, ok := msg.Values[entryField].(string)
	if !ok {
		return nil, fmt.Errorf("lane %d entry %s has no action field", lane, msg.ID)
	}
	var a models.QueuedAction
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("lane %d entry %s: %w", lane, msg.ID, err)
	}
	a.Status = models.QueueProcessing
	return &Claimed{Action: a, StreamID: msg.ID, Lane: lane}, nil
}

// Ack marks a claimed entry done and removes it from the lane.
func (q *Queue) Ack(ctx context.Context, c *Claimed) error {
	pipe := q.rdb.Pipeline()
	pipe.XAck(ctx, laneStream(c.Lane), group, c.StreamID)
	pipe.XDel(ctx, laneStream(c.Lane), c.StreamID)
	_, err := pipe.Exec(ctx)
	return err
}

// Nack records a failed attempt. Below the attempt budget the action is
// scheduled for a backed-off retry; at the budget it moves to the
// dead-letter list with its full attempt history. The follow-up entry
// and the claim release run in one transaction: a failure here leaves
// the entry pending for the lease reclaimer instead of losing it.
// Returns the resulting status.
func (q *Queue) Nack(ctx context.Context, c *Claimed, reason string) (models.QueueStatus, error) {
	a := c.Action
	a.Attempts++
	a.Errors = append(a.Errors, models.AttemptError{At: time.Now(), Reason: reason})

	var status models.QueueStatus
	var readyAt time.Time
	pipe := q.rdb.TxPipeline()
	if a.Attempts >= q.opts.MaxAttempts {
		status = models.QueueDead
		a.Status = status
		raw, err := json.Marshal(&a)
		if err != nil {
			return "", err
		}
		pipe.LPush(ctx, deadKey, raw)
	} else {
		status = models.QueueFailed
		a.Status = status
		raw, err := json.Marshal(&a)
		if err != nil {
			return "", err
		}
		readyAt = time.Now().Add(q.Backoff(a.Attempts))
		pipe.ZAdd(ctx, retryKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: raw})
	}
	pipe.XAck(ctx, laneStream(c.Lane), group, c.StreamID)
	pipe.XDel(ctx, laneStream(c.Lane), c.StreamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("nack entry %s: %w", c.StreamID, err)
	}

	if status == models.QueueDead {
		q.logger.Error("action dead-lettered",
			zap.String("action_id", a.ID), zap.Int("attempts", a.Attempts), zap.String("reason", reason))
	} else {
		q.logger.Warn("action retry scheduled",
			zap.String("action_id", a.ID), zap.Int("attempt", a.Attempts),
			zap.Time("ready_at", readyAt), zap.String("reason", reason))
	}
	return status, nil
}

// Backoff returns the delay before attempt n+1: base doubled per failed
// attempt, capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if d > q.opts.BackoffCap {
		return q.opts.BackoffCap
	}
	return d
}

// PumpRetries moves due retries back onto their lanes. Called
// periodically by the scheduler.
func (q *Queue) PumpRetries(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	raws, err := q.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, raw := range raws {
		if removed, err := q.rdb.ZRem(ctx, retryKey, raw).Result(); err != nil || removed == 0 {
			continue // another pump got it first
		}
		var a models.QueuedAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			q.logger.Error("corrupt retry entry dropped to dead-letter", zap.Error(err))
			q.rdb.LPush(ctx, deadKey, raw)
			continue
		}
		a.Status = models.QueuePending
		entry, err := json.Marshal(&a)
		if err != nil {
			continue
		}
		lane := q.LaneFor(a.LaneKey())
		if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: laneStream(lane),
			Values: map[string]any{entryField: string(entry)},
		}).Err(); err != nil {
			// Put it back so the retry is not lost.
			q.rdb.ZAdd(ctx, retryKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: raw})
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Reclaim recovers entries whose lease expired (worker died mid-flight)
// and requeues them through the normal retry path.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	reclaimed := 0
	for lane := 0; lane < q.opts.Lanes; lane++ {
		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   laneStream(lane),
			Group:    group,
			Consumer: "reaper",
			MinIdle:  q.opts.LeaseTimeout,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("autoclaim lane %d: %w", lane, err)
		}
		for _, msg := range msgs {
			c, err := q.decodeEntry(lane, msg)
			if err != nil {
				q.logger.Error("dropping undecodable reclaimed entry", zap.Error(err))
				q.rdb.XAck(ctx, laneStream(lane), group, msg.ID)
				q.rdb.XDel(ctx, laneStream(lane), msg.ID)
				continue
			}
			if _, err := q.Nack(ctx, c, "lease expired"); err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// DeadLetters returns up to limit dead-lettered actions, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]models.QueuedAction, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	actions := make([]models.QueuedAction, 0, len(raws))
	for _, raw := range raws {
		var a models.QueuedAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ReplayDeadLetter re-enqueues a dead-lettered action with a fresh
// attempt budget, keeping its error history for the audit trail.
func (q *Queue) ReplayDeadLetter(ctx context.Context, actionID string) error {
	raws, err := q.rdb.LRange(ctx, deadKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		var a models.QueuedAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if a.ID != actionID {
			continue
		}
		if err := q.rdb.LRem(ctx, deadKey, 1, raw).Err(); err != nil {
			return err
		}
		a.Attempts = 0
		if _, err := q.Enqueue(ctx, &a); err != nil {
			return err
		}
		q.logger.Info("dead-letter replayed", zap.String("action_id", actionID))
		return nil
	}
	return fmt.Errorf("dead-letter %s: not found", actionID)
}

// Stats snapshots queue depth for operator tooling.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	for lane := 0; lane < q.opts.Lanes; lane++ {
		length, err := q.rdb.XLen(ctx, laneStream(lane)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		var inflight int64
		if pending, err := q.rdb.XPending(ctx, laneStream(lane), group).Result(); err == nil {
			inflight = pending.Count
		}
		s.Lanes = append(s.Lanes, LaneStats{Lane: lane, Length: length, InFlight: inflight})
	}
	var err error
	if s.RetryDue, err = q.rdb.ZCard(ctx, retryKey).Result(); err != nil {
		return nil, err
	}
	if s.DeadLetter, err = q.rdb.LLen(ctx, deadKey).Result(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAwaitAck records that a command for a device is waiting for the
// device's own status report to confirm it.
func (q *Queue) SetAwaitAck(ctx context.Context, deviceID, actionID string) error {
	return q.rdb.Set(ctx, ackWaitKey+deviceID, actionID, q.opts.AckWindow).Err()
}

// ResolveAck consumes a pending acknowledgment wait for a device, if
// any. Called from the ingestion path when a status report arrives.
func (q *Queue) ResolveAck(ctx context.Context, deviceID string) (string, bool, error) {
	actionID, err := q.rdb.GetDel(ctx, ackWaitKey+deviceID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return actionID, true, nil
}
