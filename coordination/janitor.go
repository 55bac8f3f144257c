package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Janitor periodically scans Redis for the leader lock and force-releases
// it when it is stale (past its advertised expiry) or fenced (its epoch
// trails the durable epoch counter). Grounded on the teacher's
// coordination/janitor.go LockJanitor.
type Janitor struct {
	redis    *redis.Client
	epochs   *pgxpool.Pool
	interval time.Duration
}

// NewJanitor returns a Janitor that scans every interval. epochs may be nil
// (see Elector.nextEpoch), in which case fencing checks are skipped.
func NewJanitor(redisClient *redis.Client, epochs *pgxpool.Pool, interval time.Duration) *Janitor {
	return &Janitor{redis: redisClient, epochs: epochs, interval: interval}
}

// Start runs the scan loop in a background goroutine until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *Janitor) durableEpoch(ctx context.Context) (int64, error) {
	if j.epochs == nil {
		return 0, nil
	}
	var epoch int64
	err := j.epochs.QueryRow(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = 'leader_election'`).Scan(&epoch)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

func (j *Janitor) clean(ctx context.Context) {
	currentEpoch, err := j.durableEpoch(ctx)
	if err != nil {
		log.Printf("marathon: janitor: reading durable epoch failed: %v", err)
		return
	}

	val, err := j.redis.Get(ctx, leaderLockKey).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		log.Printf("marathon: janitor: reading lock failed: %v", err)
		return
	}

	var meta LockMetadata
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		log.Printf("marathon: janitor: lock value malformed, leaving in place: %v", err)
		return
	}

	if meta.Epoch < currentEpoch {
		log.Printf("marathon: janitor: fencing lock held by %s (epoch %d < %d)", meta.NodeID, meta.Epoch, currentEpoch)
		j.forceRelease(ctx, val)
		return
	}

	if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
		log.Printf("marathon: janitor: reclaiming stale lock held by %s (expired %s)", meta.NodeID, meta.ExpiresAt)
		j.forceRelease(ctx, val)
	}
}

func (j *Janitor) forceRelease(ctx context.Context, expectedValue string) {
	if err := j.redis.Eval(ctx, releaseScript, []string{leaderLockKey}, expectedValue).Err(); err != nil {
		log.Printf("marathon: janitor: force release failed: %v", err)
	}
}
