package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"presence/internal/attendance"
)

// Redis commits verdicts into a hash per session. HSET on the same key is
// idempotent per student, so finalize retries converge on the same state.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a redis-backed ledger.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "presence:ledger"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + ":" + sessionID
}

// Commit writes each verdict as a hash field plus a schedule index entry.
func (r *Redis) Commit(ctx context.Context, scheduleID, sessionID string, verdicts []attendance.Verdict) error {
	fields := make(map[string]interface{}, len(verdicts))
	for _, v := range verdicts {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode verdict: %w", err)
		}
		fields[v.StudentID] = payload
	}

	pipe := r.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, r.key(sessionID), fields)
	}
	pipe.SAdd(ctx, r.prefix+":schedule:"+scheduleID, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Get loads the committed verdicts for a session.
func (r *Redis) Get(ctx context.Context, sessionID string) ([]attendance.Verdict, error) {
	raw, err := r.client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	verdicts := make([]attendance.Verdict, 0, len(raw))
	for _, payload := range raw {
		var v attendance.Verdict
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}
