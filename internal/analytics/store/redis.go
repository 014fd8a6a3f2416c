package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"careflow/internal/analytics/models"
)

// applyScript marks the fact processed and updates the aggregates in one step.
//
// KEYS[1] processed marker, KEYS[2] totals hash, KEYS[3] patient->plan hash,
// KEYS[4] plan counts hash. ARGV: created flag, patient ID, plan, marker TTL ms.
var applyScript = redis.NewScript(`
if not redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[4]) then
	return 0
end
if ARGV[1] == "1" then
	redis.call("HINCRBY", KEYS[2], "patients", 1)
else
	redis.call("HINCRBY", KEYS[2], "updates", 1)
end
local prev = redis.call("HGET", KEYS[3], ARGV[2])
if prev ~= ARGV[3] then
	if prev then
		if redis.call("HINCRBY", KEYS[4], prev, -1) <= 0 then
			redis.call("HDEL", KEYS[4], prev)
		end
	end
	redis.call("HINCRBY", KEYS[4], ARGV[3], 1)
	redis.call("HSET", KEYS[3], ARGV[2], ARGV[3])
end
return 1
`)

// RedisStore shares aggregates across every member of the consumer group.
// Processed markers expire after retention; redelivery older than that would
// be counted again.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) Apply(ctx context.Context, f models.Fact) (bool, error) {
	created := "0"
	if f.Created {
		created = "1"
	}
	keys := []string{
		s.prefix + "processed:" + f.Key,
		s.prefix + "totals",
		s.prefix + "patient_plans",
		s.prefix + "plans",
	}
	n, err := applyScript.Run(ctx, s.client, keys,
		created, f.PatientID.String(), f.Plan, s.retention.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("apply analytics fact: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Stats(ctx context.Context) (models.Stats, error) {
	pipe := s.client.Pipeline()
	totals := pipe.HGetAll(ctx, s.prefix+"totals")
	plans := pipe.HGetAll(ctx, s.prefix+"plans")
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Stats{}, fmt.Errorf("read analytics stats: %w", err)
	}

	out := models.Stats{ByPlan: make(map[string]int64)}
	var err error
	if out.Patients, err = parseCount(totals.Val()["patients"]); err != nil {
		return models.Stats{}, err
	}
	if out.Updates, err = parseCount(totals.Val()["updates"]); err != nil {
		return models.Stats{}, err
	}
	for plan, raw := range plans.Val() {
		n, err := parseCount(raw)
		if err != nil {
			return models.Stats{}, err
		}
		out.ByPlan[plan] = n
	}
	return out, nil
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse analytics counter %q: %w", s, err)
	}
	return n, nil
}
