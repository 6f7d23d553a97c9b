package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix       = "upd"
	KeyArtifactSize = "as" // HASH. slot_id -> declared artifact length in bytes.
	KeyAttempts     = "at" // HASH. slot_id -> download attempt counter. Allows atomic increment.
	KeyOutcome      = "oc" // HASH. slot_id -> last terminal outcome (completed/failed/cancelled).
	KeyAppliedBuild = "ab" // STRING. Build number of the last dispatched install.

	KeySeparator = ":"
)

type historyRepository struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewHistoryRepository(cl *redis.Client, log *slog.Logger) *historyRepository {
	return &historyRepository{
		cl:  cl,
		log: log.With(slog.String("item", "HistoryRepository")),
	}
}

// ArtifactSize returns the remembered declared length for an artifact slot,
// 0 when nothing was recorded yet.
func (r *historyRepository) ArtifactSize(ctx context.Context, id string) (int64, error) {
	val, err := r.cl.HGet(ctx, getKey(KeyPrefix, KeyArtifactSize), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("cannot get artifact %s size: %w", id, err)
	}

	size, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.log.Error("Cannot convert artifact size", slog.String("slot_id", id), slog.Any("error", err))

		return 0, nil
	}

	return size, nil
}

func (r *historyRepository) SetArtifactSize(ctx context.Context, id string, size int64) error {
	if err := r.cl.HSet(ctx, getKey(KeyPrefix, KeyArtifactSize), id, size).Err(); err != nil {
		return fmt.Errorf("cannot set artifact %s size: %w", id, err)
	}

	return nil
}

func (r *historyRepository) IncAttempt(ctx context.Context, id string) (int64, error) {
	counter, err := r.cl.HIncrBy(ctx, getKey(KeyPrefix, KeyAttempts), id, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot increment attempt counter for %s: %w", id, err)
	}

	return counter, nil
}

func (r *historyRepository) SetOutcome(ctx context.Context, id, outcome string) error {
	if err := r.cl.HSet(ctx, getKey(KeyPrefix, KeyOutcome), id, outcome).Err(); err != nil {
		return fmt.Errorf("cannot set outcome for %s: %w", id, err)
	}

	return nil
}

// Attempts returns attempt counters with the last terminal outcome per slot.
func (r *historyRepository) Attempts(ctx context.Context) (map[string]string, error) {
	attempts, err := r.cl.HGetAll(ctx, getKey(KeyPrefix, KeyAttempts)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get attempt counters: %w", err)
	}

	outcomes, err := r.cl.HGetAll(ctx, getKey(KeyPrefix, KeyOutcome)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get outcomes: %w", err)
	}

	stats := make(map[string]string, len(attempts))
	for id, count := range attempts {
		outcome := outcomes[id]
		if outcome == "" {
			outcome = "unknown"
		}

		stats[id] = fmt.Sprintf("%s attempts, last outcome %s", count, outcome)
	}

	return stats, nil
}

func (r *historyRepository) AppliedBuild(ctx context.Context) (int64, error) {
	val, err := r.cl.Get(ctx, getKey(KeyPrefix, KeyAppliedBuild)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("cannot get applied build: %w", err)
	}

	build, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.log.Error("Cannot convert applied build", slog.Any("error", err))

		return 0, nil
	}

	return build, nil
}

func (r *historyRepository) SetAppliedBuild(ctx context.Context, build int64) error {
	if err := r.cl.Set(ctx, getKey(KeyPrefix, KeyAppliedBuild), build, 0).Err(); err != nil {
		return fmt.Errorf("cannot set applied build: %w", err)
	}

	return nil
}

func getKey(keys ...string) string {
	return strings.Join(keys, KeySeparator)
}
