// Package store keeps snapshots of assignment runs and their items in Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/redis/go-redis/v9"
)

const (
	runsKey        = "assignment_runs"
	runMetaKey     = "assignment_run_meta"
	runItemsPrefix = "assignment_run_items:"
)

var ErrRunNotFound = errors.New("run not found")

type Store struct {
	client *redis.Client
}

func NewStore(ctx context.Context, redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

func itemsKey(runID string) string {
	return runItemsPrefix + runID
}

// SaveRun writes the run record and indexes it by start time. Saving the same run again
// overwrites the record.
func (s *Store) SaveRun(ctx context.Context, run assignment.Run) error {
	runJSON, err := run.ToJSON()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runMetaKey, run.ID, runJSON)
		pipe.ZAdd(ctx, runsKey, redis.Z{
			Score:  float64(run.StartedAt.UnixMilli()),
			Member: run.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	return nil
}

// SaveItems upserts item snapshots for a run.
func (s *Store) SaveItems(ctx context.Context, runID string, items []assignment.Item) error {
	if len(items) == 0 {
		return nil
	}

	values := make([]any, 0, len(items)*2)
	for _, it := range items {
		itemJSON, err := it.ToJSON()
		if err != nil {
			return err
		}
		values = append(values, it.ID, itemJSON)
	}

	if err := s.client.HSet(ctx, itemsKey(runID), values...).Err(); err != nil {
		return fmt.Errorf("failed to save items for run %s: %w", runID, err)
	}

	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*assignment.Run, error) {
	runJSON, err := s.client.HGet(ctx, runMetaKey, runID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	return assignment.RunFromJSON(runJSON)
}

// GetItems returns the item snapshots of a run ordered by item ID.
func (s *Store) GetItems(ctx context.Context, runID string) ([]assignment.Item, error) {
	itemMap, err := s.client.HGetAll(ctx, itemsKey(runID)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]assignment.Item, 0, len(itemMap))
	for _, itemJSON := range itemMap {
		it, err := assignment.ItemFromJSON(itemJSON)
		if err != nil {
			continue
		}
		items = append(items, *it)
	}

	slices.SortFunc(items, func(a, b assignment.Item) int {
		return strings.Compare(a.ID, b.ID)
	})

	return items, nil
}

// ListRuns returns up to limit runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]assignment.Run, error) {
	if limit <= 0 {
		return []assignment.Run{}, nil
	}

	ids, err := s.client.ZRevRange(ctx, runsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []assignment.Run{}, nil
	}

	values, err := s.client.HMGet(ctx, runMetaKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	runs := make([]assignment.Run, 0, len(values))
	for _, v := range values {
		runJSON, ok := v.(string)
		if !ok {
			continue
		}
		run, err := assignment.RunFromJSON(runJSON)
		if err != nil {
			continue
		}
		runs = append(runs, *run)
	}

	return runs, nil
}

func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, runsKey).Result()
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, runsKey, runID)
		pipe.HDel(ctx, runMetaKey, runID)
		pipe.Del(ctx, itemsKey(runID))
		return nil
	})

	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}
