package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

// commandHook fakes server replies per command so driver policies can be
// exercised without a running redis.
type commandHook struct {
	process redis.ProcessHook
}

func (h commandHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h commandHook) ProcessHook(redis.ProcessHook) redis.ProcessHook { return h.process }

func (h commandHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func fakeRedis(t *testing.T, process redis.ProcessHook) *redisRepository {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	client.AddHook(commandHook{process: process})
	return &redisRepository{rdb: client, namespace: "things"}
}

func TestRedisDeleteToleratesIndexFailure(t *testing.T) {
	repo := fakeRedis(t, func(_ context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "del":
			cmd.(*redis.IntCmd).SetVal(1)
			return nil
		case "srem":
			return errors.New("index unavailable")
		}
		return errors.New("unexpected command: " + cmd.Name())
	})

	// The record was removed; a failed index cleanup must not turn the
	// delete into an error.
	deleted, err := repo.Delete(context.Background(), "e1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected deleted=true")
	}
}

func TestRedisDeleteMissingKey(t *testing.T) {
	repo := fakeRedis(t, func(_ context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "del":
			cmd.(*redis.IntCmd).SetVal(0)
			return nil
		}
		return errors.New("unexpected command: " + cmd.Name())
	})

	deleted, err := repo.Delete(context.Background(), "missing")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatal("expected deleted=false for a missing key")
	}
}
