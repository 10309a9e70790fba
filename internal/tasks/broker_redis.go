package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "taskmux"

// RedisBroker mirrors task existence into Redis and broadcasts commands over
// pub/sub. Keyspace, for prefix P:
//
//	P:tasks            hash  task_id -> chat_id ("" when ungrouped)
//	P:tasks:chat:<id>  set   task ids grouped under one chat
//	P:tasks:commands   pub/sub channel for Command payloads
//
// Hash and set mutations are individually atomic at the store, which is all
// the existence mirror needs; it is eventually consistent with each
// instance's authoritative local registry, never linearizable.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBroker(ctx context.Context, redisURL, keyPrefix string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisBroker{client: client, prefix: keyPrefix}, nil
}

func (b *RedisBroker) tasksKey() string {
	return b.prefix + ":tasks"
}

func (b *RedisBroker) chatKey(chatID string) string {
	return b.prefix + ":tasks:chat:" + chatID
}

func (b *RedisBroker) commandChannel() string {
	return b.prefix + ":tasks:commands"
}

func (b *RedisBroker) SaveTask(ctx context.Context, taskID, chatID string) error {
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.tasksKey(), taskID, chatID)
	if chatID != "" {
		pipe.SAdd(ctx, b.chatKey(chatID), taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror task %s: %w", taskID, err)
	}
	return nil
}

func (b *RedisBroker) CleanupTask(ctx context.Context, taskID, chatID string) error {
	pipe := b.client.Pipeline()
	pipe.HDel(ctx, b.tasksKey(), taskID)
	if chatID != "" {
		pipe.SRem(ctx, b.chatKey(chatID), taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unmirror task %s: %w", taskID, err)
	}
	if chatID != "" {
		n, err := b.client.SCard(ctx, b.chatKey(chatID)).Result()
		if err != nil {
			return fmt.Errorf("chat set cardinality: %w", err)
		}
		if n == 0 {
			if err := b.client.Del(ctx, b.chatKey(chatID)).Err(); err != nil {
				return fmt.Errorf("prune chat set: %w", err)
			}
		}
	}
	return nil
}

func (b *RedisBroker) ListTasks(ctx context.Context) ([]string, error) {
	ids, err := b.client.HKeys(ctx, b.tasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list mirrored tasks: %w", err)
	}
	return ids, nil
}

func (b *RedisBroker) ListChatTasks(ctx context.Context, chatID string) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.chatKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list mirrored chat tasks: %w", err)
	}
	return ids, nil
}

func (b *RedisBroker) PublishCommand(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := b.client.Publish(ctx, b.commandChannel(), payload).Err(); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

func (b *RedisBroker) SubscribeCommands(ctx context.Context) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, b.commandChannel())
	// Receive forces the SUBSCRIBE handshake so callers start listening only
	// after the subscription is live.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.commandChannel(), err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
