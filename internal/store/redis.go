// Package store provides storage backends for WhatAppBot.
//
// This file implements a Redis-backed session store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Nimako/WhatAppBot/internal/models"
	"github.com/Nimako/WhatAppBot/internal/util"
	"github.com/redis/go-redis/v9"
)

// maxUpdateRetries bounds optimistic transaction retries when a watched key changes.
const maxUpdateRetries = 5

// RedisStore keeps each session as a JSON document. A sorted set per phone
// number, scored by update time, points at that phone's sessions.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	dedupTTL time.Duration
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the redis:// URL given as DSN.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis DSN: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisStore ping failed", "error", err)
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("RedisStore.NewRedisStore: connected", "addr", redisOpts.Addr)
	return NewRedisStoreFromClient(client, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	cfg := applyOptions(opts)
	return &RedisStore{
		client:   client,
		prefix:   cfg.RedisPrefix,
		ttl:      cfg.SessionTTL,
		dedupTTL: cfg.DedupTTL,
	}
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) phoneKey(phone string) string {
	return s.prefix + "phone:" + phone
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

func (s *RedisStore) dedupKey(messageID string) string {
	return s.prefix + "dedup:" + messageID
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, getter stringGetter, id string) (*models.Session, error) {
	raw, err := getter.Get(ctx, s.sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return repairState(&sess), nil
}

func (s *RedisStore) save(ctx context.Context, pipe redis.Pipeliner, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	pipe.Set(ctx, s.sessionKey(sess.ID), payload, s.ttl)
	pipe.ZAdd(ctx, s.phoneKey(sess.PhoneNumber), redis.Z{Score: score(sess.UpdatedAt), Member: sess.ID})
	pipe.SAdd(ctx, s.indexKey(), sess.ID)
	return nil
}

func (s *RedisStore) Create(ctx context.Context, phone string) (*models.Session, error) {
	sess := models.NewSession(util.NewSessionID(), phone, time.Now().UTC())
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.save(ctx, pipe, sess)
	})
	if err != nil {
		slog.Error("RedisStore Create failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to save session to redis: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) CreateOrGet(ctx context.Context, phone string) (*models.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.phoneKey(phone), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read phone index: %w", err)
	}
	for _, id := range ids {
		sess, err := s.load(ctx, s.client, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		// Expired session; drop the stale index entry.
		s.client.ZRem(ctx, s.phoneKey(phone), id)
		s.client.SRem(ctx, s.indexKey(), id)
	}
	return s.Create(ctx, phone)
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	return s.load(ctx, s.client, id)
}

// mutate applies fn to the stored session inside a WATCH/MULTI transaction,
// retrying when another writer changes the key first.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	key := s.sessionKey(id)
	var out *models.Session
	txf := func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrSessionNotFound
		}
		if err := fn(sess); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.save(ctx, pipe, sess)
		})
		out = sess
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("session %s: too much contention", id)
}

func (s *RedisStore) Update(ctx context.Context, id string, state models.State, patch *models.SessionData) (*models.Session, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}
	sess, err := s.mutate(ctx, id, func(sess *models.Session) error {
		merged, err := models.MergeSessionData(sess.Data, patch)
		if err != nil {
			return err
		}
		if state != "" {
			sess.State = state
		}
		sess.Data = merged
		sess.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		slog.Error("RedisStore Update failed", "error", err, "sessionID", id)
	}
	return sess, err
}

func (s *RedisStore) Reset(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.mutate(ctx, id, func(sess *models.Session) error {
		sess.State = models.StateMenu
		sess.Data = models.SessionData{}
		sess.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return sess, err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		if sess != nil {
			pipe.ZRem(ctx, s.phoneKey(sess.PhoneNumber), id)
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisStore Delete failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ListByStates(ctx context.Context, states ...models.State) ([]models.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	want := make(map[models.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []models.Session
	for _, id := range ids {
		sess, err := s.load(ctx, s.client, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if want[sess.State] {
			out = append(out, *sess)
		}
	}
	return out, nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Compile-time check that RedisStore implements DedupRepo.
var _ DedupRepo = (*RedisStore)(nil)

// RecordInbound uses SETNX so concurrent redeliveries race safely.
func (s *RedisStore) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(messageID), phone, s.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := s.client.Set(ctx, s.dedupKey(messageID)+":processed", stamp, s.dedupTTL).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
