package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tickerchat/auth/internal/models"
)

// RedisStore implements ChallengeStore and SessionStore on Redis. Challenges
// and sessions expire natively via key TTLs, so no sweep is needed. The
// "most recent wins" policy falls out of a per-user pointer key that is
// overwritten on every issue.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func challengeKey(id string) string      { return fmt.Sprintf("challenge:%s", id) }
func challengeUserKey(id string) string  { return fmt.Sprintf("challenge_user:%s", id) }
func sessionKey(sessionID string) string { return fmt.Sprintf("session:%s", sessionID) }

func (r *RedisStore) InsertChallenge(ctx context.Context, challenge *models.Challenge) error {
	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}

	ok, err := r.client.SetNX(ctx, challengeKey(challenge.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}
	if !ok {
		return ErrChallengeExists
	}

	if challenge.UserID != "" {
		if err := r.client.Set(ctx, challengeUserKey(challenge.UserID), challenge.ID, ttl).Err(); err != nil {
			return fmt.Errorf("failed to save challenge pointer: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) LatestChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error) {
	id, err := r.client.Get(ctx, challengeUserKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge pointer: %w", err)
	}

	data, err := r.client.Get(ctx, challengeKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	var challenge models.Challenge
	if err := json.Unmarshal([]byte(data), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	if challenge.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &challenge, nil
}

// ConsumeChallenge deletes the challenge key. DEL reports how many keys were
// removed, so only one of two racing consumers observes a success.
func (r *RedisStore) ConsumeChallenge(ctx context.Context, challengeID string) error {
	n, err := r.client.Del(ctx, challengeKey(challengeID)).Result()
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredChallenges is a no-op: Redis reaps expired keys itself.
func (r *RedisStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	return nil
}

func (r *RedisStore) SaveSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := r.client.Set(ctx, sessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		r.client.Del(ctx, sessionKey(sessionID))
		return nil, ErrNotFound
	}
	return &session, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}
