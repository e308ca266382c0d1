package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/sandboxd/pkg/types"
)

// challengeTTL bounds how long a pending HTTP-01 token lives: long enough
// for the ACME server's validation request, short enough that a crashed
// issuance task doesn't leak entries forever.
const challengeTTL = 10 * time.Minute

// ChallengeStore is the shared map of spec §4.3/§3 PendingChallenge: the
// ACME controller is the single writer per token, the proxy's HTTP
// listener is the (possibly many) reader. A single control-plane replica
// can hold this in memory; a multi-replica deployment needs it in Redis
// so whichever replica the ACME validation request lands on can answer it.
type ChallengeStore interface {
	Put(ctx context.Context, token, keyAuthorization string) error
	Get(ctx context.Context, token string) (string, bool, error)
	Delete(ctx context.Context, token string) error
}

// LocalChallengeStore is an in-process ChallengeStore, correct only when
// exactly one proxy replica terminates ACME HTTP-01 challenges.
type LocalChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]types.PendingChallenge
}

// NewLocalChallengeStore builds an empty LocalChallengeStore.
func NewLocalChallengeStore() *LocalChallengeStore {
	return &LocalChallengeStore{challenges: make(map[string]types.PendingChallenge)}
}

func (s *LocalChallengeStore) Put(_ context.Context, token, keyAuthorization string) error {
	s.mu.Lock()
	s.challenges[token] = types.PendingChallenge{Token: token, KeyAuthorization: keyAuthorization}
	s.mu.Unlock()
	return nil
}

func (s *LocalChallengeStore) Get(_ context.Context, token string) (string, bool, error) {
	s.mu.RLock()
	challenge, ok := s.challenges[token]
	s.mu.RUnlock()
	return challenge.KeyAuthorization, ok, nil
}

func (s *LocalChallengeStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.challenges, token)
	s.mu.Unlock()
	return nil
}

// RedisChallengeStore backs ChallengeStore with Redis, so any replica
// behind the ACME-facing load balancer can answer a validation request
// another replica's issuance task published (spec §4.8a's multi-replica
// coordination note).
type RedisChallengeStore struct {
	client *redis.Client
}

// NewRedisChallengeStore wraps an already-connected client.
func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

func (s *RedisChallengeStore) key(token string) string {
	return "sandboxd:acme-challenge:" + token
}

func (s *RedisChallengeStore) Put(ctx context.Context, token, keyAuthorization string) error {
	payload, err := json.Marshal(types.PendingChallenge{Token: token, KeyAuthorization: keyAuthorization})
	if err != nil {
		return fmt.Errorf("challengestore: marshaling: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), payload, challengeTTL).Err(); err != nil {
		return fmt.Errorf("challengestore: writing %s: %w", token, err)
	}
	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, token string) (string, bool, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("challengestore: reading %s: %w", token, err)
	}
	var challenge types.PendingChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return "", false, fmt.Errorf("challengestore: unmarshaling %s: %w", token, err)
	}
	return challenge.KeyAuthorization, true, nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("challengestore: deleting %s: %w", token, err)
	}
	return nil
}
