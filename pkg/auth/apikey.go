package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	apiKeyPrefix    = "geotask:apikey:"
	apiKeySecretLen = 32
)

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
	CreateKey(ctx context.Context, info APIKeyInfo) (string, error)
	RevokeKey(ctx context.Context, keyID string) error
}

// APIKeyInfo contains metadata about an API key
type APIKeyInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash"`
	OwnerID   string `json:"owner_id"`
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // 0 = never expires
}

// Claims converts the key into the claims a bearer token would carry.
func (i *APIKeyInfo) Claims() *Claims {
	c := &Claims{Username: i.Name, Role: i.Role}
	c.Subject = i.OwnerID
	return c
}

// RedisAPIKeyStore keeps key metadata under the SHA-256 of the key; the
// plaintext is returned once by CreateKey and never stored.
type RedisAPIKeyStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisAPIKeyStore(client *redis.Client) *RedisAPIKeyStore {
	return &RedisAPIKeyStore{client: client, now: time.Now}
}

// ValidateKey checks if an API key is valid and returns its info
func (s *RedisAPIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	data, err := s.client.Get(ctx, apiKeyPrefix+hashKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key info: %w", err)
	}
	if info.ExpiresAt > 0 && info.ExpiresAt < s.now().Unix() {
		return nil, ErrExpiredToken
	}
	return &info, nil
}

// CreateKey stores a new API key and returns the plaintext key
func (s *RedisAPIKeyStore) CreateKey(ctx context.Context, info APIKeyInfo) (string, error) {
	if info.OwnerID == "" || !info.Role.Valid() {
		return "", ErrInvalidClaims
	}

	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	plainKey := "gt_" + hex.EncodeToString(secret)

	info.KeyHash = hashKey(plainKey)
	info.CreatedAt = s.now().Unix()
	if info.ID == "" {
		id := make([]byte, 8)
		if _, err := rand.Read(id); err != nil {
			return "", fmt.Errorf("failed to generate key id: %w", err)
		}
		info.ID = "key_" + hex.EncodeToString(id)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key info: %w", err)
	}

	var ttl time.Duration
	if info.ExpiresAt > 0 {
		ttl = time.Unix(info.ExpiresAt, 0).Sub(s.now())
		if ttl <= 0 {
			return "", ErrExpiredToken
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, apiKeyPrefix+info.KeyHash, data, ttl)
		pipe.Set(ctx, apiKeyPrefix+"id:"+info.ID, info.KeyHash, ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}
	return plainKey, nil
}

// RevokeKey removes an API key
func (s *RedisAPIKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	keyHash, err := s.client.Get(ctx, apiKeyPrefix+"id:"+keyID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to lookup key: %w", err)
	}

	if err := s.client.Del(ctx, apiKeyPrefix+keyHash, apiKeyPrefix+"id:"+keyID).Err(); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	return nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

var _ APIKeyStore = (*RedisAPIKeyStore)(nil)
