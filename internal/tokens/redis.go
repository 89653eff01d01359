package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/ailways/study-relay/internal/redis"
	"github.com/ailways/study-relay/internal/util"
)

// RedisStore keeps tokens in Redis with key expiry matching token lifetime.
// When an encryption key is set, refresh tokens are stored AES-GCM sealed.
type RedisStore struct {
	client        *redisclient.Client
	accessTTL     time.Duration
	refreshTTL    time.Duration
	encryptionKey string
}

func NewRedisStore(client *redisclient.Client, accessTTL, refreshTTL time.Duration, encryptionKey string) *RedisStore {
	return &RedisStore{
		client:        client,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		encryptionKey: encryptionKey,
	}
}

func (s *RedisStore) Get(ctx context.Context, principal string) (Pair, error) {
	vals, err := s.client.MGet(ctx,
		redisclient.AccessTokenKey(principal),
		redisclient.RefreshTokenKey(principal),
	).Result()
	if err != nil {
		return Pair{}, fmt.Errorf("load tokens: %w", err)
	}

	var pair Pair
	if v, ok := vals[0].(string); ok {
		pair.AccessToken = v
	}
	if v, ok := vals[1].(string); ok {
		pair.RefreshToken, err = s.open(principal, v)
		if err != nil {
			log.Warn().Err(err).Str("principal", principal).Msg("stored refresh token unreadable, dropping it")
			s.client.Del(ctx, redisclient.RefreshTokenKey(principal))
			pair.RefreshToken = ""
		}
	}
	return pair, nil
}

func (s *RedisStore) SaveAccess(ctx context.Context, principal, accessToken string) error {
	key := redisclient.AccessTokenKey(principal)
	ttl := AccessTTL(accessToken, time.Now(), s.accessTTL)
	if ttl <= 0 {
		return s.client.Del(ctx, key).Err()
	}
	if err := s.client.Set(ctx, key, accessToken, ttl).Err(); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveRefresh(ctx context.Context, principal, refreshToken string, expiresIn int) error {
	sealed, err := s.seal(principal, refreshToken)
	if err != nil {
		return err
	}

	ttl := refreshTTL(expiresIn, s.refreshTTL)
	if err := s.client.Set(ctx, redisclient.RefreshTokenKey(principal), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, principal string) error {
	err := s.client.Del(ctx,
		redisclient.AccessTokenKey(principal),
		redisclient.RefreshTokenKey(principal),
	).Err()
	if err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// seal binds the ciphertext to principal, so a value copied under another
// principal's key does not open.
func (s *RedisStore) seal(principal, token string) (string, error) {
	if s.encryptionKey == "" {
		return token, nil
	}
	sealed, err := util.Encrypt(s.encryptionKey, token, principal)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return sealed, nil
}

func (s *RedisStore) open(principal, stored string) (string, error) {
	if s.encryptionKey == "" {
		return stored, nil
	}
	return util.Decrypt(s.encryptionKey, stored, principal)
}
