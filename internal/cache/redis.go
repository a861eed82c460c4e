// Package cache persists the signed-in session in Redis so the daemon comes
// back logged in after a restart.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/config"
)

const defaultSessionKey = "aviator:session"

type Service interface {
	backend.SessionStorage
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

var _ backend.SessionStorage = (*service)(nil)

// New connects to Redis and verifies the connection. The caller decides what
// to do when Redis is unreachable; the daemon falls back to memory storage.
func New(cfg config.Config, log *zap.Logger) (Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return newService(client, cfg.ServiceName, log)
}

func newService(client *redis.Client, namespace string, log *zap.Logger) (*service, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	key := defaultSessionKey
	if namespace != "" {
		key = namespace + ":session"
	}

	log = log.Named("cache")
	log.Info("redis connected", zap.String("addr", client.Options().Addr))
	return &service{client: client, key: key, log: log}, nil
}

// LoadSession returns the stored session, nil when none is stored.
func (s *service) LoadSession(ctx context.Context) (*backend.Session, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess backend.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		// A corrupt entry is treated as logged out and dropped.
		s.log.Warn("discarding undecodable session", zap.Error(err))
		_ = s.client.Del(ctx, s.key).Err()
		return nil, nil
	}
	return &sess, nil
}

// SaveSession stores sess until its refresh token is no longer useful. A nil
// session clears the entry.
func (s *service) SaveSession(ctx context.Context, sess *backend.Session) error {
	if sess == nil {
		return s.ClearSession(ctx)
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *service) ClearSession(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)

	return stats
}

func (s *service) Close() error {
	s.log.Info("disconnecting from redis")
	return s.client.Close()
}
