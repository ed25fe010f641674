// Package cache хранит короткоживущие ключи в Redis: резервации заказов
// и соответствие заказа платежу в шлюзе.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/tarot-bot/internal/config"
)

// Cache обёртка над клиентом Redis, значения хранятся в JSON.
type Cache struct {
	Db *redis.Client
}

// InitServer подключается к Redis и проверяет соединение.
func InitServer(ctx context.Context, cfg config.RedisConnection) (*Cache, error) {
	const op = "cache.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Cache{Db: db}, nil
}

// Get читает значение по ключу в result. Возвращает false, если ключа нет.
func (c *Cache) Get(ctx context.Context, key string, result any) (bool, error) {
	const op = "cache.Get"
	val, err := c.Db.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	err = json.Unmarshal([]byte(val), result)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Set записывает значение с временем жизни expiration.
func (c *Cache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	const op = "cache.Set"
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.Db.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Reserve атомарно закрепляет candidate за ключом на время ttl.
// Если ключ уже занят, возвращает ранее сохранённое значение.
func (c *Cache) Reserve(ctx context.Context, key, candidate string, ttl time.Duration) (string, error) {
	const op = "cache.Reserve"
	data, err := json.Marshal(candidate)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	// ключ может истечь между SETNX и GET, поэтому две попытки
	for range 2 {
		ok, err := c.Db.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			return candidate, nil
		}
		var existing string
		found, err := c.Get(ctx, key, &existing)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		if found {
			return existing, nil
		}
	}
	return candidate, nil
}

// Invalidate удаляет ключ.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.Db.Del(ctx, key).Err()
}

// Close закрывает соединение с Redis.
func (c *Cache) Close() error {
	return c.Db.Close()
}
