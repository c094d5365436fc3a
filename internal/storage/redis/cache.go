package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailtrack/backend/internal/domain"
)

// OpenedChannel 是首次打开事件的发布订阅频道
const OpenedChannel = "mailtrack:email_opened"

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Options Redis 连接配置
type Options struct {
	Address  string
	Password string
	DB       int
}

// Cache Redis 缓存实现
type Cache struct {
	client *redis.Client
}

// NewCache 创建 Redis 缓存实例
func NewCache(opts Options) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewCacheWithClient 使用现有客户端创建缓存
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping 检查连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Cache) Close() error {
	return c.client.Close()
}

// ========== 用户缓存 ==========

func userKey(email string) string {
	return fmt.Sprintf("user:email:%s", email)
}

// CacheUser 缓存用户信息（包含访问令牌）
func (c *Cache) CacheUser(ctx context.Context, user *domain.User, ttl time.Duration) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, userKey(user.Email), data, ttl).Err()
}

// GetCachedUserByEmail 获取缓存的用户信息，未命中时返回 ErrCacheMiss
func (c *Cache) GetCachedUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	data, err := c.client.Get(ctx, userKey(email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteCachedUser 删除缓存的用户信息
func (c *Cache) DeleteCachedUser(ctx context.Context, email string) error {
	return c.client.Del(ctx, userKey(email)).Err()
}

// ========== 限流缓存 ==========

// IncrementRateLimit 增加限流计数，窗口从第一次计数开始
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = "ratelimit:" + key
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// ========== 发布订阅 ==========

// PublishOpened 发布首次打开事件，供其他实例推送给各自的 websocket 客户端
func (c *Cache) PublishOpened(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, OpenedChannel, payload).Err()
}

// SubscribeOpened 订阅首次打开事件，ctx 结束时关闭订阅与返回的通道
func (c *Cache) SubscribeOpened(ctx context.Context) (<-chan []byte, error) {
	sub := c.client.Subscribe(ctx, OpenedChannel)
	// 等待订阅确认，保证返回后发布的消息不会丢失
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()

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
