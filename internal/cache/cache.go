// Package cache provides the query answer cache.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SHAIK14/Finsight-AI/types"
)

// =============================================================================
// 💾 查询缓存管理器
// =============================================================================

// Manager 查询缓存管理器。
// 同一 key 的并发计算通过 singleflight 合并为一次（§ 单飞语义）。
type Manager struct {
	redis  *redis.Client
	config Config
	group  singleflight.Group
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 答案缓存过期时间
	AnswerTTL time.Duration `yaml:"answer_ttl" json:"answer_ttl"`

	// 检索块缓存过期时间
	ChunkTTL time.Duration `yaml:"chunk_ttl" json:"chunk_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		AnswerTTL:           time.Hour,
		ChunkTTL:            10 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewManager 创建缓存管理器
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Duration("answer_ttl", config.AnswerTTL),
	)

	return m, nil
}

// =============================================================================
// 🔑 缓存键
// =============================================================================

// NormalizeQuestion 小写并折叠空白。缓存命中只看归一化后的文本是否完全一致，
// 不做语义匹配。
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// AnswerKey 根据（归一化问题，排序后的文档集，会话上下文标记）计算稳定键。
func AnswerKey(question string, documentIDs []string, sessionMarker string) string {
	return "query:" + fingerprint(question, documentIDs, sessionMarker) + ":answer"
}

// ChunkKey 计算检索块缓存键。块结果与会话无关，键里不含会话标记。
func ChunkKey(question string, documentIDs []string) string {
	return "query:" + fingerprint(question, documentIDs, "") + ":chunks"
}

func fingerprint(question string, documentIDs []string, sessionMarker string) string {
	sorted := make([]string, len(documentIDs))
	copy(sorted, documentIDs)
	sort.Strings(sorted)

	combined := NormalizeQuestion(question) + "|" + strings.Join(sorted, ",") + "|" + sessionMarker
	sum := sha256.Sum256([]byte(combined))
	return fmt.Sprintf("%x", sum[:8])
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// GetAnswer 读取缓存的最终答案。损坏的条目按未命中处理并删除。
func (m *Manager) GetAnswer(ctx context.Context, key string) (*types.FinalAnswerPayload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("cache manager is closed")
	}

	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var payload types.FinalAnswerPayload
	if err := json.Unmarshal([]byte(val), &payload); err != nil {
		// 损坏条目视为未命中，触发重算
		m.logger.Warn("corrupt cache entry, treating as miss",
			zap.String("key", key), zap.Error(err))
		m.redis.Del(ctx, key)
		return nil, ErrCacheMiss
	}

	return &payload, nil
}

// SetAnswer 写入最终答案，ttl 为零时用配置默认值。
func (m *Manager) SetAnswer(ctx context.Context, key string, payload *types.FinalAnswerPayload, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}
	if ttl == 0 {
		ttl = m.config.AnswerTTL
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := m.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		m.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// ComputeFunc 计算一次完整答案。
type ComputeFunc func(ctx context.Context) (*types.FinalAnswerPayload, error)

// GetOrCompute 保证同一 key 至多一次并发计算：后到的调用方订阅先到者的
// 在途结果而不是重复执行昂贵的检索+编排路径。计算成功后写入缓存。
// 调用方 ctx 取消只影响自己的等待；计算本身观察哪个 ctx 由 compute 闭包
// 决定：闭包若绑定了胜者的调用方 ctx，其取消会以错误的形式传给所有订阅方。
func (m *Manager) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*types.FinalAnswerPayload, bool, error) {
	if payload, err := m.GetAnswer(ctx, key); err == nil {
		return payload, true, nil
	} else if !IsCacheMiss(err) {
		m.logger.Warn("cache lookup failed, computing", zap.Error(err))
	}

	resCh := m.group.DoChan(key, func() (interface{}, error) {
		// computeCtx 只兜底这里的缓存写入超时；compute 用哪个 ctx 由闭包自己决定
		computeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		payload, err := compute(computeCtx)
		if err != nil {
			return nil, err
		}
		if err := m.SetAnswer(computeCtx, key, payload, ttl); err != nil {
			m.logger.Warn("failed to store computed answer", zap.Error(err))
		}
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-resCh:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*types.FinalAnswerPayload), false, nil
	}
}

// GetChunks 读取缓存的重排结果。
func (m *Manager) GetChunks(ctx context.Context, key string) ([]types.RerankedResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("cache manager is closed")
	}

	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var chunks []types.RerankedResult
	if err := json.Unmarshal([]byte(val), &chunks); err != nil {
		m.logger.Warn("corrupt chunk cache entry, treating as miss",
			zap.String("key", key), zap.Error(err))
		m.redis.Del(ctx, key)
		return nil, ErrCacheMiss
	}
	return chunks, nil
}

// SetChunks 写入重排结果。
func (m *Manager) SetChunks(ctx context.Context, key string, chunks []types.RerankedResult) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to marshal chunks: %w", err)
	}
	return m.redis.Set(ctx, key, data, m.config.ChunkTTL).Err()
}

// InvalidateDocuments 文档集变更时删除受影响用户的查询缓存。
func (m *Manager) InvalidateDocuments(ctx context.Context, pattern string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, fmt.Errorf("cache manager is closed")
	}

	keys, err := m.redis.Keys(ctx, pattern).Result()
	if err != nil {
		return 0, fmt.Errorf("cache scan failed: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := m.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache delete failed: %w", err)
	}
	m.logger.Info("invalidated query cache", zap.String("pattern", pattern), zap.Int64("deleted", deleted))
	return deleted, nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing cache manager")
	return m.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环
func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("cache health check failed", zap.Error(err))
		} else {
			m.logger.Debug("cache health check passed")
		}
		cancel()
	}
}
