// =============================================================================
// 📦 Finsight 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		LLM:       DefaultLLMConfig(),
		Retrieval: DefaultRetrievalConfig(),
		Rerank:    DefaultRerankConfig(),
		WebSearch: DefaultWebSearchConfig(),
		Pipeline:  DefaultPipelineConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		AnswerTTL:    time.Hour,
		ChunkTTL:     10 * time.Minute,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "finsight",
		Password:        "",
		Name:            "finsight",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:       "openai",
		APIKey:         "",
		BaseURL:        "",
		FastModel:      "gpt-4o-mini",
		SynthesisModel: "gpt-4o",
		Timeout:        2 * time.Minute,
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		IndexBaseURL: "http://localhost:8090",
		TopK:         20,
		RRFConstant:  60,
		FusionLimit:  20,
		Timeout:      10 * time.Second,
	}
}

// DefaultRerankConfig 返回默认重排序配置
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Enabled: true,
		Model:   "rerank-english-v3.0",
		TopN:    5,
		Timeout: 15 * time.Second,
	}
}

// DefaultWebSearchConfig 返回默认网络搜索配置
func DefaultWebSearchConfig() WebSearchConfig {
	return WebSearchConfig{
		Enabled:            true,
		MaxResults:         5,
		FinanceDomainsOnly: true,
		RateLimitRPS:       2,
		RateLimitBurst:     4,
		Timeout:            15 * time.Second,
	}
}

// DefaultPipelineConfig 返回默认管道配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueryTimeout:       3 * time.Minute,
		EventBuffer:        256,
		HistoryMaxTurns:    10,
		HistoryTokenBudget: 2000,
	}
}
