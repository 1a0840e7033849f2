package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SHAIK14/Finsight-AI/agents"
	"github.com/SHAIK14/Finsight-AI/api/handlers"
	"github.com/SHAIK14/Finsight-AI/config"
	"github.com/SHAIK14/Finsight-AI/internal/cache"
	"github.com/SHAIK14/Finsight-AI/internal/metrics"
	"github.com/SHAIK14/Finsight-AI/internal/server"
	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/pipeline"
	"github.com/SHAIK14/Finsight-AI/rerank"
	"github.com/SHAIK14/Finsight-AI/retrieval"
	"github.com/SHAIK14/Finsight-AI/rewrite"
	"github.com/SHAIK14/Finsight-AI/router"
	"github.com/SHAIK14/Finsight-AI/session"
	"github.com/SHAIK14/Finsight-AI/websearch"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 Finsight 查询服务的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler  *handlers.HealthHandler
	queryHandler   *handlers.QueryHandler
	sessionHandler *handlers.SessionHandler

	// 核心组件
	registry     *prometheus.Registry
	collector    *metrics.Collector
	cacheManager *cache.Manager
	sessionStore *session.Store
	service      *pipeline.Service

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.registry = prometheus.NewRegistry()
	s.collector = metrics.NewCollector("finsight", s.registry, s.logger)

	// 2. 初始化查询管道
	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initPipeline 组装查询管道的所有组件
func (s *Server) initPipeline() error {
	// LLM Provider
	if s.cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm api_key not configured")
	}
	provider := llm.NewOpenAICompatProvider(llm.OpenAICompatConfig{
		ProviderName: s.cfg.LLM.Provider,
		APIKey:       s.cfg.LLM.APIKey,
		BaseURL:      s.cfg.LLM.BaseURL,
		DefaultModel: s.cfg.LLM.FastModel,
		Timeout:      s.cfg.LLM.Timeout,
	}, s.logger)

	// 答案缓存（Redis 不可用时降级为直连计算）
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.DB = s.cfg.Redis.DB
	cacheCfg.AnswerTTL = s.cfg.Redis.AnswerTTL
	cacheCfg.ChunkTTL = s.cfg.Redis.ChunkTTL
	cacheCfg.PoolSize = s.cfg.Redis.PoolSize
	cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	cacheManager, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn("Answer cache unavailable, queries will bypass caching", zap.Error(err))
	} else {
		s.cacheManager = cacheManager
	}

	// 会话存储
	store, err := session.NewStore(s.db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init session store: %w", err)
	}
	s.sessionStore = store

	// 查询分类路由
	routerCfg := router.DefaultConfig()
	routerCfg.Model = s.cfg.LLM.FastModel
	queryRouter := router.NewRouter(provider, routerCfg, s.logger)

	// 历史改写 + 规范化
	rewriteCfg := rewrite.DefaultConfig()
	rewriteCfg.Model = s.cfg.LLM.FastModel
	rewriteCfg.MaxHistoryTurns = s.cfg.Pipeline.HistoryMaxTurns
	rewriteCfg.HistoryTokenBudget = s.cfg.Pipeline.HistoryTokenBudget
	rewriter := rewrite.NewRewriter(provider, rewriteCfg, s.logger)

	// 混合检索（外部块索引服务）
	index := retrieval.NewHTTPIndex(retrieval.HTTPIndexConfig{
		BaseURL: s.cfg.Retrieval.IndexBaseURL,
		APIKey:  s.cfg.Retrieval.IndexAPIKey,
		Timeout: s.cfg.Retrieval.Timeout,
	}, s.logger)
	retriever := retrieval.NewRetriever(index, retrieval.Config{
		TopK:        s.cfg.Retrieval.TopK,
		RRFConstant: s.cfg.Retrieval.RRFConstant,
		FusionLimit: s.cfg.Retrieval.FusionLimit,
		Timeout:     s.cfg.Retrieval.Timeout,
	}, s.collector, s.logger)

	// 重排序（未配置时退化为融合排名截断）
	var rerankProvider rerank.Provider
	if s.cfg.Rerank.Enabled && s.cfg.Rerank.APIKey != "" {
		rerankProvider = rerank.NewCohereProvider(rerank.CohereConfig{
			APIKey:  s.cfg.Rerank.APIKey,
			BaseURL: s.cfg.Rerank.BaseURL,
			Model:   s.cfg.Rerank.Model,
			Timeout: s.cfg.Rerank.Timeout,
		})
	} else {
		s.logger.Info("Rerank provider not configured, using fused ranking")
	}
	reranker := rerank.NewReranker(rerankProvider, s.cfg.Rerank.TopN, s.logger)

	// 网络搜索（可选）
	var searcher *websearch.Searcher
	if s.cfg.WebSearch.Enabled && s.cfg.WebSearch.APIKey != "" {
		searcher = websearch.NewSearcher(websearch.Config{
			APIKey:             s.cfg.WebSearch.APIKey,
			BaseURL:            s.cfg.WebSearch.BaseURL,
			MaxResults:         s.cfg.WebSearch.MaxResults,
			FinanceDomainsOnly: s.cfg.WebSearch.FinanceDomainsOnly,
			RateLimitRPS:       s.cfg.WebSearch.RateLimitRPS,
			RateLimitBurst:     s.cfg.WebSearch.RateLimitBurst,
			Timeout:            s.cfg.WebSearch.Timeout,
		}, s.logger)
	} else {
		s.logger.Info("Web search disabled")
	}

	// 多阶段编排器
	agentCfg := agents.DefaultConfig()
	agentCfg.FastModel = s.cfg.LLM.FastModel
	agentCfg.SynthesisModel = s.cfg.LLM.SynthesisModel
	orchestrator := agents.NewOrchestrator(provider, agentCfg, s.collector, s.logger)

	// 管道服务
	service, err := pipeline.NewService(pipeline.Options{
		Router:       queryRouter,
		Rewriter:     rewriter,
		Retriever:    retriever,
		Reranker:     reranker,
		Searcher:     searcher,
		Orchestrator: orchestrator,
		Cache:        s.cacheManager,
		Sessions:     s.sessionStore,
		Metrics:      s.collector,
		Config: pipeline.Config{
			QueryTimeout:  s.cfg.Pipeline.QueryTimeout,
			EventBuffer:   s.cfg.Pipeline.EventBuffer,
			HistoryWindow: s.cfg.Pipeline.HistoryMaxTurns,
		},
	}, s.logger)
	if err != nil {
		return err
	}
	s.service = service

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("postgres", func(ctx context.Context) error {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}))

	s.queryHandler = handlers.NewQueryHandler(s.service, s.collector, s.logger)
	s.sessionHandler = handlers.NewSessionHandler(s.sessionStore, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// API 路由
	mux.HandleFunc("POST /api/v1/query", s.queryHandler.HandleQuery)
	mux.HandleFunc("GET /api/v1/sessions", s.sessionHandler.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.sessionHandler.HandleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.sessionHandler.HandleDelete)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.sessionHandler.HandleMessages)

	// 构建中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器（停止接收新查询）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭缓存连接
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭数据库连接
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
