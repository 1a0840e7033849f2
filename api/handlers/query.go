package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/internal/metrics"
	"github.com/SHAIK14/Finsight-AI/types"
)

// =============================================================================
// 🔍 查询接口 Handler（SSE 流式响应）
// =============================================================================

// QueryPipeline 是查询管道的最小接口，便于测试注入。
type QueryPipeline interface {
	Ask(ctx context.Context, query types.Query) (<-chan types.StreamEvent, error)
}

// QueryRequest 查询请求体
type QueryRequest struct {
	Question    string   `json:"question"`
	DocumentIDs []string `json:"document_ids"`
	SessionID   string   `json:"session_id,omitempty"`
}

// QueryHandler 查询接口处理器
type QueryHandler struct {
	pipeline QueryPipeline
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewQueryHandler 创建查询处理器。collector 可以为 nil。
func NewQueryHandler(pipeline QueryPipeline, collector *metrics.Collector, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		pipeline: pipeline,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "query_handler")),
	}
}

// HandleQuery 处理一次查询：把管道事件流转成 SSE。
// 每个事件一行 "data: {json}\n\n"；客户端断开即取消查询。
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	identity, idErr := CallerIdentity(r)
	if idErr != nil {
		WriteError(w, idErr, h.logger)
		h.record(r, http.StatusBadRequest, start)
		return
	}

	var req QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		h.record(r, http.StatusBadRequest, start)
		return
	}

	events, err := h.pipeline.Ask(r.Context(), types.Query{
		Text:        req.Question,
		DocumentIDs: req.DocumentIDs,
		SessionID:   req.SessionID,
		Tier:        identity.Tier,
		UserID:      identity.UserID,
	})
	if err != nil {
		if perr, ok := err.(*types.Error); ok {
			WriteError(w, perr, h.logger)
		} else {
			WriteError(w, types.NewError(types.ErrInternalError, "failed to start query").WithCause(err), h.logger)
		}
		h.record(r, http.StatusBadRequest, start)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		h.record(r, http.StatusInternalServerError, start)
		return
	}

	// SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := event.Encode()
		if err != nil {
			h.logger.Error("failed to encode event", zap.Error(err))
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	h.record(r, http.StatusOK, start)
}

func (h *QueryHandler) record(r *http.Request, status int, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, "/api/v1/query", status, time.Since(start))
	}
}
