// Package pipeline runs one question end to end: session resolution, query
// rewriting, routing, cached or computed retrieval, the staged reasoning run,
// and event delivery. One Ask call produces exactly one terminal event.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SHAIK14/Finsight-AI/agents"
	"github.com/SHAIK14/Finsight-AI/internal/cache"
	"github.com/SHAIK14/Finsight-AI/internal/metrics"
	"github.com/SHAIK14/Finsight-AI/rerank"
	"github.com/SHAIK14/Finsight-AI/retrieval"
	"github.com/SHAIK14/Finsight-AI/rewrite"
	"github.com/SHAIK14/Finsight-AI/router"
	"github.com/SHAIK14/Finsight-AI/session"
	"github.com/SHAIK14/Finsight-AI/stream"
	"github.com/SHAIK14/Finsight-AI/types"
	"github.com/SHAIK14/Finsight-AI/websearch"
)

// webSearchRestrictedNotice is sent as an info event when routing wants live
// web data but the requester's tier does not allow it.
const webSearchRestrictedNotice = "Live market data requires a premium subscription. Answering from your uploaded documents only."

// cancellationMarker is appended to a partially generated answer so a
// cancelled turn is still recoverable on reload.
const cancellationMarker = "_[response interrupted]_"

// terminalGrace bounds delivery of the terminal event and the final session
// write after the caller's context is already gone.
const terminalGrace = 5 * time.Second

// Config controls per-query pipeline behaviour.
type Config struct {
	// QueryTimeout bounds one full query, retrieval through reflection.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`
	// EventBuffer bounds how far event production may run ahead of the
	// consumer before producers block.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
	// HistoryWindow caps how many prior turns feed query rewriting.
	HistoryWindow int `yaml:"history_window" json:"history_window"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QueryTimeout:  2 * time.Minute,
		EventBuffer:   256,
		HistoryWindow: 10,
	}
}

// Options wires the pipeline's collaborators. Router, Retriever, Reranker and
// Orchestrator are required; the rest may be nil and degrade gracefully
// (no cache, no persistence, no rewriting, no web augmentation, no metrics).
type Options struct {
	Router       *router.Router
	Rewriter     *rewrite.Rewriter
	Retriever    *retrieval.Retriever
	Reranker     *rerank.Reranker
	Searcher     *websearch.Searcher
	Orchestrator *agents.Orchestrator
	Cache        *cache.Manager
	Sessions     *session.Store
	Metrics      *metrics.Collector
	Config       Config
}

// Service is the query pipeline.
type Service struct {
	router       *router.Router
	rewriter     *rewrite.Rewriter
	retriever    *retrieval.Retriever
	reranker     *rerank.Reranker
	searcher     *websearch.Searcher
	orchestrator *agents.Orchestrator
	cache        *cache.Manager
	sessions     *session.Store
	metrics      *metrics.Collector
	config       Config
	logger       *zap.Logger
}

// NewService creates the pipeline service.
func NewService(opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Router == nil || opts.Retriever == nil || opts.Reranker == nil || opts.Orchestrator == nil {
		return nil, errors.New("pipeline: router, retriever, reranker and orchestrator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}

	return &Service{
		router:       opts.Router,
		rewriter:     opts.Rewriter,
		retriever:    opts.Retriever,
		reranker:     opts.Reranker,
		searcher:     opts.Searcher,
		orchestrator: opts.Orchestrator,
		cache:        opts.Cache,
		sessions:     opts.Sessions,
		metrics:      opts.Metrics,
		config:       cfg,
		logger:       logger.With(zap.String("component", "pipeline")),
	}, nil
}

// Ask answers one question as an ordered event stream. The returned channel
// closes after the terminal event is delivered. Cancelling ctx stops token
// emission and persists the partial answer.
func (s *Service) Ask(ctx context.Context, query types.Query) (<-chan types.StreamEvent, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "question must not be empty")
	}

	st := stream.New(stream.Config{BufferSize: s.config.EventBuffer})
	go s.run(ctx, query, st)
	return st.Events(), nil
}

func (s *Service) run(ctx context.Context, query types.Query, st *stream.Stream) {
	start := time.Now()

	runCtx := ctx
	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	sessionID, history := s.resolveSession(runCtx, query, st)

	s.send(runCtx, st, types.StatusEvent("Understanding your question"))

	question := query.Text
	if s.rewriter != nil {
		question = s.rewriter.Rewrite(runCtx, query.Text, history)
	}

	decision := s.router.Route(runCtx, question, query.Tier)
	if decision.NeedsWebSearch && !decision.WebSearchPermitted {
		s.send(runCtx, st, types.InfoEvent(webSearchRestrictedNotice))
	}

	// Rewritten questions depend on the conversation, so the key carries the
	// session id only when history fed the rewrite. History-free questions
	// share cache entries across sessions.
	marker := ""
	if len(history) > 0 {
		marker = sessionID
	}
	key := cache.AnswerKey(question, query.DocumentIDs, marker)

	orchState := &agents.State{
		Question:         question,
		OriginalQuestion: query.Text,
		SessionID:        sessionID,
		Route:            decision,
	}

	// Only the caller whose closure actually runs streams tokens live;
	// everyone else (direct hit or single-flight subscriber) replays the
	// answer as a burst.
	streamedLive := false
	var payload *types.FinalAnswerPayload
	var hit bool
	var err error
	if s.cache != nil {
		payload, hit, err = s.cache.GetOrCompute(runCtx, key, 0, func(context.Context) (*types.FinalAnswerPayload, error) {
			streamedLive = true
			// runCtx, not the detached compute context: caller-side
			// cancellation must stop the in-flight generative call.
			return s.compute(runCtx, query, question, sessionID, st, orchState)
		})
	} else {
		streamedLive = true
		payload, err = s.compute(runCtx, query, question, sessionID, st, orchState)
	}

	status := "ok"
	switch {
	case err != nil && (types.GetErrorCode(err) == types.ErrQueryCancelled ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// A single-flight subscriber inherits the winner's cancellation
		// through the shared result. Its own caller is still waiting, so
		// it gets a retryable failure, not a cancelled turn it never asked
		// for.
		if runCtx.Err() == nil && !streamedLive {
			status = "error"
			s.finishFailed(st, orchState, sessionID,
				types.NewError(types.ErrInternalError, "Answer generation was interrupted. Please try again.").WithCause(err))
			break
		}
		status = "cancelled"
		s.finishCancelled(st, orchState, sessionID, err)

	case err != nil:
		status = "error"
		s.finishFailed(st, orchState, sessionID, err)

	case hit || !streamedLive:
		status = "cached"
		if s.metrics != nil {
			s.metrics.RecordCacheHit("answer")
		}
		replay := *payload
		replay.Cached = true
		replay.SessionID = sessionID
		s.send(runCtx, st, types.StatusEvent("Answer retrieved from cache"))
		s.send(runCtx, st, types.TokenEvent(replay.Answer))
		s.sendTerminal(st, types.DoneEvent(replay))
		s.persistAssistantTurn(sessionID, replay.Answer, replay.Sources)

	default:
		if s.metrics != nil {
			s.metrics.RecordCacheMiss("answer")
		}
		s.sendTerminal(st, types.DoneEvent(*payload))
		s.persistAssistantTurn(sessionID, payload.Answer, payload.Sources)
	}

	if s.metrics != nil {
		s.metrics.RecordQuery(string(decision.Intent), string(query.Tier), status, time.Since(start))
	}
}

// resolveSession ensures a session row exists, emits session_created when the
// caller supplied no id, fetches the rewrite history window, and records the
// incoming user turn. Store failures degrade to a transient session.
func (s *Service) resolveSession(ctx context.Context, query types.Query, st *stream.Stream) (string, []types.Turn) {
	sessionID := query.SessionID

	if s.sessions != nil {
		id, _, err := s.sessions.EnsureSession(ctx, query.SessionID, query.UserID)
		if err != nil {
			s.logger.Warn("session resolution failed, continuing without persistence",
				zap.String("session_id", query.SessionID), zap.Error(err))
		} else {
			sessionID = id
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if query.SessionID == "" {
		s.send(ctx, st, types.SessionCreatedEvent(sessionID))
	}

	var history []types.Turn
	if s.sessions != nil && query.SessionID != "" {
		turns, err := s.sessions.RecentHistory(ctx, sessionID, s.config.HistoryWindow)
		if err != nil {
			s.logger.Warn("history fetch failed", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			history = turns
		}
	}

	if s.sessions != nil {
		if err := s.sessions.AppendTurn(ctx, sessionID, types.Turn{
			Role:    types.RoleUser,
			Content: query.Text,
		}); err != nil {
			s.logger.Warn("failed to persist user turn", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	return sessionID, history
}

// compute is the expensive path behind the answer cache: chunk lookup or
// hybrid retrieval, concurrent web augmentation, and the staged reasoning run
// streaming through st.
func (s *Service) compute(ctx context.Context, query types.Query, question, sessionID string, st *stream.Stream, orchState *agents.State) (*types.FinalAnswerPayload, error) {
	chunkKey := cache.ChunkKey(question, query.DocumentIDs)

	var chunks []types.RerankedResult
	chunksCached := false
	if s.cache != nil {
		cached, err := s.cache.GetChunks(ctx, chunkKey)
		switch {
		case err == nil:
			chunks = cached
			chunksCached = true
			if s.metrics != nil {
				s.metrics.RecordCacheHit("chunks")
			}
		case cache.IsCacheMiss(err):
			if s.metrics != nil {
				s.metrics.RecordCacheMiss("chunks")
			}
		default:
			s.logger.Warn("chunk cache lookup failed", zap.Error(err))
		}
	}

	doWeb := orchState.Route.NeedsWebSearch && orchState.Route.WebSearchPermitted && s.searcher != nil

	if !chunksCached {
		s.send(ctx, st, types.StatusEvent("Searching your documents"))
	}
	if doWeb {
		s.send(ctx, st, types.StatusEvent("Searching the web for recent data"))
	}

	// Document retrieval and web augmentation are independent; run them
	// concurrently and join before research. Neither failure aborts the
	// query: retrieval degrades to empty grounding, web search to zero
	// results.
	var webResults []types.WebResult
	var g errgroup.Group
	if !chunksCached {
		g.Go(func() error {
			fused, err := s.retriever.Retrieve(ctx, question, query.DocumentIDs)
			if err != nil {
				s.logger.Warn("retrieval failed, proceeding with empty grounding", zap.Error(err))
				return nil
			}
			chunks = s.reranker.Rerank(ctx, question, fused)
			return nil
		})
	}
	if doWeb {
		g.Go(func() error {
			results, err := s.searcher.Search(ctx, question)
			if err != nil {
				s.logger.Warn("web search failed, proceeding without web results", zap.Error(err))
				if s.metrics != nil {
					s.metrics.RecordWebSearch("failed")
				}
				return nil
			}
			webResults = results
			if s.metrics != nil {
				s.metrics.RecordWebSearch("ok")
			}
			return nil
		})
	}
	_ = g.Wait()

	if !chunksCached && s.cache != nil && len(chunks) > 0 {
		if err := s.cache.SetChunks(ctx, chunkKey, chunks); err != nil {
			s.logger.Warn("failed to cache chunks", zap.Error(err))
		}
	}

	if len(webResults) > 0 {
		s.send(ctx, st, types.WebSearchEvent(webResults))
	}

	orchState.Chunks = chunks
	orchState.WebResults = webResults

	var streamed strings.Builder
	hooks := agents.Hooks{
		OnStage: func(stage types.AgentKind) {
			s.send(ctx, st, types.StatusEvent(stageLabel(stage)))
		},
		OnToken: func(token string) {
			streamed.WriteString(token)
			s.send(ctx, st, types.TokenEvent(token))
			if s.metrics != nil {
				s.metrics.RecordTokensStreamed(string(query.Tier), 1)
			}
		},
	}

	if err := s.orchestrator.Run(ctx, orchState, hooks); err != nil {
		return nil, err
	}

	// Reflection may have rewritten the answer after synthesis finished
	// streaming. Ship the difference as one more token so the live consumer
	// ends up with exactly the text that gets persisted: a suffix when the
	// streamed text survived, the full replacement when it did not.
	if delta := reflectionDelta(streamed.String(), orchState.FinalAnswer); delta != "" {
		s.send(ctx, st, types.TokenEvent(delta))
	}

	return &types.FinalAnswerPayload{
		Answer:     orchState.FinalAnswer,
		Sources:    chunks,
		WebSources: webResults,
		SessionID:  sessionID,
	}, nil
}

// finishCancelled records a cancelled query: the partial answer gets the
// cancellation marker, is persisted so the turn survives a reload, and the
// stream still receives a done event tagged cancelled for any consumer that
// is draining.
func (s *Service) finishCancelled(st *stream.Stream, orchState *agents.State, sessionID string, err error) {
	stage := "unknown"
	var perr *types.Error
	if errors.As(err, &perr) && perr.Stage != "" {
		stage = perr.Stage
	}
	if s.metrics != nil {
		s.metrics.RecordCancellation(stage)
	}

	partial := orchState.FinalAnswer
	if partial != "" {
		partial += "\n\n" + cancellationMarker
	} else {
		partial = cancellationMarker
	}

	s.persistAssistantTurn(sessionID, partial, orchState.Chunks)
	s.sendTerminal(st, types.DoneEvent(types.FinalAnswerPayload{
		Answer:     partial,
		Sources:    orchState.Chunks,
		WebSources: orchState.WebResults,
		SessionID:  sessionID,
		Cancelled:  true,
	}))

	s.logger.Info("query cancelled",
		zap.String("session_id", sessionID),
		zap.String("stage", stage))
}

// finishFailed surfaces a fatal failure as the stream's error event, keeping
// whatever partial answer exists in the session store for recoverability.
func (s *Service) finishFailed(st *stream.Stream, orchState *agents.State, sessionID string, err error) {
	if orchState.FinalAnswer != "" {
		s.persistAssistantTurn(sessionID, orchState.FinalAnswer+"\n\n"+cancellationMarker, orchState.Chunks)
	}

	message := "The answer could not be generated. Please try again."
	var perr *types.Error
	if errors.As(err, &perr) && perr.Message != "" {
		message = perr.Message
	}
	s.sendTerminal(st, types.ErrorEvent(message))

	s.logger.Error("query failed",
		zap.String("session_id", sessionID),
		zap.Error(err))
}

// send delivers a non-terminal event, tolerating a gone consumer.
func (s *Service) send(ctx context.Context, st *stream.Stream, event types.StreamEvent) {
	if err := st.Send(ctx, event); err != nil &&
		!errors.Is(err, stream.ErrStreamClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("event dropped", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// sendTerminal delivers the terminal event on a detached context so a
// cancelled caller still gets its outcome while the consumer drains.
func (s *Service) sendTerminal(st *stream.Stream, event types.StreamEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalGrace)
	defer cancel()
	if err := st.Send(ctx, event); err != nil {
		s.logger.Debug("terminal event dropped", zap.Error(err))
	}
}

// persistAssistantTurn appends the assistant's answer on a detached context;
// the caller's context may already be cancelled.
func (s *Service) persistAssistantTurn(sessionID, content string, sources []types.RerankedResult) {
	if s.sessions == nil || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminalGrace)
	defer cancel()
	if err := s.sessions.AppendTurn(ctx, sessionID, types.Turn{
		Role:    types.RoleAssistant,
		Content: content,
		Sources: sources,
	}); err != nil {
		s.logger.Warn("failed to persist assistant turn",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// reflectionDelta returns the text the live consumer still needs after the
// reasoning run finished. Empty when the final answer is exactly what was
// streamed; the remaining suffix when reflection appended to it; the whole
// final answer when reflection replaced it outright.
func reflectionDelta(streamed, final string) string {
	if final == streamed {
		return ""
	}
	if streamed != "" && strings.HasPrefix(final, streamed) {
		return strings.TrimPrefix(final, streamed)
	}
	return final
}

// stageLabel maps a reasoning stage to its user-facing status label.
func stageLabel(stage types.AgentKind) string {
	switch stage {
	case types.AgentResearch:
		return "Analyzing documents"
	case types.AgentVerification:
		return "Verifying extracted facts"
	case types.AgentRisk:
		return "Assessing risks"
	case types.AgentSynthesis:
		return "Generating answer"
	case types.AgentReflection:
		return "Reviewing answer"
	default:
		return string(stage)
	}
}
