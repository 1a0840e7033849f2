package agents

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/internal/metrics"
	"github.com/SHAIK14/Finsight-AI/llm"
	"github.com/SHAIK14/Finsight-AI/types"
)

// Config controls the orchestrator's model selection.
type Config struct {
	// FastModel handles research, verification, risk, and reflection.
	FastModel string `yaml:"fast_model" json:"fast_model"`
	// SynthesisModel writes the final streamed answer.
	SynthesisModel string `yaml:"synthesis_model" json:"synthesis_model"`
	// StageTimeout bounds each non-streaming stage.
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		FastModel:      "gpt-4o-mini",
		SynthesisModel: "gpt-4o",
		StageTimeout:   60 * time.Second,
	}
}

// Hooks lets the caller observe the run as it happens. Either hook may be
// nil.
type Hooks struct {
	// OnStage fires when a stage begins.
	OnStage func(stage types.AgentKind)
	// OnToken fires for every synthesized answer token, in order.
	OnToken func(token string)
}

// Orchestrator sequences the reasoning stages over a shared State. The path
// through the stages is fixed by the route decision before the run starts:
// research always runs first, verification and risk only when routed,
// synthesis and reflection always close the run.
type Orchestrator struct {
	provider llm.Provider
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator. collector may be nil.
func NewOrchestrator(provider llm.Provider, config Config, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		provider: provider,
		config:   config,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "agents")),
	}
}

// Run executes the staged pipeline and leaves the final answer on the state.
// Degraded stages are recorded and skipped over; only a synthesis failure or
// cancellation aborts the run.
func (o *Orchestrator) Run(ctx context.Context, st *State, hooks Hooks) error {
	o.runStage(ctx, st, hooks, types.AgentResearch, o.runResearch)
	if err := o.checkCancelled(ctx, "research"); err != nil {
		return err
	}

	if st.Route.Requires(types.AgentVerification) {
		o.runStage(ctx, st, hooks, types.AgentVerification, o.runVerification)
		if err := o.checkCancelled(ctx, "verification"); err != nil {
			return err
		}
	}

	if st.Route.Requires(types.AgentRisk) {
		o.runStage(ctx, st, hooks, types.AgentRisk, o.runRisk)
		if err := o.checkCancelled(ctx, "risk"); err != nil {
			return err
		}
	}

	if hooks.OnStage != nil {
		hooks.OnStage(types.AgentSynthesis)
	}
	start := time.Now()
	if err := o.runSynthesis(ctx, st, hooks.OnToken); err != nil {
		o.recordStage(types.AgentSynthesis, "failed", time.Since(start))
		return err
	}
	o.recordStage(types.AgentSynthesis, "ok", time.Since(start))

	if err := o.checkCancelled(ctx, "synthesis"); err != nil {
		return err
	}

	if hooks.OnStage != nil {
		hooks.OnStage(types.AgentReflection)
	}
	start = time.Now()
	o.runReflection(ctx, st)
	o.recordStage(types.AgentReflection, "ok", time.Since(start))

	return nil
}

// runStage wraps a degradable stage with hooks, timeout, and metrics.
func (o *Orchestrator) runStage(ctx context.Context, st *State, hooks Hooks, kind types.AgentKind, fn func(context.Context, *State)) {
	if hooks.OnStage != nil {
		hooks.OnStage(kind)
	}

	if o.config.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	fn(ctx, st)

	status := "ok"
	if st.Degraded(kind) {
		status = "degraded"
	}
	o.recordStage(kind, status, time.Since(start))
}

func (o *Orchestrator) recordStage(kind types.AgentKind, status string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordStage(string(kind), status, d)
	}
}

func (o *Orchestrator) checkCancelled(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrQueryCancelled, "query cancelled").
			WithCause(err).
			WithStage(stage)
	}
	return nil
}
