package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nutrimesh/nutrimesh/aggregate"
	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
	"github.com/nutrimesh/nutrimesh/progress"
	"github.com/nutrimesh/nutrimesh/registry"
	"github.com/nutrimesh/nutrimesh/retry"
	"github.com/nutrimesh/nutrimesh/session"
	"github.com/tidwall/gjson"
)

// ErrNoTerminal is returned by RunSync when the run ended without a terminal
// event, which only happens when the session was closed mid-run.
var ErrNoTerminal = errors.New("run ended without terminal event")

// Config defines tuning parameters for the engine's pipeline behavior.
//
// Deadlines and retry counts are operator configuration, not algorithmic
// constants: the defaults keep stage deadlines in the few-second range and
// allow one retry for transient failures.
type Config struct {
	// StageDeadlines sets the per-invocation deadline for specific stages.
	// Stages not listed use DefaultStageDeadline. Retries run within the
	// same deadline; they never extend it.
	StageDeadlines map[core.StageID]time.Duration

	// DefaultStageDeadline applies to stages without an explicit entry.
	DefaultStageDeadline time.Duration

	// GraceMargin is the slack past a stage's deadline before the engine
	// gives up on a non-cooperative adapter and records TimedOut. Results
	// arriving after the cutoff are discarded.
	GraceMargin time.Duration

	// Retry bounds transient-failure retries per stage invocation.
	Retry retry.Policy

	// EventBufferSize sets the outbound event channel buffer. It must be
	// large enough to hold every event of one run so emission never blocks
	// on a slow consumer.
	EventBufferSize int
}

// DefaultConfig provides production-ready defaults: few-second stage
// deadlines, one transient retry, and an event buffer comfortably above the
// per-run event count.
var DefaultConfig = Config{
	StageDeadlines: map[core.StageID]time.Duration{
		core.StageParse:     5 * time.Second,
		core.StageNutrition: 5 * time.Second,
		core.StagePlan:      10 * time.Second,
	},
	DefaultStageDeadline: 8 * time.Second,
	GraceMargin:          250 * time.Millisecond,
	Retry:                retry.DefaultPolicy(),
	EventBufferSize:      32,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Config contains pipeline tuning parameters. Defaults to DefaultConfig.
	Config Config

	// Sessions is the session manager that owns session lifecycle and
	// cancellation. Defaults to a fresh in-process manager.
	Sessions *session.Manager

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Engine executes the staged pipeline for one session at a time per session:
// a mandatory gate stage, one or more concurrent fan-out layers, and a final
// synthesis stage, all derived from the registry's dependency declarations.
//
// The engine never owns sessions — it references the session manager's
// entries during a run and respects its cancellation. All per-run state is
// exclusively owned by that run's goroutine, so no cross-session locking
// exists here.
type Engine struct {
	cfg      Config
	reg      *registry.Registry
	sessions *session.Manager
	logger   logging.Logger

	// layers is the dependency-resolved execution order, fixed at
	// construction. layers[0] is the gate; the last layer is the synthesis.
	layers     [][]core.StageID
	stageCount int
	maxRuntime time.Duration
}

// New resolves the registry's dependency graph into execution layers and
// constructs an Engine. Configuration problems (unknown dependencies, a
// gate or synthesis layer that is not a single stage, an invalid retry
// policy) surface here, never during a run.
func New(reg *registry.Registry, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(func(o *session.Options) { o.Logger = opts.Logger })
	}
	if err := opts.Config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	layers, err := reg.Layers()
	if err != nil {
		return nil, fmt.Errorf("resolve pipeline: %w", err)
	}
	if len(layers) < 2 {
		return nil, fmt.Errorf("pipeline needs a gate stage and a synthesis stage, got %d layer(s)", len(layers))
	}
	if len(layers[0]) != 1 {
		return nil, fmt.Errorf("gate layer must be a single stage, got %v", layers[0])
	}
	if len(layers[len(layers)-1]) != 1 {
		return nil, fmt.Errorf("synthesis layer must be a single stage, got %v", layers[len(layers)-1])
	}

	e := &Engine{
		cfg:      opts.Config,
		reg:      reg,
		sessions: opts.Sessions,
		logger:   opts.Logger,
		layers:   layers,
	}
	for _, layer := range layers {
		e.stageCount += len(layer)
		var worst time.Duration
		for _, id := range layer {
			if d := e.deadlineFor(id); d > worst {
				worst = d
			}
		}
		e.maxRuntime += worst + opts.Config.GraceMargin
	}
	return e, nil
}

// Sessions exposes the session manager (the cancellation authority).
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Run validates the request, resolves its session and starts one pipeline
// run. The returned channel streams ProgressEvents in sequence order and is
// closed when the run ends; the terminal event, when the session survives to
// see one, is always the last element.
//
// Run is never re-entrant for a session: a second call while a run is in
// flight fails with session.ErrRunInProgress.
func (e *Engine) Run(ctx context.Context, req core.Request) (*session.Session, <-chan core.ProgressEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	sess, err := e.sessions.Resolve(req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	runCtx, cancel, err := e.sessions.BeginRun(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	// Session-wide bound: sum of worst-case phase deadlines.
	runCtx, timeoutCancel := context.WithTimeout(runCtx, e.maxRuntime)

	out := make(chan core.ProgressEvent, e.cfg.EventBufferSize)
	em := progress.NewEmitter(sess, out, e.logger)

	go func() {
		defer close(out)
		defer e.sessions.EndRun(sess)
		defer timeoutCancel()
		defer cancel()
		e.runPipeline(runCtx, sess, em, req)
	}()
	return sess, out, nil
}

// RunSync executes a pipeline run to completion and returns only the
// terminal event. It is the thin stateless facade over Run used by the
// request/response surface; ctx should carry the overall request timeout.
func (e *Engine) RunSync(ctx context.Context, req core.Request) (core.ProgressEvent, error) {
	_, out, err := e.Run(ctx, req)
	if err != nil {
		return core.ProgressEvent{}, err
	}
	var terminal core.ProgressEvent
	seen := false
	for ev := range out {
		if ev.Terminal() {
			terminal = ev
			seen = true
		}
	}
	if !seen {
		if ctx.Err() != nil {
			return core.ProgressEvent{}, ctx.Err()
		}
		return core.ProgressEvent{}, ErrNoTerminal
	}
	return terminal, nil
}

// runPipeline drives one session's pipeline exactly once. All errors are
// captured as StageResults; only gate failure is pipeline-fatal.
func (e *Engine) runPipeline(ctx context.Context, sess *session.Session, em *progress.Emitter, req core.Request) {
	start := time.Now()
	results := make(map[core.StageID]core.StageResult, e.stageCount)

	// Gate phase. The entry event goes out before the stage runs so the
	// caller sees progress immediately after the message is accepted.
	gate := e.layers[0][0]
	sess.SetPhase(string(gate))
	em.Emit(gate, progress.TypeForStage(gate), "Analyzing your request...")

	gateRes := e.invokeStage(ctx, gate, core.StageInput{SessionID: sess.ID, Request: req})
	if ctx.Err() != nil {
		e.logger.Debug("pipeline abandoned", "session_id", sess.ID, "phase", gate)
		return
	}
	results[gate] = gateRes

	intent, err := decodeIntent(gateRes)
	if err != nil {
		em.EmitTerminal(core.EventError, fmt.Sprintf("Error processing request: %s", err))
		e.logger.Warn("pipeline fatal at gate", "session_id", sess.ID, "stage", gate, "error", err.Error())
		return
	}

	// Fan-out / fan-in layers.
	for _, layer := range e.layers[1 : len(e.layers)-1] {
		sess.SetPhase(phaseLabel(layer))
		if !e.runLayer(ctx, sess, em, req, intent, layer, results) {
			return
		}
	}

	// Synthesis phase.
	synth := e.layers[len(e.layers)-1][0]
	sess.SetPhase(string(synth))
	synthRes := e.invokeStage(ctx, synth, e.stageInput(sess.ID, req, intent, synth, results))
	if ctx.Err() != nil {
		e.logger.Debug("pipeline abandoned", "session_id", sess.ID, "phase", synth)
		return
	}
	results[synth] = synthRes

	agg := aggregate.Build(*intent, results)
	em.EmitTerminal(core.EventOutput, agg)
	if obs, ok := e.logger.(logging.StageObserver); ok {
		obs.LogPipelineRun(len(results), time.Since(start), string(core.EventOutput))
	} else {
		e.logger.Info("pipeline run completed",
			"session_id", sess.ID,
			"stages", len(results),
			"duration", time.Since(start),
			"contributed", len(agg.Coverage.Contributed),
		)
	}
}

// runLayer launches every stage of one layer concurrently, waits for all of
// them to settle and emits one event per settlement. It returns false when
// the run was abandoned mid-layer.
func (e *Engine) runLayer(
	ctx context.Context,
	sess *session.Session,
	em *progress.Emitter,
	req core.Request,
	intent *core.ParsedIntent,
	layer []core.StageID,
	results map[core.StageID]core.StageResult,
) bool {
	// Inputs are snapshotted before launch so the goroutines never touch
	// the results map; only this goroutine reads and writes it.
	settled := make(chan core.StageResult, len(layer))
	for _, id := range layer {
		in := e.stageInput(sess.ID, req, intent, id, results)
		go func(id core.StageID, in core.StageInput) {
			settled <- e.invokeStage(ctx, id, in)
		}(id, in)
	}

	// Each invokeStage call is individually bounded by its deadline plus the
	// grace margin, so this wait is bounded by max(Dᵢ)+grace. Sibling
	// outcomes are independent: a failing stage never cancels the others.
	for range layer {
		select {
		case <-ctx.Done():
			e.logger.Debug("pipeline abandoned", "session_id", sess.ID, "phase", phaseLabel(layer))
			return false
		case res := <-settled:
			results[res.Stage] = res
			em.Emit(res.Stage, progress.TypeForStage(res.Stage), summaryFor(res))
		}
	}
	return true
}

// stageInput assembles the immutable snapshot for one stage: a clone of the
// parsed intent plus copies of the settled results of its declared
// dependencies. A dependency that did not succeed is still present, carrying
// its non-success status.
func (e *Engine) stageInput(sessionID string, req core.Request, intent *core.ParsedIntent, id core.StageID, results map[core.StageID]core.StageResult) core.StageInput {
	in := core.StageInput{SessionID: sessionID, Request: req}
	if intent != nil {
		snapshot := intent.Clone()
		in.Intent = &snapshot
	}
	deps, _ := e.reg.Dependencies(id)
	if len(deps) > 0 {
		in.Upstream = make(map[core.StageID]core.StageResult, len(deps))
		for _, dep := range deps {
			if r, ok := results[dep]; ok {
				in.Upstream[dep] = r
			}
		}
	}
	return in
}

// invokeStage runs one stage to settlement: skip evaluation, invocation with
// deadline enforcement, and bounded transient retries consuming the same
// deadline budget.
func (e *Engine) invokeStage(ctx context.Context, id core.StageID, in core.StageInput) core.StageResult {
	adapter, ok := e.reg.Adapter(id)
	if !ok {
		return core.Failure(id, core.ReasonPermanent, "stage not registered")
	}
	if se, ok := adapter.(core.SkipEvaluator); ok {
		if skip, cause := se.ShouldSkip(in); skip {
			e.logger.Debug("stage skipped", "stage", id, "cause", cause)
			return core.Skipped(id, cause)
		}
	}

	deadline := time.Now().Add(e.deadlineFor(id))
	attempt := 0
	for {
		attempt++
		callStart := time.Now()
		res := e.invokeOnce(ctx, adapter, id, in, deadline)
		res.Attempts = attempt
		if obs, ok := e.logger.(logging.StageObserver); ok {
			obs.LogStageCall(string(id), attempt, time.Since(callStart), string(res.Status))
		} else {
			e.logger.Debug("stage invocation settled",
				"stage", id, "attempt", attempt, "status", string(res.Status), "duration", time.Since(callStart))
		}

		if ctx.Err() != nil || !e.cfg.Retry.ShouldRetry(res, attempt) {
			return res
		}
		delay := e.cfg.Retry.Delay(attempt)
		if time.Now().Add(delay).After(deadline) {
			// No budget left for another attempt.
			return res
		}
		select {
		case <-ctx.Done():
			return res
		case <-time.After(delay):
		}
	}
}

// invokeOnce performs a single adapter call under the stage deadline. The
// adapter is expected to honor ctx cooperatively; the hard cutoff at
// deadline+grace covers adapters that do not, and their late results are
// discarded.
func (e *Engine) invokeOnce(ctx context.Context, adapter core.Adapter, id core.StageID, in core.StageInput, deadline time.Time) core.StageResult {
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	resCh := make(chan core.StageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- core.Failure(id, core.ReasonPermanent, fmt.Sprintf("adapter panic: %v", r))
			}
		}()
		resCh <- adapter.Invoke(callCtx, in)
	}()

	cutoff := time.NewTimer(time.Until(deadline) + e.cfg.GraceMargin)
	defer cutoff.Stop()

	select {
	case res := <-resCh:
		if res.Stage == "" {
			res.Stage = id
		}
		return res
	case <-cutoff.C:
		return core.TimedOut(id)
	case <-ctx.Done():
		return core.StageResult{Stage: id, Status: core.StatusSkipped, Reason: core.ReasonCancelled, Detail: "run cancelled"}
	}
}

func (e *Engine) deadlineFor(id core.StageID) time.Duration {
	if d, ok := e.cfg.StageDeadlines[id]; ok {
		return d
	}
	return e.cfg.DefaultStageDeadline
}

// decodeIntent turns the gate stage's settlement into the ParsedIntent all
// downstream stages consume. Any non-success is pipeline-fatal.
func decodeIntent(res core.StageResult) (*core.ParsedIntent, error) {
	switch res.Status {
	case core.StatusSuccess, core.StatusPartial:
	case core.StatusTimedOut:
		return nil, errors.New("request analysis timed out")
	default:
		if res.Detail != "" {
			return nil, errors.New(res.Detail)
		}
		return nil, errors.New("request analysis failed")
	}
	var intent core.ParsedIntent
	if err := json.Unmarshal(res.Payload, &intent); err != nil {
		return nil, fmt.Errorf("malformed intent payload: %w", err)
	}
	return &intent, nil
}

func phaseLabel(layer []core.StageID) string {
	if len(layer) == 1 {
		return string(layer[0])
	}
	label := string(layer[0])
	for _, id := range layer[1:] {
		label += "+" + string(id)
	}
	return label
}

// summaryFor renders the free-text content of a stage settlement event.
func summaryFor(res core.StageResult) string {
	noun := stageNoun(res.Stage)
	switch res.Status {
	case core.StatusSuccess, core.StatusPartial:
		if gjson.ParseBytes(res.Payload).IsArray() {
			return fmt.Sprintf("Found %d %s", gjson.GetBytes(res.Payload, "#").Int(), noun)
		}
		return fmt.Sprintf("Completed %s", string(res.Stage))
	case core.StatusTimedOut:
		return fmt.Sprintf("The %s stage did not complete in time", string(res.Stage))
	case core.StatusSkipped:
		return fmt.Sprintf("Skipped %s: %s", string(res.Stage), res.Detail)
	default:
		return fmt.Sprintf("The %s stage did not complete: %s", string(res.Stage), res.Detail)
	}
}

func stageNoun(id core.StageID) string {
	switch id {
	case core.StageRecipe:
		return "recipes"
	case core.StageRestaurant:
		return "restaurant options"
	case core.StageProduct:
		return "product options"
	default:
		return "results"
	}
}
