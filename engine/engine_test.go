package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/internal/testutil"
	"github.com/nutrimesh/nutrimesh/retry"
	"github.com/nutrimesh/nutrimesh/session"
)

func testConfig() Config {
	return Config{
		DefaultStageDeadline: 500 * time.Millisecond,
		GraceMargin:          100 * time.Millisecond,
		Retry:                retry.Policy{MaxRetries: 1, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffMultiplier: 2.0},
		EventBufferSize:      32,
	}
}

func newTestEngine(t *testing.T, adapters map[core.StageID]core.Adapter) *Engine {
	t.Helper()
	e, err := New(testutil.MealPipeline(adapters), func(o *Options) {
		o.Config = testConfig()
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Sessions().Close() })
	return e
}

func collect(t *testing.T, out <-chan core.ProgressEvent) []core.ProgressEvent {
	t.Helper()
	var events []core.ProgressEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for event channel to close")
		}
	}
}

func intentFor(targets ...string) core.ParsedIntent {
	return core.ParsedIntent{
		RawPrompt: "test",
		Goals:     core.NutritionGoals{Protein: 200},
		Targets:   targets,
	}
}

func TestRunHappyPathEventOrder(t *testing.T) {
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("all"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{core.StageParse: parse})

	_, out, err := e.Run(context.Background(), core.Request{Prompt: "plan me a week with 200g protein daily"})
	require.NoError(t, err)
	events := collect(t, out)
	require.NotEmpty(t, events)

	// Ordered, strictly increasing sequence numbers; terminal is last and
	// carries the highest number.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
	last := events[len(events)-1]
	assert.Equal(t, core.EventOutput, last.Type)
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Terminal())
	}

	// One event per stage settlement plus the gate entry event: parse,
	// 3 fan-out, nutrition, terminal.
	assert.Len(t, events, 6)
	assert.Equal(t, core.EventThinking, events[0].Type)

	agg, ok := last.Content.(core.AggregateResult)
	require.True(t, ok)
	assert.Equal(t, float64(200), agg.Intent.Goals.Protein)
	assert.Len(t, agg.Coverage.Contributed, 6)
}

func TestRunRepeatedFanOutIsRaceFree(t *testing.T) {
	// The fan-out goroutines must never read the shared results map while
	// the collector writes sibling settlements into it; inputs are
	// snapshotted before launch. Repeated full runs give the race detector
	// enough interleavings to flag a regression.
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("all"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{core.StageParse: parse})

	for i := 0; i < 50; i++ {
		sess, out, err := e.Run(context.Background(), core.Request{Prompt: "weekly plan"})
		require.NoError(t, err)
		events := collect(t, out)
		require.NotEmpty(t, events)
		assert.Equal(t, core.EventOutput, events[len(events)-1].Type)
		e.Sessions().CloseSession(sess.ID)
	}
}

func TestRunAllFanOutFailStillProducesOutput(t *testing.T) {
	fail := func(id core.StageID) core.Adapter {
		return &testutil.ScriptedAdapter{Stage: id, Results: []core.StageResult{core.Failure(id, core.ReasonPermanent, "upstream down")}}
	}
	nutrition := &testutil.ScriptedAdapter{Stage: core.StageNutrition, Skip: true, SkipCause: "no source data"}
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("all"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:      parse,
		core.StageRecipe:     fail(core.StageRecipe),
		core.StageRestaurant: fail(core.StageRestaurant),
		core.StageProduct:    fail(core.StageProduct),
		core.StageNutrition:  nutrition,
	})

	_, out, err := e.Run(context.Background(), core.Request{Prompt: "dinner ideas"})
	require.NoError(t, err)
	events := collect(t, out)
	last := events[len(events)-1]

	// Fan-out failures degrade coverage but never flip the terminal type.
	require.Equal(t, core.EventOutput, last.Type)
	agg := last.Content.(core.AggregateResult)
	assert.ElementsMatch(t, []core.StageID{core.StageRecipe, core.StageRestaurant, core.StageProduct}, agg.Coverage.Degraded)
	assert.ElementsMatch(t, []core.StageID{core.StageNutrition}, agg.Coverage.Skipped)
	assert.Empty(t, agg.Recipes)
}

func TestRunGateFailureSkipsFanOut(t *testing.T) {
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Results: []core.StageResult{
		core.Failure(core.StageParse, core.ReasonPermanent, "unintelligible request"),
	}}
	recipe := &testutil.ScriptedAdapter{Stage: core.StageRecipe}
	restaurant := &testutil.ScriptedAdapter{Stage: core.StageRestaurant}
	product := &testutil.ScriptedAdapter{Stage: core.StageProduct}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:      parse,
		core.StageRecipe:     recipe,
		core.StageRestaurant: restaurant,
		core.StageProduct:    product,
	})

	_, out, err := e.Run(context.Background(), core.Request{Prompt: "???"})
	require.NoError(t, err)
	events := collect(t, out)

	last := events[len(events)-1]
	assert.Equal(t, core.EventError, last.Type)
	errorCount := 0
	for _, ev := range events {
		if ev.Type == core.EventError {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount)

	// Gate failure must stop the pipeline before any fan-out stage runs.
	assert.Zero(t, recipe.Calls())
	assert.Zero(t, restaurant.Calls())
	assert.Zero(t, product.Calls())
}

func TestRunTransientRetryBound(t *testing.T) {
	recipe := &testutil.ScriptedAdapter{Stage: core.StageRecipe, Results: []core.StageResult{
		core.Failure(core.StageRecipe, core.ReasonTransient, "rate limited"),
	}}
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("recipes"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:  parse,
		core.StageRecipe: recipe,
	})

	_, out, err := e.Run(context.Background(), core.Request{Prompt: "recipes"})
	require.NoError(t, err)
	events := collect(t, out)

	// MaxRetries=1 means exactly two invocations, never more.
	assert.Equal(t, 2, recipe.Calls())

	last := events[len(events)-1]
	agg := last.Content.(core.AggregateResult)
	assert.Contains(t, agg.Coverage.Degraded, core.StageRecipe)
	for _, sr := range agg.Stages {
		if sr.Stage == core.StageRecipe {
			assert.Equal(t, 2, sr.Attempts)
		}
	}
}

func TestRunTransientRetrySucceedsSecondAttempt(t *testing.T) {
	payload := json.RawMessage(`[{"title":"pasta"}]`)
	recipe := &testutil.ScriptedAdapter{Stage: core.StageRecipe, Results: []core.StageResult{
		core.Failure(core.StageRecipe, core.ReasonTransient, "rate limited"),
		core.Success(core.StageRecipe, payload),
	}}
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("recipes"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:  parse,
		core.StageRecipe: recipe,
	})

	result, err := e.RunSync(context.Background(), core.Request{Prompt: "recipes"})
	require.NoError(t, err)
	agg := result.Content.(core.AggregateResult)
	assert.Contains(t, agg.Coverage.Contributed, core.StageRecipe)
	assert.JSONEq(t, string(payload), string(agg.Recipes))
	assert.Equal(t, 2, recipe.Calls())
}

func TestRunFanOutTimeouts(t *testing.T) {
	slow := func(id core.StageID) core.Adapter {
		return &testutil.ScriptedAdapter{Stage: id, Delay: 2 * time.Second}
	}
	product := &testutil.ScriptedAdapter{Stage: core.StageProduct, Payload: json.RawMessage(`[{"name":"protein bar"}]`)}
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("all"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:      parse,
		core.StageRecipe:     slow(core.StageRecipe),
		core.StageRestaurant: slow(core.StageRestaurant),
		core.StageProduct:    product,
	})

	start := time.Now()
	result, err := e.RunSync(context.Background(), core.Request{Prompt: "anything quick"})
	require.NoError(t, err)

	// Timed-out siblings cost one deadline window, not one per stage.
	assert.Less(t, time.Since(start), 2*time.Second)

	agg := result.Content.(core.AggregateResult)
	assert.ElementsMatch(t, []core.StageID{core.StageRecipe, core.StageRestaurant}, agg.Coverage.TimedOut)
	assert.Contains(t, agg.Coverage.Contributed, core.StageProduct)
	assert.NotEmpty(t, agg.Products)
}

func TestRunUncooperativeAdapterCutOff(t *testing.T) {
	recipe := &testutil.ScriptedAdapter{Stage: core.StageRecipe, Delay: 3 * time.Second, Uncooperative: true}
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("recipes"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:  parse,
		core.StageRecipe: recipe,
	})

	start := time.Now()
	result, err := e.RunSync(context.Background(), core.Request{Prompt: "recipes"})
	require.NoError(t, err)

	// The hard cutoff at deadline+grace means a blocked adapter cannot
	// stall the run past its window.
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	agg := result.Content.(core.AggregateResult)
	assert.Contains(t, agg.Coverage.TimedOut, core.StageRecipe)
}

func TestRunMidRunCloseEmitsNothingAfterClose(t *testing.T) {
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("all"))}
	recipe := &testutil.ScriptedAdapter{Stage: core.StageRecipe, Delay: 200 * time.Millisecond}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:  parse,
		core.StageRecipe: recipe,
	})

	sess, out, err := e.Run(context.Background(), core.Request{Prompt: "dinner"})
	require.NoError(t, err)

	// Close while the fan-out layer is in flight.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.Sessions().CloseSession(sess.ID))

	events := collect(t, out)
	for _, ev := range events {
		assert.False(t, ev.Terminal(), "no terminal event may leak after close, got %q", ev.Type)
	}
}

func TestRunRejectsConcurrentRunSameSession(t *testing.T) {
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Delay: 300 * time.Millisecond, Payload: testutil.IntentPayload(intentFor("all"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{core.StageParse: parse})

	sess, out, err := e.Run(context.Background(), core.Request{Prompt: "first"})
	require.NoError(t, err)

	_, _, err = e.Run(context.Background(), core.Request{Prompt: "second", SessionID: sess.ID})
	assert.ErrorIs(t, err, session.ErrRunInProgress)

	collect(t, out)
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	e := newTestEngine(t, nil)
	_, _, err := e.Run(context.Background(), core.Request{Prompt: "   "})
	assert.ErrorIs(t, err, core.ErrEmptyPrompt)
}

func TestRunSkipEvaluator(t *testing.T) {
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("recipes"))}
	restaurant := &testutil.ScriptedAdapter{Stage: core.StageRestaurant, Skip: true, SkipCause: "not requested"}
	e := newTestEngine(t, map[core.StageID]core.Adapter{
		core.StageParse:      parse,
		core.StageRestaurant: restaurant,
	})

	result, err := e.RunSync(context.Background(), core.Request{Prompt: "recipes only"})
	require.NoError(t, err)
	agg := result.Content.(core.AggregateResult)
	assert.Contains(t, agg.Coverage.Skipped, core.StageRestaurant)
	assert.Zero(t, restaurant.Calls())
}

func TestNewRejectsBadTopology(t *testing.T) {
	// Two independent roots: no single gate.
	reg := testutil.MealPipeline(nil)
	require.NoError(t, reg.Register("audit", core.AdapterFunc(func(ctx context.Context, in core.StageInput) core.StageResult {
		return core.Success("audit", nil)
	})))
	_, err := New(reg)
	assert.Error(t, err)
}

func TestRunSyncReturnsTerminal(t *testing.T) {
	parse := &testutil.ScriptedAdapter{Stage: core.StageParse, Payload: testutil.IntentPayload(intentFor("all"))}
	e := newTestEngine(t, map[core.StageID]core.Adapter{core.StageParse: parse})

	result, err := e.RunSync(context.Background(), core.Request{Prompt: "high protein week"})
	require.NoError(t, err)
	assert.Equal(t, core.EventOutput, result.Type)
	assert.True(t, result.Terminal())
	assert.NotEmpty(t, result.SessionID)
}
