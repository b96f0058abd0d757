package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/adapter/tool"
	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
	"agentflow/internal/infra/logger"
)

// counter returns an inline function that counts its calls and reports how
// many steps its input context held.
func counter(n *atomic.Int32) InlineFunc {
	return func(_ context.Context, in InlineInput) (any, error) {
		c := n.Add(1)
		return map[string]any{"calls": c, "seen": len(in.Context)}, nil
	}
}

func inlineWorkflow(name string, steps ...string) domain.Workflow {
	wf := domain.Workflow{DisplayName: name, RepeatStep: steps[0], Interval: 30 * time.Second}
	for _, s := range steps {
		wf.Steps = append(wf.Steps, domain.Step{Name: s, Inline: s})
	}
	return wf
}

func newInlineRunner(t *testing.T, wf domain.Workflow, funcs map[string]InlineFunc, opts ...Option) *Runner {
	t.Helper()
	reg, exec := newTestExecutor(t, &fakeInvoker{})
	for name, fn := range funcs {
		require.NoError(t, exec.Inlines().Register(name, fn))
	}
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	r, err := NewRunner(wf, reg, exec, opts...)
	require.NoError(t, err)
	return r
}

func TestNewRunnerDanglingRepeatStep(t *testing.T) {
	reg, exec := newTestExecutor(t, &fakeInvoker{}, getTool("fetch", "https://x"))
	wf := domain.Workflow{
		DisplayName: "poller",
		Steps:       []domain.Step{{Name: "fetch", Tool: "fetch"}},
		RepeatStep:  "fetch_builds",
	}

	_, err := NewRunner(wf, reg, exec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "fetch_builds")
}

func TestNewRunnerValidation(t *testing.T) {
	base := func() domain.Workflow {
		return domain.Workflow{
			DisplayName: "wf",
			Steps: []domain.Step{
				{Name: "fetch", Tool: "fetch"},
				{Name: "act", Tool: "fetch", When: "fetch.status == 200"},
			},
			RepeatStep: "fetch",
		}
	}

	tests := []struct {
		name   string
		mutate func(*domain.Workflow)
	}{
		{"no name", func(w *domain.Workflow) { w.DisplayName = "" }},
		{"no steps", func(w *domain.Workflow) { w.Steps = nil; w.RepeatStep = "" }},
		{"duplicate step", func(w *domain.Workflow) { w.Steps[1].Name = "fetch" }},
		{"bad step name", func(w *domain.Workflow) { w.Steps[1].Name = "has.dot" }},
		{"unknown tool", func(w *domain.Workflow) { w.Steps[1].Tool = "ghost" }},
		{"unknown inline", func(w *domain.Workflow) { w.Steps[1] = domain.Step{Name: "act", Inline: "ghost"} }},
		{"bad guard", func(w *domain.Workflow) { w.Steps[1].When = "fetch.status ==" }},
		{"unknown step reference", func(w *domain.Workflow) { w.Steps[1].When = "fecth.status == 200" }},
		{"bad schedule", func(w *domain.Workflow) { w.Schedule = "every tuesday" }},
		{"negative interval", func(w *domain.Workflow) { w.Interval = -time.Second }},
		{"backoff factor", func(w *domain.Workflow) { w.Backoff = &domain.Backoff{Factor: 0.5} }},
		{"backoff jitter", func(w *domain.Workflow) { w.Backoff = &domain.Backoff{Factor: 2, Jitter: 2} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, exec := newTestExecutor(t, &fakeInvoker{}, getTool("fetch", "https://x"))
			wf := base()
			tt.mutate(&wf)
			_, err := NewRunner(wf, reg, exec, WithLogger(logger.Discard()))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}

	t.Run("valid", func(t *testing.T) {
		reg, exec := newTestExecutor(t, &fakeInvoker{}, getTool("fetch", "https://x"))
		r, err := NewRunner(base(), reg, exec, WithLogger(logger.Discard()))
		require.NoError(t, err)
		assert.Equal(t, "wf", r.Name())
	})
}

func TestNewRunnerFreezesRegistries(t *testing.T) {
	reg, exec := newTestExecutor(t, &fakeInvoker{}, getTool("fetch", "https://x"))
	_, err := NewRunner(domain.Workflow{
		DisplayName: "wf",
		Steps:       []domain.Step{{Name: "fetch", Tool: "fetch"}},
	}, reg, exec, WithLogger(logger.Discard()))
	require.NoError(t, err)

	err = reg.Register(getTool("late", "https://y"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	err = exec.Inlines().Register("late", func(context.Context, InlineInput) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRunPassUnguardedStepsAlwaysRun(t *testing.T) {
	inv := &fakeInvoker{respond: func(domain.Tool, domain.ToolRequest) *domain.ToolResponse {
		return &domain.ToolResponse{StatusCode: 503, Err: domain.NewSubSystemError("status", "x", domain.ErrToolFailure, "503")}
	}}
	reg, exec := newTestExecutor(t, inv, getTool("a", "https://a"), getTool("b", "https://b"))
	r, err := NewRunner(domain.Workflow{
		DisplayName: "wf",
		Steps:       []domain.Step{{Name: "a", Tool: "a"}, {Name: "b", Tool: "b"}},
	}, reg, exec, WithLogger(logger.Discard()))
	require.NoError(t, err)

	rec, err := r.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inv.callsTo("a"))
	assert.Equal(t, 1, inv.callsTo("b"), "runs even though the previous step failed")
	assert.Equal(t, 2, rec.Failed)
}

func TestGuardOverAbsentStepIsFalse(t *testing.T) {
	var later atomic.Int32
	var guarded atomic.Int32
	wf := domain.Workflow{
		DisplayName: "wf",
		Steps: []domain.Step{
			{Name: "first", Inline: "guarded", When: "later.response.ok == true"},
			{Name: "later", Inline: "later"},
		},
	}
	r := newInlineRunner(t, wf, map[string]InlineFunc{"guarded": counter(&guarded), "later": counter(&later)})

	for range 2 {
		rec, err := r.RunPass(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.StepStatusSkipped, rec.Steps[0].Status)
		assert.False(t, rec.Steps[0].Guard)
	}
	assert.Zero(t, guarded.Load(), "a later step's previous-pass result never leaks")
	assert.Equal(t, int32(2), later.Load())
}

func TestScenarioBTimeoutSkipsDependent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	httpCfg := config.Defaults().HTTP
	invoker := tool.NewHTTPInvoker(httpCfg, logger.Discard())
	reg := tool.NewRegistry(logger.Discard())
	slow := getTool("slow", srv.URL+"/slow")
	slow.Timeout = 50 * time.Millisecond
	require.NoError(t, reg.Register(slow))
	require.NoError(t, reg.Register(getTool("notify", srv.URL+"/notify")))
	exec := NewExecutor(reg, invoker, nil, logger.Discard())

	r, err := NewRunner(domain.Workflow{
		DisplayName: "scenario-b",
		Steps: []domain.Step{
			{Name: "check", Tool: "slow"},
			{Name: "notify", Tool: "notify", When: "check.body != null"},
			{Name: "after", Tool: "notify"},
		},
		RepeatStep: "check",
	}, reg, exec, WithLogger(logger.Discard()))
	require.NoError(t, err)

	rec, err := r.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Steps, 3)

	assert.Equal(t, domain.StepStatusFailed, rec.Steps[0].Status)
	assert.Equal(t, domain.CodeToolTimeout, rec.Steps[0].ErrorCode)
	assert.Equal(t, domain.StepStatusSkipped, rec.Steps[1].Status)
	assert.Equal(t, domain.StepStatusCompleted, rec.Steps[2].Status, "pass continues after the failure")

	v, err := resolveRef(t, r.LastContext(), "check.body")
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = resolveRef(t, r.LastContext(), "notify")
	require.NoError(t, err)
	assert.Nil(t, v, "skipped steps record null")
}

func TestScenarioCWaitThenFreshContext(t *testing.T) {
	var a, b, c atomic.Int32
	wf := inlineWorkflow("scenario-c", "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	wait := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	r := newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a), "b": counter(&b), "c": counter(&c)}, WithWait(wait))

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, waits)
	assert.Equal(t, int32(2), a.Load(), "cancelled during the second wait, before a third pass")
	assert.Equal(t, int32(2), c.Load())

	seen, err := resolveRef(t, r.LastContext(), "a.result.seen")
	require.NoError(t, err)
	assert.Equal(t, 0.0, seen, "every pass restarts at the repeat step with an empty context")
	seen, err = resolveRef(t, r.LastContext(), "c.result.seen")
	require.NoError(t, err)
	assert.Equal(t, 2.0, seen)
}

func TestRunStopsDuringRealWait(t *testing.T) {
	var a atomic.Int32
	wf := inlineWorkflow("sleepy", "a")
	r := newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop during the 30s wait")
	}
	assert.Equal(t, int32(1), a.Load())
}

func TestSetupPrefixRunsOnce(t *testing.T) {
	var auth, poll atomic.Int32
	wf := domain.Workflow{
		DisplayName: "with-setup",
		Steps: []domain.Step{
			{Name: "auth", Inline: "auth"},
			{Name: "poll", Inline: "poll", Arguments: map[string]string{"token": "{{auth.result.calls}}"}},
		},
		RepeatStep: "poll",
	}
	r := newInlineRunner(t, wf, map[string]InlineFunc{
		"auth": counter(&auth),
		"poll": func(ctx context.Context, in InlineInput) (any, error) {
			poll.Add(1)
			return map[string]any{"token": in.Args["token"], "seen": len(in.Context)}, nil
		},
	})

	for i := range 3 {
		rec, err := r.RunPass(context.Background())
		require.NoError(t, err)
		if i == 0 {
			require.Len(t, rec.Steps, 2)
		} else {
			require.Len(t, rec.Steps, 1)
			assert.Equal(t, "poll", rec.Steps[0].Step)
		}
		assert.Zero(t, rec.Failed)
	}
	assert.Equal(t, int32(1), auth.Load())
	assert.Equal(t, int32(3), poll.Load())

	token, err := resolveRef(t, r.LastContext(), "poll.result.token")
	require.NoError(t, err)
	assert.Equal(t, "1", token, "setup results seed every later pass")
}

func TestPassIdempotence(t *testing.T) {
	inv := &fakeInvoker{respond: func(domain.Tool, domain.ToolRequest) *domain.ToolResponse {
		return jsonResponse(http.StatusOK, `{"items":[{"ts":1},{"ts":3},{"ts":2}]}`)
	}}
	reg, exec := newTestExecutor(t, inv, getTool("fetch", "https://x"))
	require.NoError(t, exec.Inlines().Register("max_ts", func(_ context.Context, in InlineInput) (any, error) {
		items, err := in.Lookup("fetch.response.items")
		if err != nil {
			return nil, err
		}
		best := 0.0
		for _, it := range items.([]any) {
			best = max(best, it.(map[string]any)["ts"].(float64))
		}
		return map[string]any{"max": best}, nil
	}))
	wf := domain.Workflow{
		DisplayName: "idem",
		Steps: []domain.Step{
			{Name: "fetch", Tool: "fetch"},
			{Name: "pick", Inline: "max_ts", When: "fetch.ok"},
		},
	}
	r, err := NewRunner(wf, reg, exec, WithLogger(logger.Discard()))
	require.NoError(t, err)

	first, err := r.RunPass(context.Background())
	require.NoError(t, err)
	ctx1 := r.LastContext().Snapshot()
	second, err := r.RunPass(context.Background())
	require.NoError(t, err)

	strip := func(steps []domain.StepOutcome) []domain.StepOutcome {
		out := append([]domain.StepOutcome(nil), steps...)
		for i := range out {
			out[i].Duration = 0
		}
		return out
	}
	assert.Equal(t, strip(first.Steps), strip(second.Steps))
	assert.Equal(t, ctx1, r.LastContext().Snapshot())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(2), second.Pass)
}

func TestRunPassRecordsAndPublishes(t *testing.T) {
	inv := &fakeInvoker{respond: func(_ domain.Tool, req domain.ToolRequest) *domain.ToolResponse {
		if req.Tool == "broken" {
			return &domain.ToolResponse{StatusCode: 500, Err: domain.NewSubSystemError("status", "x", domain.ErrToolFailure, "500")}
		}
		return jsonResponse(http.StatusOK, `{}`)
	}}
	reg, exec := newTestExecutor(t, inv, getTool("ok", "https://ok"), getTool("broken", "https://broken"))
	store := &memoryStore{}
	bus := &recordingBus{}
	r, err := NewRunner(domain.Workflow{
		DisplayName: "observed",
		Steps: []domain.Step{
			{Name: "ok", Tool: "ok"},
			{Name: "never", Tool: "ok", When: "false"},
			{Name: "broken", Tool: "broken"},
		},
	}, reg, exec, WithLogger(logger.Discard()), WithStore(store), WithEventBus(bus))
	require.NoError(t, err)

	rec, err := r.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventPassStarted,
		domain.EventStepCompleted,
		domain.EventStepSkipped,
		domain.EventStepFailed,
		domain.EventPassCompleted,
	}, bus.types())

	saved, err := store.ListPasses(context.Background(), "observed", 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, rec.ID, saved[0].ID)
	assert.Equal(t, 1, saved[0].Failed)
	assert.Equal(t, 1, saved[0].Skipped)
	assert.Len(t, rec.ID, 26, "ULID")
	assert.Equal(t, domain.CodeToolHTTPStatus, saved[0].Steps[2].ErrorCode)
}

func TestRunPassHonoursCancellation(t *testing.T) {
	var a, b atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	wf := inlineWorkflow("cancel", "a", "b")
	r := newInlineRunner(t, wf, map[string]InlineFunc{
		"a": func(c context.Context, in InlineInput) (any, error) {
			cancel()
			return counter(&a)(c, in)
		},
		"b": counter(&b),
	})

	rec, err := r.RunPass(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rec.Steps, 1, "cancellation is observed between steps")
	assert.Zero(t, b.Load())

	_, err = r.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), a.Load())
}

func TestParametersPrecedence(t *testing.T) {
	wf := inlineWorkflow("params", "a")
	wf.Parameters = map[string]string{"REGION": "us", "PROJECT": "default"}
	var a atomic.Int32
	r := newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a)},
		WithParameters(map[string]string{"PROJECT": "prod"}))

	assert.Equal(t, map[string]string{"REGION": "us", "PROJECT": "prod"}, r.Parameters())
}

func TestNextWaitBackoff(t *testing.T) {
	var failing atomic.Bool
	wf := inlineWorkflow("backoff", "a")
	wf.Interval = 10 * time.Second
	wf.Backoff = &domain.Backoff{Factor: 2, Max: 100 * time.Second}
	r := newInlineRunner(t, wf, map[string]InlineFunc{
		"a": func(context.Context, InlineInput) (any, error) {
			if failing.Load() {
				return nil, errors.New("upstream down")
			}
			return map[string]any{}, nil
		},
	})

	pass := func() {
		_, err := r.RunPass(context.Background())
		require.NoError(t, err)
	}

	pass()
	assert.Equal(t, 10*time.Second, r.NextWait())

	failing.Store(true)
	want := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second, 100 * time.Second, 100 * time.Second}
	for _, w := range want {
		pass()
		assert.Equal(t, w, r.NextWait())
	}

	failing.Store(false)
	pass()
	assert.Equal(t, 10*time.Second, r.NextWait(), "a clean pass resets the back-off")
}

func TestNextWaitJitter(t *testing.T) {
	wf := inlineWorkflow("jitter", "a")
	wf.Interval = 10 * time.Second
	wf.Backoff = &domain.Backoff{Factor: 1, Jitter: 0.2}
	var a atomic.Int32
	r := newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a)},
		WithJitter(func() float64 { return 0.5 }))

	assert.Equal(t, 11*time.Second, r.NextWait())
}

func TestNextWaitSchedule(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 2, 30, 0, time.UTC)
	wf := inlineWorkflow("cron", "a")
	wf.Schedule = "*/5 * * * *"
	var a atomic.Int32
	r := newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a)},
		WithClock(func() time.Time { return now }))

	assert.Equal(t, 2*time.Minute+30*time.Second, r.NextWait())
}

func TestDefaultInterval(t *testing.T) {
	wf := inlineWorkflow("defaults", "a")
	wf.Interval = 0
	var a atomic.Int32

	r := newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a)})
	assert.Equal(t, DefaultInterval, r.NextWait())

	r = newInlineRunner(t, wf, map[string]InlineFunc{"a": counter(&a)}, WithDefaultInterval(time.Minute))
	assert.Equal(t, time.Minute, r.NextWait())
}
