package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"agentflow/internal/domain"
	"agentflow/internal/infra/tracer"
)

// DefaultInterval is the inter-pass wait when neither the workflow nor the
// runner options set one.
const DefaultInterval = 30 * time.Second

// maxBackoffCeiling bounds the back-off when neither the workflow nor the
// runner sets a maximum.
const maxBackoffCeiling = 24 * time.Hour

// WaitFunc suspends until d has elapsed or ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default WaitFunc: a timer that observes cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runner executes one workflow as an indefinite polling loop. Steps run
// strictly in order; each pass starts from a fresh context seeded only with
// the results of the setup prefix (the steps before the repeat step), which
// runs once in the first pass.
type Runner struct {
	wf     domain.Workflow
	steps  []*CompiledStep
	repeat int
	exec   *Executor
	params map[string]string

	store  domain.PassStore
	bus    domain.EventBus
	logger *slog.Logger

	now        func() time.Time
	wait       WaitFunc
	jitter     func() float64
	schedule   cron.Schedule
	interval   time.Duration
	maxBackoff time.Duration

	globalParams map[string]string

	mu        sync.Mutex
	pass      uint64
	seq       uint64
	seed      ExecutionContext
	setupDone bool
	failures  int
	last      ExecutionContext
	entropy   *ulid.MonotonicEntropy
}

// Option configures a Runner.
type Option func(*Runner)

// WithParameters sets process-wide parameters. They override the workflow's
// own parameter defaults.
func WithParameters(params map[string]string) Option {
	return func(r *Runner) { r.globalParams = params }
}

// WithStore records every pass in store.
func WithStore(store domain.PassStore) Option {
	return func(r *Runner) { r.store = store }
}

// WithEventBus publishes pass and step events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithLogger sets the logger. The workflow name is added to every record.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithWait replaces the inter-pass wait.
func WithWait(wait WaitFunc) Option {
	return func(r *Runner) { r.wait = wait }
}

// WithJitter replaces the jitter source. fn returns values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(r *Runner) { r.jitter = fn }
}

// WithDefaultInterval sets the wait used when the workflow has none.
func WithDefaultInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

// WithMaxBackoff caps the failure back-off when the workflow sets no max.
func WithMaxBackoff(d time.Duration) Option {
	return func(r *Runner) { r.maxBackoff = d }
}

// NewRunner validates wf against the registries and compiles its steps.
// Every problem is reported as domain.ErrConfiguration; a runner is only
// returned for a workflow that can start. The tool and inline registries are
// frozen on success.
func NewRunner(wf domain.Workflow, registry domain.ToolRegistry, exec *Executor, opts ...Option) (*Runner, error) {
	r := &Runner{
		wf:       wf,
		exec:     exec,
		logger:   slog.Default(),
		now:      time.Now,
		wait:     Sleep,
		jitter:   rand.Float64,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("workflow", wf.DisplayName)

	if err := r.compile(registry); err != nil {
		return nil, err
	}

	if f, ok := registry.(interface{ Freeze() }); ok {
		f.Freeze()
	}
	exec.Inlines().Freeze()

	r.params = make(map[string]string, len(wf.Parameters)+len(r.globalParams))
	for k, v := range wf.Parameters {
		r.params[k] = v
	}
	for k, v := range r.globalParams {
		r.params[k] = v
	}
	if wf.Interval > 0 {
		r.interval = wf.Interval
	}
	r.setupDone = r.repeat == 0
	r.entropy = ulid.Monotonic(rand.New(rand.NewSource(r.now().UnixNano())), 0)
	return r, nil
}

func (r *Runner) compile(registry domain.ToolRegistry) error {
	const op = "NewRunner"
	wf := r.wf
	invalid := func(format string, args ...any) error {
		return domain.NewSubSystemError("workflow", op, domain.ErrConfiguration,
			fmt.Sprintf("workflow %q: ", wf.DisplayName)+fmt.Sprintf(format, args...))
	}

	if wf.DisplayName == "" {
		return invalid("name is required")
	}
	if len(wf.Steps) == 0 {
		return invalid("at least one step is required")
	}

	names := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if !isIdent(s.Name) {
			return invalid("invalid step name %q", s.Name)
		}
		if names[s.Name] {
			return invalid("duplicate step name %q", s.Name)
		}
		names[s.Name] = true
	}

	r.repeat = 0
	if wf.RepeatStep != "" {
		r.repeat = wf.StepIndex(wf.RepeatStep)
		if r.repeat < 0 {
			return invalid("repeat_step %q does not name a step", wf.RepeatStep)
		}
	}

	for i, s := range wf.Steps {
		if s.Tool != "" {
			if _, err := registry.Get(s.Tool); err != nil {
				return fmt.Errorf("%w: workflow %q step %q: %w", domain.ErrConfiguration, wf.DisplayName, s.Name, err)
			}
		}
		cs, err := r.exec.Compile(s)
		if err != nil {
			return fmt.Errorf("workflow %q: %w", wf.DisplayName, err)
		}
		for _, ref := range cs.References() {
			if !names[ref.Step] {
				return invalid("step %q references unknown step %q", s.Name, ref.Step)
			}
			if j := wf.StepIndex(ref.Step); j >= i {
				r.logger.Warn("step references a step that has not run yet in the pass",
					"step", s.Name, "reference", ref.String())
			}
		}
		r.steps = append(r.steps, cs)
	}

	if wf.Schedule != "" {
		sched, err := cron.ParseStandard(wf.Schedule)
		if err != nil {
			return invalid("schedule %q: %v", wf.Schedule, err)
		}
		r.schedule = sched
	}
	if wf.Interval < 0 {
		return invalid("interval must not be negative")
	}
	if b := wf.Backoff; b != nil {
		if b.Factor < 1 {
			return invalid("backoff factor must be at least 1")
		}
		if b.Jitter < 0 || b.Jitter > 1 {
			return invalid("backoff jitter must be within [0, 1]")
		}
		if b.Max < 0 {
			return invalid("backoff max must not be negative")
		}
	}
	return nil
}

// Name returns the workflow display name.
func (r *Runner) Name() string { return r.wf.DisplayName }

// Workflow returns the workflow definition.
func (r *Runner) Workflow() domain.Workflow { return r.wf }

// Parameters returns a copy of the effective parameters.
func (r *Runner) Parameters() map[string]string { return cloneParams(r.params) }

// LastContext returns the context of the most recent pass.
func (r *Runner) LastContext() ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run executes passes until ctx is cancelled and then returns ctx.Err().
// Cancellation is observed between steps and during the inter-pass wait; a
// tool call in flight completes first.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("workflow runner started",
		"steps", len(r.steps),
		"repeat_step", r.wf.Steps[r.repeat].Name,
		"interval", r.interval,
		"schedule", r.wf.Schedule,
	)
	defer func() {
		r.publish(context.WithoutCancel(ctx), domain.EventRunnerStopped, "", nil)
		r.logger.Info("workflow runner stopped", "passes", r.passCount())
	}()

	for {
		if _, err := r.RunPass(ctx); err != nil {
			return err
		}
		d := r.NextWait()
		r.logger.Debug("waiting for next pass", "wait", d)
		if err := r.wait(ctx, d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (r *Runner) passCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass
}

// RunPass executes one pass. The first call runs the whole sequence; later
// calls resume at the repeat step. The only error is ctx.Err() when the
// pass was interrupted; the partial pass is still recorded.
func (r *Runner) RunPass(ctx context.Context) (domain.PassRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.PassRecord{}, err
	}

	r.pass++
	start := r.now()
	rec := domain.PassRecord{
		ID:        ulid.MustNew(ulid.Timestamp(start), r.entropy).String(),
		Workflow:  r.wf.DisplayName,
		Pass:      r.pass,
		StartedAt: start,
	}

	ctx, span := tracer.StartSpan(ctx, "workflow.pass", trace.WithAttributes(
		tracer.StringAttr("workflow", r.wf.DisplayName),
		tracer.StringAttr("pass.id", rec.ID),
		tracer.Int64Attr("pass.number", int64(rec.Pass)),
	))
	logger := r.logger.With("pass_id", rec.ID, "pass", rec.Pass)
	r.publish(ctx, domain.EventPassStarted, rec.ID, domain.PassEventPayload{Pass: rec.Pass, Steps: len(r.steps)})

	first := r.repeat
	if !r.setupDone {
		first = 0
	}
	ectx := r.seed

	var interrupted error
	for i := first; i < len(r.steps); i++ {
		if err := ctx.Err(); err != nil {
			interrupted = err
			break
		}
		cs := r.steps[i]
		res := r.runStep(ctx, logger, rec.ID, cs, ectx)
		ectx = ectx.With(cs.Step.Name, res.View())

		rec.Steps = append(rec.Steps, domain.StepOutcome{
			Step:       res.Step,
			Guard:      res.Kind != domain.StepKindSkipped,
			Status:     res.Status,
			StatusCode: res.StatusCode,
			Error:      res.Error,
			ErrorCode:  res.ErrorCode,
			Duration:   res.Duration,
		})
		switch res.Status {
		case domain.StepStatusFailed:
			rec.Failed++
		case domain.StepStatusSkipped:
			rec.Skipped++
		}

		if !r.setupDone && i+1 == r.repeat {
			r.seed = ectx
			r.setupDone = true
		}
	}

	rec.Duration = r.now().Sub(start)
	r.last = ectx
	if rec.Failed > 0 {
		r.failures++
	} else if interrupted == nil {
		r.failures = 0
	}

	span.SetAttributes(
		tracer.IntAttr("pass.failed", rec.Failed),
		tracer.IntAttr("pass.skipped", rec.Skipped),
	)
	tracer.Finish(span, interrupted)

	logger.Info("pass completed",
		"steps", len(rec.Steps),
		"failed", rec.Failed,
		"skipped", rec.Skipped,
		"duration", rec.Duration,
		"interrupted", interrupted != nil,
	)

	detached := context.WithoutCancel(ctx)
	if r.store != nil {
		if err := r.store.SavePass(detached, rec); err != nil {
			logger.Warn("failed to record pass", "error", err)
		}
	}
	r.publish(detached, domain.EventPassCompleted, rec.ID, domain.PassEventPayload{
		Pass:     rec.Pass,
		Steps:    len(rec.Steps),
		Failed:   rec.Failed,
		Skipped:  rec.Skipped,
		Duration: rec.Duration,
	})
	return rec, interrupted
}

func (r *Runner) runStep(ctx context.Context, logger *slog.Logger, passID string, cs *CompiledStep, ectx ExecutionContext) domain.StepResult {
	ctx, span := tracer.StartSpan(ctx, "workflow.step", trace.WithAttributes(
		tracer.StringAttr("workflow", r.wf.DisplayName),
		tracer.StringAttr("step", cs.Step.Name),
	))

	ok, why := cs.Guard.Check(Scope{Context: ectx, Params: r.params})
	var res domain.StepResult
	if ok {
		res = r.exec.Execute(ctx, cs, ectx, r.params)
	} else {
		res = Skipped(cs.Step.Name, r.now())
		if why != nil {
			logger.Debug("guard did not resolve", "step", cs.Step.Name, "guard", cs.Guard.String(), "reason", why)
		}
	}
	r.seq++
	res.Seq = r.seq
	res.Pass = r.pass

	span.SetAttributes(
		tracer.BoolAttr("step.guard", ok),
		tracer.StringAttr("step.status", res.Status),
		tracer.IntAttr("http.status_code", res.StatusCode),
		tracer.DurationAttr("step.duration_ms", res.Duration),
	)
	var spanErr error
	if res.Failed() {
		spanErr = errors.New(res.Error)
	}
	tracer.Finish(span, spanErr)

	attrs := []any{
		"step", res.Step,
		"guard", ok,
		"status", res.Status,
		"duration", res.Duration,
	}
	if res.StatusCode != 0 {
		attrs = append(attrs, "status_code", res.StatusCode)
	}
	if res.Failed() {
		attrs = append(attrs, "error", res.Error, "error_code", res.ErrorCode, "retryable", res.Retryable)
		logger.Warn("step failed", attrs...)
	} else {
		logger.Info("step finished", attrs...)
	}

	eventType := domain.EventStepCompleted
	switch res.Status {
	case domain.StepStatusFailed:
		eventType = domain.EventStepFailed
	case domain.StepStatusSkipped:
		eventType = domain.EventStepSkipped
	}
	r.publish(ctx, eventType, passID, domain.StepEventPayload{
		Step:       res.Step,
		Status:     res.Status,
		StatusCode: res.StatusCode,
		Error:      res.Error,
		ErrorCode:  res.ErrorCode,
		Duration:   res.Duration,
	})
	return res
}

// NextWait computes the wait before the next pass: the time to the next cron
// tick when a schedule is set, otherwise the interval stretched by the
// failure back-off and jitter.
func (r *Runner) NextWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule != nil {
		now := r.now()
		return max(r.schedule.Next(now).Sub(now), 0)
	}

	d := r.interval
	b := r.wf.Backoff
	if b == nil {
		return d
	}
	if r.failures > 0 && b.Factor > 1 {
		limit := b.Max
		if limit <= 0 {
			limit = r.maxBackoff
		}
		if limit <= 0 {
			limit = maxBackoffCeiling
		}
		stretched := float64(d) * math.Pow(b.Factor, float64(r.failures))
		if stretched >= float64(limit) {
			d = limit
		} else {
			d = time.Duration(stretched)
		}
	}
	if b.Jitter > 0 {
		d += time.Duration(float64(d) * b.Jitter * r.jitter())
	}
	return d
}

func (r *Runner) publish(ctx context.Context, eventType domain.EventType, passID string, payload any) {
	if r.bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: r.now(),
		Workflow:  r.wf.DisplayName,
		PassID:    passID,
		Payload:   data,
	})
}
