package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"agentflow/internal/domain"
)

// ToolCatalog is the registry view the executor needs: lookup plus the
// per-tool schema checks.
type ToolCatalog interface {
	domain.ToolRegistry
	ValidateArguments(name string, args map[string]string) error
	ValidateResponse(name string, body any) error
	HasResponseSchema(name string) bool
}

// Executor runs single steps. It never returns an error: every failure is
// captured in the StepResult so the pass can continue.
type Executor struct {
	tools   ToolCatalog
	invoker domain.ToolInvoker
	inlines *InlineRegistry
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor wires an executor. inlines may be nil when no workflow uses
// inline steps.
func NewExecutor(tools ToolCatalog, invoker domain.ToolInvoker, inlines *InlineRegistry, logger *slog.Logger) *Executor {
	if inlines == nil {
		inlines = NewInlineRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools:   tools,
		invoker: invoker,
		inlines: inlines,
		logger:  logger,
		now:     time.Now,
	}
}

// Tools returns the catalog the executor resolves tool steps against.
func (e *Executor) Tools() ToolCatalog { return e.tools }

// Inlines returns the inline function registry.
func (e *Executor) Inlines() *InlineRegistry { return e.inlines }

// CompiledStep is a step whose guard and templates have been parsed and
// whose tool or inline function has been looked up.
type CompiledStep struct {
	Step  domain.Step
	Guard *Condition

	argNames []string
	args     map[string]*Template
	tool     *compiledTool
	inline   InlineFunc
}

type compiledTool struct {
	def     domain.Tool
	url     *Template
	headers map[string]*Template
	body    bodyTemplate
	json    bool
}

// References lists every step reference used by the step's guard, arguments
// and tool templates.
func (cs *CompiledStep) References() []Reference {
	refs := cs.Guard.References()
	for _, name := range cs.argNames {
		refs = append(refs, cs.args[name].References()...)
	}
	if cs.tool != nil {
		refs = append(refs, cs.tool.url.References()...)
		for _, h := range cs.tool.headers {
			refs = append(refs, h.References()...)
		}
		if cs.tool.body != nil {
			refs = append(refs, cs.tool.body.references()...)
		}
	}
	return refs
}

// Compile validates step against the registries and parses its templates.
// Errors match domain.ErrConfiguration.
func (e *Executor) Compile(step domain.Step) (*CompiledStep, error) {
	const op = "Executor.Compile"
	fail := func(err error) (*CompiledStep, error) {
		return nil, fmt.Errorf("%w: step %q: %w", domain.ErrConfiguration, step.Name, err)
	}

	if (step.Tool == "") == (step.Inline == "") {
		return fail(domain.NewSubSystemError("workflow", op, domain.ErrInvalidInput, "exactly one of tool or inline must be set"))
	}

	guard, err := CompileCondition(step.When)
	if err != nil {
		return fail(err)
	}
	cs := &CompiledStep{Step: step, Guard: guard, args: make(map[string]*Template, len(step.Arguments))}

	for name, text := range step.Arguments {
		t, err := CompileTemplate(text)
		if err != nil {
			return fail(fmt.Errorf("argument %q: %w", name, err))
		}
		cs.argNames = append(cs.argNames, name)
		cs.args[name] = t
	}
	sort.Strings(cs.argNames)

	if step.Inline != "" {
		fn, err := e.inlines.Get(step.Inline)
		if err != nil {
			return fail(err)
		}
		cs.inline = fn
		return cs, nil
	}

	def, err := e.tools.Get(step.Tool)
	if err != nil {
		return fail(err)
	}
	ct, err := compileTool(def)
	if err != nil {
		return fail(err)
	}
	cs.tool = ct
	return cs, nil
}

func compileTool(def domain.Tool) (*compiledTool, error) {
	if def.HTTP == nil {
		return nil, domain.NewSubSystemError("tool", "Executor.Compile", domain.ErrInvalidInput,
			fmt.Sprintf("tool %q has no http template", def.Name))
	}
	ct := &compiledTool{def: def, headers: make(map[string]*Template, len(def.HTTP.Headers))}

	var err error
	if ct.url, err = compileToolTemplate(def.HTTP.URL); err != nil {
		return nil, fmt.Errorf("tool %q url: %w", def.Name, err)
	}
	for k, v := range def.HTTP.Headers {
		t, err := compileToolTemplate(v)
		if err != nil {
			return nil, fmt.Errorf("tool %q header %q: %w", def.Name, k, err)
		}
		ct.headers[k] = t
	}
	if ct.body, err = compileBody(def.HTTP.Body, def.HTTP.BodyFormat); err != nil {
		return nil, fmt.Errorf("tool %q body: %w", def.Name, err)
	}
	_, isText := def.HTTP.Body.(string)
	ct.json = ct.body != nil && (!isText || def.HTTP.BodyFormat == domain.BodyFormatJSON)
	return ct, nil
}

// request renders the tool's HTTP template for one invocation.
func (ct *compiledTool) request(scope Scope) (domain.ToolRequest, error) {
	url, err := ct.url.Render(scope)
	if err != nil {
		return domain.ToolRequest{}, err
	}

	headers := make(map[string]string, len(ct.headers)+1)
	for k, t := range ct.headers {
		v, err := t.Render(scope)
		if err != nil {
			return domain.ToolRequest{}, err
		}
		headers[k] = v
	}

	var body string
	if ct.body != nil {
		if body, err = ct.body.render(scope); err != nil {
			return domain.ToolRequest{}, err
		}
		if ct.json && !hasHeader(headers, "Content-Type") {
			headers["Content-Type"] = "application/json"
		}
	}

	return domain.ToolRequest{
		Tool:    ct.def.Name,
		Method:  ct.def.HTTP.Method,
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: ct.def.Timeout,
	}, nil
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// resolveArgs renders every argument template in name order. The first
// unresolved reference aborts resolution.
func (cs *CompiledStep) resolveArgs(scope Scope) (map[string]string, error) {
	out := make(map[string]string, len(cs.argNames))
	for _, name := range cs.argNames {
		v, err := cs.args[name].Render(scope)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// Execute runs a compiled step against the pass context. Guards are the
// caller's concern; Execute always runs the step.
func (e *Executor) Execute(ctx context.Context, cs *CompiledStep, ectx ExecutionContext, params map[string]string) domain.StepResult {
	start := e.now()
	res := domain.StepResult{Step: cs.Step.Name, StartedAt: start}

	if cs.tool != nil {
		res.Kind = domain.StepKindTool
		e.executeTool(ctx, cs, ectx, params, &res)
	} else {
		res.Kind = domain.StepKindInline
		e.executeInline(ctx, cs, ectx, params, &res)
	}

	res.Duration = e.now().Sub(start)
	return res
}

// ExecuteStep compiles and runs step in one go. Compilation errors are
// captured in the result like any other failure.
func (e *Executor) ExecuteStep(ctx context.Context, step domain.Step, ectx ExecutionContext, params map[string]string) domain.StepResult {
	cs, err := e.Compile(step)
	if err != nil {
		res := domain.StepResult{Step: step.Name, StartedAt: e.now(), Kind: domain.StepKindTool}
		if step.Inline != "" {
			res.Kind = domain.StepKindInline
		}
		fail(&res, err)
		return res
	}
	return e.Execute(ctx, cs, ectx, params)
}

// Skipped builds the result of a step whose guard did not hold.
func Skipped(step string, at time.Time) domain.StepResult {
	return domain.StepResult{
		Step:      step,
		Kind:      domain.StepKindSkipped,
		Status:    domain.StepStatusSkipped,
		StartedAt: at,
	}
}

func (e *Executor) executeTool(ctx context.Context, cs *CompiledStep, ectx ExecutionContext, params map[string]string, res *domain.StepResult) {
	const op = "Executor.Execute"
	name := cs.tool.def.Name

	args, err := cs.resolveArgs(Scope{Context: ectx, Params: params})
	if err != nil {
		fail(res, err)
		return
	}
	if err := e.tools.ValidateArguments(name, args); err != nil {
		fail(res, err)
		return
	}

	req, err := cs.tool.request(Scope{Context: ectx, Params: params, Args: args})
	if err != nil {
		fail(res, err)
		return
	}

	resp := e.invoker.Invoke(ctx, cs.tool.def, req)
	res.StatusCode = resp.StatusCode
	res.Headers = flattenHeaders(resp.Headers)
	res.Body = string(resp.Body)
	if resp.Err != nil {
		fail(res, resp.Err)
		res.Retryable = resp.Retryable
		return
	}

	if e.tools.HasResponseSchema(name) {
		var decoded any
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			fail(res, domain.NewSubSystemError("response", op, domain.ErrToolFailure,
				fmt.Sprintf("tool %q: response is not JSON: %v", name, err)))
			return
		}
		if err := e.tools.ValidateResponse(name, decoded); err != nil {
			fail(res, err)
			return
		}
	}
	res.Status = domain.StepStatusCompleted
}

func (e *Executor) executeInline(ctx context.Context, cs *CompiledStep, ectx ExecutionContext, params map[string]string, res *domain.StepResult) {
	const op = "Executor.Execute"

	args, err := cs.resolveArgs(Scope{Context: ectx, Params: params})
	if err != nil {
		fail(res, err)
		return
	}

	in := InlineInput{
		Step:    cs.Step.Name,
		Context: ectx.Snapshot(),
		Params:  cloneParams(params),
		Args:    args,
	}
	value, err := e.callInline(ctx, cs, in)
	if err == nil {
		value, err = normalize(value)
	}
	if err != nil {
		e.logger.Warn("inline step failed", "step", cs.Step.Name, "inline", cs.Step.Inline, "error", err)
		fail(res, domain.NewDomainError(op, domain.ErrInlineFailure, fmt.Sprintf("%s: %v", cs.Step.Inline, err)))
		return
	}
	res.Value = value
	res.Status = domain.StepStatusCompleted
}

func (e *Executor) callInline(ctx context.Context, cs *CompiledStep, in InlineInput) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("inline step panicked",
				"step", cs.Step.Name,
				"inline", cs.Step.Inline,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			value, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return cs.inline(ctx, in)
}

func fail(res *domain.StepResult, err error) {
	res.Status = domain.StepStatusFailed
	res.Error = err.Error()
	res.ErrorCode = domain.ErrorCodeOf(err)
	res.Retryable = domain.IsRetryableError(err)
}

// normalize round-trips an inline result through JSON so references see the
// same shapes as decoded response bodies.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON-encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func cloneParams(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
