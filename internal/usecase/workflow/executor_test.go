package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
)

func TestExecuteToolStep(t *testing.T) {
	inv := &fakeInvoker{respond: func(_ domain.Tool, req domain.ToolRequest) *domain.ToolResponse {
		return jsonResponse(http.StatusOK, `{"name":"operations/9"}`)
	}}
	trigger := postTool("trigger_build", "${CI}/projects/${PROJECT}/builds", map[string]any{
		"branch": "{branch}",
		"commit": "{{fetch.response.sha}}",
	})
	trigger.HTTP.Headers = map[string]string{"Authorization": "Bearer ${TOKEN}"}
	_, exec := newTestExecutor(t, inv, trigger)

	cs, err := exec.Compile(domain.Step{
		Name:      "trigger",
		Tool:      "trigger_build",
		Arguments: map[string]string{"branch": "{{fetch.response.branch}}"},
	})
	require.NoError(t, err)

	ectx := NewExecutionContext().With("fetch", map[string]any{
		"response": map[string]any{"branch": "main", "sha": "abc123"},
	})
	params := map[string]string{"CI": "https://ci.example", "PROJECT": "p1", "TOKEN": "t0k"}

	res := exec.Execute(context.Background(), cs, ectx, params)

	require.Equal(t, domain.StepStatusCompleted, res.Status, res.Error)
	assert.Equal(t, domain.StepKindTool, res.Kind)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Headers["Content-Type"])
	assert.Equal(t, `{"name":"operations/9"}`, res.Body)

	calls := inv.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "https://ci.example/projects/p1/builds", req.URL)
	assert.Equal(t, "Bearer t0k", req.Headers["Authorization"])
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.JSONEq(t, `{"branch":"main","commit":"abc123"}`, req.Body)

	view := res.View().(map[string]any)
	assert.Equal(t, map[string]any{"name": "operations/9"}, view["response"])
}

func TestExecuteUnresolvedArgumentMakesNoCall(t *testing.T) {
	inv := &fakeInvoker{}
	_, exec := newTestExecutor(t, inv, getTool("fetch", "https://x/{id}"))

	res := exec.ExecuteStep(context.Background(), domain.Step{
		Name:      "fetch_one",
		Tool:      "fetch",
		Arguments: map[string]string{"id": "{{lookup.response.id}}"},
	}, NewExecutionContext(), nil)

	assert.Equal(t, domain.StepStatusFailed, res.Status)
	assert.Equal(t, domain.CodeUnresolvedReference, res.ErrorCode)
	assert.Contains(t, res.Error, "lookup.response.id")
	assert.Empty(t, inv.Calls())
}

func TestExecuteUnresolvedTemplateParameter(t *testing.T) {
	inv := &fakeInvoker{}
	_, exec := newTestExecutor(t, inv, getTool("fetch", "${FIREBASE_DB_URL}/builds.json"))

	res := exec.ExecuteStep(context.Background(), domain.Step{Name: "fetch", Tool: "fetch"}, NewExecutionContext(), nil)

	assert.True(t, res.Failed())
	assert.Equal(t, domain.CodeUnresolvedReference, res.ErrorCode)
	assert.Empty(t, inv.Calls())
}

func TestExecuteCapturesToolFailure(t *testing.T) {
	timeout := domain.NewSubSystemError("tool", "HTTPInvoker.Invoke", domain.ErrTimeout, "no response")
	inv := &fakeInvoker{respond: func(domain.Tool, domain.ToolRequest) *domain.ToolResponse {
		return &domain.ToolResponse{Err: timeout, Retryable: true}
	}}
	_, exec := newTestExecutor(t, inv, getTool("slow", "https://slow"))

	res := exec.ExecuteStep(context.Background(), domain.Step{Name: "slow", Tool: "slow"}, NewExecutionContext(), nil)

	assert.True(t, res.Failed())
	assert.Equal(t, domain.CodeToolTimeout, res.ErrorCode)
	assert.True(t, res.Retryable)
	assert.Empty(t, res.Body)

	view := res.View().(map[string]any)
	assert.Nil(t, view["body"])
	assert.Equal(t, true, view["failed"])
	assert.Equal(t, false, view["ok"])
}

func TestExecuteCapturesHTTPStatus(t *testing.T) {
	inv := &fakeInvoker{respond: func(domain.Tool, domain.ToolRequest) *domain.ToolResponse {
		resp := jsonResponse(http.StatusNotFound, `{"error":"no build"}`)
		resp.Err = domain.NewSubSystemError("status", "HTTPInvoker.Invoke", domain.ErrToolFailure, "404")
		return resp
	}}
	_, exec := newTestExecutor(t, inv, getTool("lookup", "https://x"))

	res := exec.ExecuteStep(context.Background(), domain.Step{Name: "lookup", Tool: "lookup"}, NewExecutionContext(), nil)

	assert.True(t, res.Failed())
	assert.Equal(t, domain.CodeToolHTTPStatus, res.ErrorCode)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, `{"error":"no build"}`, res.Body, "error bodies are kept for later steps")
}

func TestExecuteArgumentSchema(t *testing.T) {
	inv := &fakeInvoker{}
	tl := getTool("fetch", "https://x/{id}")
	tl.ArgumentSchema = json.RawMessage(`{"type":"object","required":["id"],"properties":{"id":{"type":"string","pattern":"^[0-9]+$"}}}`)
	_, exec := newTestExecutor(t, inv, tl)

	step := domain.Step{Name: "fetch", Tool: "fetch", Arguments: map[string]string{"id": "{{src.id}}"}}

	bad := exec.ExecuteStep(context.Background(), step, NewExecutionContext().With("src", map[string]any{"id": "abc"}), nil)
	assert.True(t, bad.Failed())
	assert.Equal(t, domain.CodeToolInvalidArgs, bad.ErrorCode)
	assert.Empty(t, inv.Calls())

	good := exec.ExecuteStep(context.Background(), step, NewExecutionContext().With("src", map[string]any{"id": "12"}), nil)
	assert.Equal(t, domain.StepStatusCompleted, good.Status, good.Error)
	require.Len(t, inv.Calls(), 1)
	assert.Equal(t, "https://x/12", inv.Calls()[0].URL)
}

func TestExecuteResponseSchema(t *testing.T) {
	body := `{"status":"SUCCESS"}`
	inv := &fakeInvoker{respond: func(domain.Tool, domain.ToolRequest) *domain.ToolResponse {
		return jsonResponse(http.StatusOK, body)
	}}
	tl := getTool("status", "https://x")
	tl.ResponseSchema = json.RawMessage(`{"type":"object","required":["status"],"properties":{"status":{"enum":["SUCCESS","FAILURE"]}}}`)
	_, exec := newTestExecutor(t, inv, tl)
	step := domain.Step{Name: "status", Tool: "status"}

	res := exec.ExecuteStep(context.Background(), step, NewExecutionContext(), nil)
	assert.Equal(t, domain.StepStatusCompleted, res.Status, res.Error)

	body = `{"status":"WEIRD"}`
	res = exec.ExecuteStep(context.Background(), step, NewExecutionContext(), nil)
	assert.True(t, res.Failed())
	assert.Equal(t, domain.CodeToolInvalidResponse, res.ErrorCode)

	body = `not json`
	res = exec.ExecuteStep(context.Background(), step, NewExecutionContext(), nil)
	assert.True(t, res.Failed())
	assert.Equal(t, domain.CodeToolInvalidResponse, res.ErrorCode)
}

func TestExecuteInlineStep(t *testing.T) {
	_, exec := newTestExecutor(t, &fakeInvoker{})
	require.NoError(t, exec.Inlines().Register("summarise", func(_ context.Context, in InlineInput) (any, error) {
		status, err := in.Lookup("fetch.body.status")
		if err != nil {
			return nil, err
		}
		// Mutating the copy must not leak into the runner's context.
		in.Context["fetch"] = "clobbered"
		return map[string]any{
			"status":  status,
			"project": in.Params["PROJECT"],
			"label":   in.Arg("label", "default"),
			"count":   2,
		}, nil
	}))

	ectx := NewExecutionContext().With("fetch", map[string]any{"body": `{"status":"FAILURE"}`})
	res := exec.ExecuteStep(context.Background(), domain.Step{
		Name:      "summary",
		Inline:    "summarise",
		Arguments: map[string]string{"label": "${ENV}-run"},
	}, ectx, map[string]string{"PROJECT": "p1", "ENV": "dev"})

	require.Equal(t, domain.StepStatusCompleted, res.Status, res.Error)
	assert.Equal(t, domain.StepKindInline, res.Kind)
	assert.Equal(t, map[string]any{
		"status":  "FAILURE",
		"project": "p1",
		"label":   "dev-run",
		"count":   2.0,
	}, res.Value)

	v, _ := ectx.Lookup("fetch")
	assert.IsType(t, map[string]any{}, v)
}

func TestExecuteInlineFailures(t *testing.T) {
	_, exec := newTestExecutor(t, &fakeInvoker{})
	require.NoError(t, exec.Inlines().Register("boom", func(context.Context, InlineInput) (any, error) {
		return nil, errors.New("division by zero")
	}))
	require.NoError(t, exec.Inlines().Register("panics", func(context.Context, InlineInput) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	}))
	require.NoError(t, exec.Inlines().Register("unencodable", func(context.Context, InlineInput) (any, error) {
		return map[string]any{"ch": make(chan int)}, nil
	}))
	require.NoError(t, exec.Inlines().Register("nothing", func(context.Context, InlineInput) (any, error) {
		return nil, nil
	}))

	for _, name := range []string{"boom", "panics", "unencodable"} {
		t.Run(name, func(t *testing.T) {
			res := exec.ExecuteStep(context.Background(), domain.Step{Name: "s", Inline: name}, NewExecutionContext(), nil)
			assert.True(t, res.Failed())
			assert.Equal(t, domain.CodeInlineFailure, res.ErrorCode)
			view := res.View().(map[string]any)
			assert.Nil(t, view["result"])
			assert.NotNil(t, view["error"])
		})
	}

	res := exec.ExecuteStep(context.Background(), domain.Step{Name: "s", Inline: "nothing"}, NewExecutionContext(), nil)
	assert.Equal(t, domain.StepStatusCompleted, res.Status)
	assert.Nil(t, res.Value)
}

func TestCompileErrors(t *testing.T) {
	_, exec := newTestExecutor(t, &fakeInvoker{},
		getTool("fetch", "https://x"),
		domain.Tool{Name: "bad_url", HTTP: &domain.HTTPTemplate{Method: "GET", URL: "{{a..b}}"}},
	)

	tests := []struct {
		name string
		step domain.Step
		code domain.ErrorCode
	}{
		{"neither", domain.Step{Name: "s"}, domain.CodeWorkflowInvalid},
		{"both", domain.Step{Name: "s", Tool: "fetch", Inline: "x"}, domain.CodeWorkflowInvalid},
		{"unknown tool", domain.Step{Name: "s", Tool: "nope"}, domain.CodeUnknownTool},
		{"unknown inline", domain.Step{Name: "s", Inline: "nope"}, domain.CodeInlineNotFound},
		{"bad guard", domain.Step{Name: "s", Tool: "fetch", When: "a =="}, domain.CodeConfiguration},
		{"bad argument", domain.Step{Name: "s", Tool: "fetch", Arguments: map[string]string{"x": "{{.}}"}}, domain.CodeConfiguration},
		{"bad tool template", domain.Step{Name: "s", Tool: "bad_url"}, domain.CodeConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Compile(tt.step)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Equal(t, tt.code, domain.ErrorCodeOf(err))
		})
	}
}

func TestExecuteStepCompileFailureIsCaptured(t *testing.T) {
	_, exec := newTestExecutor(t, &fakeInvoker{})
	res := exec.ExecuteStep(context.Background(), domain.Step{Name: "s", Tool: "ghost"}, NewExecutionContext(), nil)
	assert.True(t, res.Failed())
	assert.Equal(t, domain.CodeUnknownTool, res.ErrorCode)
}
