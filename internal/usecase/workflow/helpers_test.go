package workflow

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentflow/internal/adapter/tool"
	"agentflow/internal/domain"
	"agentflow/internal/infra/logger"
)

// fakeInvoker records requests and answers them from respond, or with an
// empty 200 when respond is nil.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []domain.ToolRequest
	respond func(t domain.Tool, req domain.ToolRequest) *domain.ToolResponse
}

func (f *fakeInvoker) Invoke(_ context.Context, t domain.Tool, req domain.ToolRequest) *domain.ToolResponse {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &domain.ToolResponse{StatusCode: http.StatusOK}
	}
	return respond(t, req)
}

func (f *fakeInvoker) Calls() []domain.ToolRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ToolRequest(nil), f.calls...)
}

func (f *fakeInvoker) callsTo(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Tool == name {
			n++
		}
	}
	return n
}

func jsonResponse(status int, body string) *domain.ToolResponse {
	resp := &domain.ToolResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
	}
	return resp
}

func getTool(name, url string) domain.Tool {
	return domain.Tool{Name: name, HTTP: &domain.HTTPTemplate{Method: "GET", URL: url}}
}

func postTool(name, url string, body any) domain.Tool {
	return domain.Tool{Name: name, HTTP: &domain.HTTPTemplate{Method: "POST", URL: url, Body: body}}
}

func newTestExecutor(t *testing.T, inv domain.ToolInvoker, tools ...domain.Tool) (*tool.Registry, *Executor) {
	t.Helper()
	reg := tool.NewRegistry(logger.Discard())
	for _, tl := range tools {
		require.NoError(t, reg.Register(tl))
	}
	return reg, NewExecutor(reg, inv, NewInlineRegistry(), logger.Discard())
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// memoryStore is an in-memory PassStore.
type memoryStore struct {
	mu      sync.Mutex
	records []domain.PassRecord
}

func (s *memoryStore) SavePass(_ context.Context, rec domain.PassRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListPasses(_ context.Context, wf string, limit int) ([]domain.PassRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PassRecord
	for i := len(s.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if wf == "" || s.records[i].Workflow == wf {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
