package tool

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
)

func newTestLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func httpTool(name string) domain.Tool {
	return domain.Tool{
		Name: name,
		HTTP: &domain.HTTPTemplate{Method: "get", URL: "https://api.example.com/" + name},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(httpTool("fetch_build")))

	got, err := reg.Get("fetch_build")
	require.NoError(t, err)
	assert.Equal(t, "fetch_build", got.Name)
	assert.Equal(t, "GET", got.HTTP.Method, "method is normalised")
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(httpTool("deploy")))

	err := reg.Register(httpTool("deploy"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicateTool))
	assert.Equal(t, domain.CodeDuplicateTool, domain.ErrorCodeOf(err))
}

func TestRegistryUnknown(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(httpTool(n)))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(httpTool("a")))
	assert.False(t, reg.Frozen())

	reg.Freeze()
	assert.True(t, reg.Frozen())

	err := reg.Register(httpTool("b"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = reg.Get("a")
	assert.NoError(t, err, "lookups still work after freeze")
}

func TestRegistryRejectsIncompleteDescriptors(t *testing.T) {
	tests := []struct {
		name string
		tool domain.Tool
	}{
		{"no name", domain.Tool{HTTP: &domain.HTTPTemplate{Method: "GET", URL: "http://x"}}},
		{"no template", domain.Tool{Name: "t"}},
		{"bad method", domain.Tool{Name: "t", HTTP: &domain.HTTPTemplate{Method: "FETCH", URL: "http://x"}}},
		{"no url", domain.Tool{Name: "t", HTTP: &domain.HTTPTemplate{Method: "GET"}}},
		{"bad body format", domain.Tool{Name: "t", HTTP: &domain.HTTPTemplate{Method: "POST", URL: "http://x", BodyFormat: "xml"}}},
		{"negative rate", domain.Tool{Name: "t", RatePerMinute: -1, HTTP: &domain.HTTPTemplate{Method: "GET", URL: "http://x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry(newTestLogger()).Register(tt.tool)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, domain.CodeToolInvalidArgs, domain.ErrorCodeOf(err))
		})
	}
}

func TestRegistryCopiesHeaders(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	tool := httpTool("h")
	tool.HTTP.Headers = map[string]string{"X-Token": "a"}
	require.NoError(t, reg.Register(tool))

	tool.HTTP.Headers["X-Token"] = "mutated"

	got, err := reg.Get("h")
	require.NoError(t, err)
	assert.Equal(t, "a", got.HTTP.Headers["X-Token"])
}

func TestRegistryBadSchema(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	tool := httpTool("bad")
	tool.ArgumentSchema = json.RawMessage(`{"type":`)
	err := reg.Register(tool)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	tool = httpTool("bad2")
	tool.ResponseSchema = json.RawMessage(`{not json`)
	err = reg.Register(tool)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
