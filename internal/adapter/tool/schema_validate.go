package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	kjsonschema "github.com/kaptinlin/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentflow/internal/domain"
)

// toolSchemas holds the compiled schemas of one tool. Argument schemas are
// draft-agnostic santhosh schemas; response schemas use kaptinlin, which
// reports every failing keyword in one result.
type toolSchemas struct {
	args     *jsonschema.Schema
	response *kjsonschema.Schema
}

func compileSchemas(t domain.Tool) (*toolSchemas, error) {
	s := &toolSchemas{}

	if !emptySchema(t.ArgumentSchema) {
		compiler := jsonschema.NewCompiler()
		url := t.Name + ".arguments.json"
		if err := compiler.AddResource(url, bytes.NewReader(t.ArgumentSchema)); err != nil {
			return nil, fmt.Errorf("add argument schema for %q: %w", t.Name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile argument schema for %q: %w", t.Name, err)
		}
		s.args = compiled
	}

	if !emptySchema(t.ResponseSchema) {
		compiled, err := kjsonschema.NewCompiler().Compile([]byte(t.ResponseSchema))
		if err != nil {
			return nil, fmt.Errorf("compile response schema for %q: %w", t.Name, err)
		}
		s.response = compiled
	}

	return s, nil
}

func emptySchema(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

func (s *toolSchemas) validateArguments(tool string, args map[string]string) error {
	v := make(map[string]any, len(args))
	for k, val := range args {
		v[k] = val
	}
	if err := s.args.Validate(v); err != nil {
		return domain.NewSubSystemError("tool", "Registry.ValidateArguments", domain.ErrInvalidInput,
			fmt.Sprintf("tool %q: %v", tool, err))
	}
	return nil
}

func (s *toolSchemas) validateResponse(tool string, body any) error {
	result := s.response.Validate(body)
	if !result.IsValid() {
		return domain.NewSubSystemError("response", "Registry.ValidateResponse", domain.ErrToolFailure,
			fmt.Sprintf("tool %q: response does not match schema: %s", tool, result.Error()))
	}
	return nil
}
