package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentflow/internal/domain"
)

// Definitions is the parsed content of one or more definition files.
type Definitions struct {
	Tools     []domain.Tool
	Workflows []domain.Workflow
	// Sources maps tool and workflow names to the file that declared them.
	Sources map[string]string
}

// definitionFile is the YAML shape of a definition file.
type definitionFile struct {
	Tools     []toolDoc         `yaml:"tools"`
	Workflows []domain.Workflow `yaml:"workflows"`
}

// toolDoc accepts schemas as YAML mappings or JSON text.
type toolDoc struct {
	Name           string               `yaml:"name"`
	Description    string               `yaml:"description"`
	HTTP           *domain.HTTPTemplate `yaml:"http"`
	Timeout        time.Duration        `yaml:"timeout"`
	RatePerMinute  int                  `yaml:"rate_per_minute"`
	ArgumentSchema any                  `yaml:"argument_schema"`
	ResponseSchema any                  `yaml:"response_schema"`
}

func (d toolDoc) tool() (domain.Tool, error) {
	args, err := schemaJSON(d.ArgumentSchema)
	if err != nil {
		return domain.Tool{}, fmt.Errorf("tool %q argument_schema: %w", d.Name, err)
	}
	resp, err := schemaJSON(d.ResponseSchema)
	if err != nil {
		return domain.Tool{}, fmt.Errorf("tool %q response_schema: %w", d.Name, err)
	}
	return domain.Tool{
		Name:           d.Name,
		Description:    d.Description,
		HTTP:           d.HTTP,
		Timeout:        d.Timeout,
		RatePerMinute:  d.RatePerMinute,
		ArgumentSchema: args,
		ResponseSchema: resp,
	}, nil
}

func schemaJSON(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		if !json.Valid([]byte(s)) {
			return nil, errors.New("not valid JSON")
		}
		return json.RawMessage(s), nil
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

// ParseDefinitions decodes one definition document. Unknown keys are
// rejected so typos surface at load time.
func ParseDefinitions(data []byte, source string) (*Definitions, error) {
	const op = "ParseDefinitions"

	var file definitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.NewDomainError(op, domain.ErrConfigLoad, fmt.Sprintf("%s: %v", source, err))
	}

	defs := &Definitions{Sources: make(map[string]string)}
	for _, doc := range file.Tools {
		t, err := doc.tool()
		if err != nil {
			return nil, domain.NewDomainError(op, domain.ErrConfigLoad, fmt.Sprintf("%s: %v", source, err))
		}
		defs.Tools = append(defs.Tools, t)
		defs.Sources["tool:"+t.Name] = source
	}
	for _, wf := range file.Workflows {
		defs.Workflows = append(defs.Workflows, wf)
		defs.Sources["workflow:"+wf.DisplayName] = source
	}
	return defs, nil
}

// LoadFile reads and parses one definition file.
func LoadFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("LoadFile", domain.ErrConfigLoad, err.Error())
	}
	return ParseDefinitions(data, path)
}

// LoadDefinitions reads every .yaml/.yml file in dir, in name order. A
// missing directory yields empty definitions; unreadable files are skipped
// with a warning; malformed files and duplicate names fail the load.
func LoadDefinitions(dir string, logger *slog.Logger) (*Definitions, error) {
	if logger == nil {
		logger = slog.Default()
	}
	all := &Definitions{Sources: make(map[string]string)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("definitions directory does not exist", "dir", dir)
			return all, nil
		}
		return nil, domain.NewDomainError("LoadDefinitions", domain.ErrConfigLoad, fmt.Sprintf("read definitions dir: %v", err))
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skip unreadable definition file", "file", entry.Name(), "error", err)
			continue
		}
		defs, err := ParseDefinitions(data, path)
		if err != nil {
			return nil, err
		}
		if err := all.Merge(defs); err != nil {
			return nil, err
		}
		logger.Debug("loaded definition file", "file", entry.Name(),
			"tools", len(defs.Tools), "workflows", len(defs.Workflows))
	}
	return all, nil
}

// Merge adds other's tools and workflows. Duplicate names are an error.
func (d *Definitions) Merge(other *Definitions) error {
	if d.Sources == nil {
		d.Sources = make(map[string]string)
	}
	for _, t := range other.Tools {
		key := "tool:" + t.Name
		if prev, ok := d.Sources[key]; ok {
			return domain.NewDomainError("Definitions.Merge", domain.ErrDuplicateTool,
				fmt.Sprintf("tool %q declared in %s and %s", t.Name, prev, other.Sources[key]))
		}
		d.Tools = append(d.Tools, t)
		d.Sources[key] = other.Sources[key]
	}
	for _, wf := range other.Workflows {
		key := "workflow:" + wf.DisplayName
		if prev, ok := d.Sources[key]; ok {
			return domain.NewSubSystemError("workflow", "Definitions.Merge", domain.ErrDuplicate,
				fmt.Sprintf("workflow %q declared in %s and %s", wf.DisplayName, prev, other.Sources[key]))
		}
		d.Workflows = append(d.Workflows, wf)
		d.Sources[key] = other.Sources[key]
	}
	return nil
}

// Workflow returns the named workflow.
func (d *Definitions) Workflow(name string) (domain.Workflow, error) {
	for _, wf := range d.Workflows {
		if wf.DisplayName == name {
			return wf, nil
		}
	}
	return domain.Workflow{}, domain.NewSubSystemError("workflow", "Definitions.Workflow", domain.ErrNotFound, name)
}

// WorkflowNames lists workflow names, sorted.
func (d *Definitions) WorkflowNames() []string {
	names := make([]string, 0, len(d.Workflows))
	for _, wf := range d.Workflows {
		names = append(names, wf.DisplayName)
	}
	sort.Strings(names)
	return names
}

// ToolRegistrar is satisfied by tool registries.
type ToolRegistrar interface {
	Register(t domain.Tool) error
}

// RegisterTools registers every tool with reg.
func (d *Definitions) RegisterTools(reg ToolRegistrar) error {
	for _, t := range d.Tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
