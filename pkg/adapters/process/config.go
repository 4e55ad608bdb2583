package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/schema"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// StageConfig declares a stage whose body is an external command.
type StageConfig struct {
	Name        string            `mapstructure:"name"`
	Description string            `mapstructure:"description"`
	Watches     []string          `mapstructure:"watches"`
	Reads       []string          `mapstructure:"reads"`
	Optional    []string          `mapstructure:"optional"`
	Outputs     []string          `mapstructure:"outputs"`
	Schema      map[string]string `mapstructure:"schema"` // key -> type spec, e.g. "float(0,100)"
	Policy      domain.Policy     `mapstructure:"policy"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Environment map[string]string `mapstructure:"env"`
	Dir         string            `mapstructure:"dir"`
	Timeout     time.Duration     `mapstructure:"timeout"`
}

// Pipeline is the content of a pipeline file.
type Pipeline struct {
	Name   string        `mapstructure:"name"`
	Stages []StageConfig `mapstructure:"stages"`
}

// LoadPipeline reads a pipeline file. JSON is detected by extension; anything else is parsed as YAML.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	format := "yaml"
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		format = "json"
	}
	p, err := ParsePipeline(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// ParsePipeline decodes a pipeline document.
// Lists may be written as comma separated strings and durations as "500ms" style strings.
func ParsePipeline(data []byte, format string) (*Pipeline, error) {
	var raw map[string]any
	switch format {
	case "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
		}
	}

	var p Pipeline
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &p,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	for i := range p.Stages {
		if p.Stages[i].Name == "" {
			return nil, fmt.Errorf("stage #%d: missing name", i+1)
		}
		if p.Stages[i].Command == "" {
			return nil, fmt.Errorf("stage %q: missing command", p.Stages[i].Name)
		}
	}
	return &p, nil
}

// Build turns the pipeline into stage descriptors whose bodies run through r.
// Registration rules (ownership, cycles) are checked later by the registry.
func (p *Pipeline) Build(r *Runner) ([]domain.Stage, error) {
	stages := make([]domain.Stage, 0, len(p.Stages))
	for _, cfg := range p.Stages {
		st, err := cfg.Stage(r)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// Stage builds the descriptor of one configured stage.
func (c StageConfig) Stage(r *Runner) (domain.Stage, error) {
	body, err := r.Body(c)
	if err != nil {
		return domain.Stage{}, err
	}
	types, err := schema.ParseTypeMap(c.Schema)
	if err != nil {
		return domain.Stage{}, fmt.Errorf("stage %q: %w", c.Name, err)
	}
	return domain.Stage{
		Name:     c.Name,
		Watches:  c.Watches,
		Reads:    c.Reads,
		Optional: c.Optional,
		Outputs:  c.Outputs,
		Policy:   c.Policy,
		Schema:   types.Checks(),
		Body:     body,
	}, nil
}
