package compliance

import (
	"fmt"
	"os"
	"strings"

	"sentinel/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NewSchemaRequirement builds a requirement that passes when the record
// validates against a JSON Schema. schema may be a JSON string or a decoded
// document (map[string]interface{}).
func NewSchemaRequirement(id, name string, regulation core.Regulation, remediation string, schema interface{}) (core.ComplianceRequirement, error) {
	var loader gojsonschema.JSONLoader
	switch s := schema.(type) {
	case string:
		loader = gojsonschema.NewStringLoader(s)
	case []byte:
		loader = gojsonschema.NewBytesLoader(s)
	case nil:
		return core.ComplianceRequirement{}, fmt.Errorf("requirement %s: schema is required", id)
	default:
		loader = gojsonschema.NewGoLoader(s)
	}

	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return core.ComplianceRequirement{}, fmt.Errorf("requirement %s: failed to compile schema: %w", id, err)
	}

	return core.ComplianceRequirement{
		ID:          id,
		Name:        name,
		Regulation:  regulation,
		Remediation: remediation,
		Enabled:     true,
		Check: func(record core.Record) (bool, error) {
			result, err := compiled.Validate(gojsonschema.NewGoLoader(map[string]interface{}(record)))
			if err != nil {
				return false, fmt.Errorf("schema validation: %w", err)
			}
			return result.Valid(), nil
		},
	}, nil
}

// RequirementDefinition is the file form of a schema-backed requirement
type RequirementDefinition struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Regulation  core.Regulation `yaml:"regulation"`
	Remediation string          `yaml:"remediation"`
	Enabled     *bool           `yaml:"enabled"`
	Schema      interface{}     `yaml:"schema"`
}

// RequirementFile is the top-level document of a requirements file
type RequirementFile struct {
	Requirements []RequirementDefinition `yaml:"requirements"`
}

// ParseRequirements builds schema requirements from a YAML document. A
// definition that fails to compile fails the whole document so a typo never
// silently drops a regulatory check.
func ParseRequirements(data []byte) ([]core.ComplianceRequirement, error) {
	var file RequirementFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	reqs := make([]core.ComplianceRequirement, 0, len(file.Requirements))
	for _, def := range file.Requirements {
		if def.ID == "" {
			return nil, fmt.Errorf("requirement missing id")
		}
		if def.Regulation == "" {
			return nil, fmt.Errorf("requirement %s: regulation is required", def.ID)
		}
		req, err := NewSchemaRequirement(def.ID, def.Name, core.Regulation(strings.ToUpper(string(def.Regulation))), def.Remediation, normalizeYAML(def.Schema))
		if err != nil {
			return nil, err
		}
		if def.Enabled != nil {
			req.Enabled = *def.Enabled
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// LoadRequirements reads schema requirements from a YAML file
func LoadRequirements(filename string, logger *zap.SugaredLogger) ([]core.ComplianceRequirement, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read requirements file: %w", err)
	}
	reqs, err := ParseRequirements(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	logger.Infof("Loaded %d compliance requirements from %s", len(reqs), filename)
	return reqs, nil
}

// normalizeYAML converts map[interface{}]interface{} nodes, which JSON
// encoding rejects, into map[string]interface{}
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
