// Package jsonnetengine wraps the jsonnet evaluator behind a narrow
// interface, per design note in spec §9: THE CORE treats jsonnet as an
// external pure function, so tests substitute MockEvaluator instead of
// exercising a real jsonnet VM.
package jsonnetengine

import (
	"encoding/json"
	"fmt"

	jsonnet "github.com/google/go-jsonnet"

	rcerrors "github.com/systmms/rconfd/internal/errors"
)

// Evaluator turns one template file plus a resolved secrets object into a
// mapping from output file path to file content.
type Evaluator interface {
	Evaluate(templatePath string, secrets map[string]interface{}) (map[string]string, error)
}

// VM evaluates templates with a real google/go-jsonnet interpreter.
type VM struct {
	// JPaths adds library search directories, the -j/--jpath CLI flag's
	// effect on import resolution.
	JPaths []string
}

// Evaluate implements Evaluator. The template is invoked with one external
// variable, "secrets", carrying the resolved secret values; its output must
// be a JSON object whose values are strings (jsonnet's own multi-file
// output convention), enforced by EvaluateFileMulti itself.
func (v VM) Evaluate(templatePath string, secrets map[string]interface{}) (map[string]string, error) {
	vm := jsonnet.MakeVM()
	if len(v.JPaths) > 0 {
		vm.Importer(&jsonnet.FileImporter{JPaths: v.JPaths})
	}

	secretsJSON, err := json.Marshal(secrets)
	if err != nil {
		return nil, rcerrors.TemplateError{Template: templatePath, Err: err}
	}
	vm.ExtCode("secrets", string(secretsJSON))

	out, err := vm.EvaluateFileMulti(templatePath)
	if err != nil {
		return nil, rcerrors.TemplateError{Template: templatePath, Err: err}
	}
	return out, nil
}

// MockEvaluator is a scripted Evaluator for tests: it records the last
// secrets object it was given and returns whatever Outputs (or Err) was
// configured, without invoking any jsonnet runtime.
type MockEvaluator struct {
	Outputs    map[string]string
	Err        error
	LastSecret map[string]interface{}
	LastPath   string
}

// Evaluate implements Evaluator.
func (m *MockEvaluator) Evaluate(templatePath string, secrets map[string]interface{}) (map[string]string, error) {
	m.LastPath = templatePath
	m.LastSecret = secrets
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Outputs, nil
}

// ValidateOutputTypes checks that a decoded jsonnet output object contains
// only string leaf values, the contract §6 requires and EvaluateFileMulti
// does not itself enforce for callers that build their own decoding.
func ValidateOutputTypes(templatePath string, raw map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for path, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, rcerrors.TemplateError{
				Template: templatePath,
				Err:      fmt.Errorf("output %q is not a string", path),
			}
		}
		out[path] = s
	}
	return out, nil
}
